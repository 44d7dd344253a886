package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate configuration files",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load a configuration file, expand ${VAR} references and apply the
deployment env overrides, then run the same checks the server runs at
startup.

Example:
  bridgectl config validate -c bridge.yaml`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration valid: %s\n", configPath)
	fmt.Fprintf(out, "  accounts: %d, devices: %d\n", len(cfg.Accounts), len(cfg.Devices))
	fmt.Fprintf(out, "  tick interval: %s, workers: %d\n", cfg.Engine.Interval, cfg.Engine.Workers)
	fmt.Fprintf(out, "  drawdown: warn %s%% / close %s%%\n", cfg.Guards.DrawdownWarningPct, cfg.Guards.DrawdownCriticalPct)
	return nil
}
