package cmd

import (
	"github.com/spf13/cobra"

	"github.com/atmx/risk-bridge/internal/calendar"
	"github.com/atmx/risk-bridge/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Operator tooling for the risk bridge",
	Long: `bridgectl checks bridge configuration, inspects the market-hours
calendar, issues dashboard tokens and signs execution-agent requests
for manual testing.`,
	SilenceUsage: true,
}

var configPath string

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "bridge config file (defaults apply when empty)")
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(configPath)
}

func loadCalendar() (*calendar.Calendar, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.BuildCalendar()
}
