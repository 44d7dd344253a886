package cmd

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/risk-bridge/internal/api"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Dashboard bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue SUBJECT",
	Short: "Issue a signed dashboard token",
	Long: `Issue an HS256 token for the dashboard API. The secret is read from
JWT_SECRET, falling back to auth.jwt_secret in the config file.

Example:
  JWT_SECRET=... bridgectl token issue alice --role producer --ttl 12h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !slices.Contains([]string{api.RoleViewer, api.RoleProducer, api.RoleAdmin}, tokenRole) {
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret = cfg.Auth.JWTSecret
		}
		if secret == "" {
			return fmt.Errorf("no signing secret: set JWT_SECRET or auth.jwt_secret")
		}
		tok, err := api.TokenVerifier{Secret: []byte(secret)}.Sign(args[0], tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenIssueCmd.Flags().StringVar(&tokenRole, "role", api.RoleViewer, "viewer, producer or admin")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 8*time.Hour, "token lifetime")
}
