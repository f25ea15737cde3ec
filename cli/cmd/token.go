package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/telhawk-systems/conversion-relay/cli/pkg/output"
	"github.com/telhawk-systems/conversion-relay/delivery/pkg/tokens"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a trigger token",
	Long: `Mint a short-lived HS256 token accepted by the delivery service trigger endpoint.

The secret defaults to the profile trigger secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		subject, _ := cmd.Flags().GetString("subject")

		if secret == "" {
			profile, _ := cmd.Flags().GetString("profile")
			secret = cfg.GetTriggerSecret(profile)
		}
		if secret == "" {
			return fmt.Errorf("secret is required (--secret or profile trigger_secret)")
		}
		if ttl <= 0 {
			return fmt.Errorf("ttl must be positive")
		}

		token, err := tokens.NewTriggerTokens(secret, ttl).Generate(subject)
		if err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}

		format, _ := cmd.Flags().GetString("output")
		return output.Print(format, map[string]string{"token": token}, func() {
			fmt.Fprintln(output.Stdout, token)
		})
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("secret", "", "Shared trigger secret")
	tokenCmd.Flags().Duration("ttl", tokens.DefaultTTL, "Token lifetime")
	tokenCmd.Flags().String("subject", "relayctl", "Token subject")
}
