package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/telhawk-systems/conversion-relay/cli/pkg/output"
	"github.com/telhawk-systems/conversion-relay/common/config"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage CLI profiles",
}

var profileSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or update a profile and make it current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		p, err := cfg.GetProfile(name)
		if err != nil {
			p = &config.CLIProfile{}
		}

		if cmd.Flags().Changed("delivery-url") {
			p.DeliveryURL, _ = cmd.Flags().GetString("delivery-url")
		}
		if cmd.Flags().Changed("trigger-secret") {
			p.TriggerSecret, _ = cmd.Flags().GetString("trigger-secret")
		}
		if cmd.Flags().Changed("database-url") {
			p.DatabaseURL, _ = cmd.Flags().GetString("database-url")
		}

		if err := cfg.SaveProfile(name, p); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		output.Success("Profile '%s' saved to %s", name, cfg.Path())
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		return output.Print(format, cfg.Profiles, func() {
			names := make([]string, 0, len(cfg.Profiles))
			for name := range cfg.Profiles {
				names = append(names, name)
			}
			sort.Strings(names)

			table := output.NewTable([]string{"CURRENT", "NAME", "DELIVERY URL", "SECRET"})
			for _, name := range names {
				p := cfg.Profiles[name]
				current := ""
				if name == cfg.CurrentProfile {
					current = "*"
				}
				secret := "no"
				if p.TriggerSecret != "" {
					secret = "yes"
				}
				table.AddRow([]string{current, name, p.DeliveryURL, secret})
			}
			table.Render()
		})
	},
}

var profileUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch the current profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := cfg.GetProfile(args[0]); err != nil {
			return err
		}
		cfg.CurrentProfile = args[0]
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		output.Success("Switched to profile '%s'", args[0])
		return nil
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RemoveProfile(args[0]); err != nil {
			return err
		}
		output.Success("Removed profile '%s'", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileSetCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileUseCmd)
	profileCmd.AddCommand(profileRemoveCmd)

	profileSetCmd.Flags().String("delivery-url", "", "Delivery service URL")
	profileSetCmd.Flags().String("trigger-secret", "", "Shared trigger secret")
	profileSetCmd.Flags().String("database-url", "", "Postgres URL used by seed")
}
