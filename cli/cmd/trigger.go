package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/telhawk-systems/conversion-relay/cli/internal/client"
	"github.com/telhawk-systems/conversion-relay/cli/pkg/output"
	"github.com/telhawk-systems/conversion-relay/delivery/pkg/tokens"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run one delivery pass",
	Long:  "Ask the delivery service to drain the unsent backlog once and print the run summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		dc, token, err := deliveryClient(cmd)
		if err != nil {
			return err
		}

		summary, err := dc.Trigger(context.Background(), token)
		if errors.Is(err, client.ErrRunInProgress) {
			output.Warn("A delivery run is already in progress")
			return nil
		}
		if summary == nil {
			return fmt.Errorf("trigger failed: %w", err)
		}

		format, _ := cmd.Flags().GetString("output")
		if perr := output.Print(format, summary, func() { printSummary(summary) }); perr != nil {
			return perr
		}
		if err != nil {
			return fmt.Errorf("run %s failed: %w", summary.RunID, err)
		}
		return nil
	},
}

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Show the unsent event count",
	RunE: func(cmd *cobra.Command, args []string) error {
		dc, token, err := deliveryClient(cmd)
		if err != nil {
			return err
		}

		unsent, err := dc.Backlog(context.Background(), token)
		if err != nil {
			return fmt.Errorf("failed to fetch backlog: %w", err)
		}

		format, _ := cmd.Flags().GetString("output")
		return output.Print(format, map[string]int64{"unsent": unsent}, func() {
			output.Info("Unsent events: %d", unsent)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <destination>",
	Short: "Show delivery stats for a destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dc, token, err := deliveryClient(cmd)
		if err != nil {
			return err
		}

		stats, err := dc.DestinationStats(context.Background(), token, args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch stats: %w", err)
		}

		format, _ := cmd.Flags().GetString("output")
		return output.Print(format, stats, func() { printStats(stats) })
	},
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(backlogCmd)
	rootCmd.AddCommand(statsCmd)

	for _, c := range []*cobra.Command{triggerCmd, backlogCmd, statsCmd} {
		c.Flags().String("delivery-url", "", "Delivery service URL (default from config/env)")
		c.Flags().String("token", "", "Bearer token (default: minted from the profile trigger secret)")
	}
}

// deliveryClient resolves the service URL and bearer token for cmd.
func deliveryClient(cmd *cobra.Command) (*client.DeliveryClient, string, error) {
	profile, _ := cmd.Flags().GetString("profile")

	url, _ := cmd.Flags().GetString("delivery-url")
	if url == "" {
		url = cfg.GetDeliveryURL(profile)
	}

	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		var err error
		token, err = resolveToken(cfg.GetTriggerSecret(profile))
		if err != nil {
			return nil, "", err
		}
	}

	return client.NewDeliveryClient(url), token, nil
}

// resolveToken mints a short-lived token from secret.
func resolveToken(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("no token given and profile has no trigger secret")
	}
	token, err := tokens.NewTriggerTokens(secret, tokens.DefaultTTL).Generate("relayctl")
	if err != nil {
		return "", fmt.Errorf("failed to mint trigger token: %w", err)
	}
	return token, nil
}

func printSummary(s *client.RunSummary) {
	if s.RunID != "" {
		output.Info("Run: %s", s.RunID)
	}
	table := output.NewTable([]string{"PROCESSED", "SENT", "EXPIRED", "FAILED"})
	table.AddRow([]string{
		strconv.Itoa(s.Processed),
		strconv.Itoa(s.Sent),
		strconv.Itoa(s.Expired),
		strconv.Itoa(s.Failed),
	})
	table.Render()

	for _, e := range s.Errors {
		output.Warn("%s", e)
	}
}

func printStats(s *client.DestinationStats) {
	lastRun := "never"
	if s.LastRunAt != nil {
		lastRun = s.LastRunAt.Format(time.RFC3339)
	}

	table := output.NewTable([]string{"FIELD", "VALUE"})
	table.AddRow([]string{"Destination", s.DestinationID})
	table.AddRow([]string{"Last run", lastRun})
	table.AddRow([]string{"Last run ID", s.LastRunID})
	table.AddRow([]string{"Last trace ID", s.LastTraceID})
	table.AddRow([]string{"Total sent", strconv.FormatInt(s.TotalSent, 10)})
	table.AddRow([]string{"Total failed", strconv.FormatInt(s.TotalFailed, 10)})
	table.AddRow([]string{"Sent last hour", strconv.FormatInt(s.SentLastHour, 10)})
	table.AddRow([]string{"Sent last 24h", strconv.FormatInt(s.SentLast24h, 10)})
	table.AddRow([]string{"Pixels", strings.Join(s.Pixels, ", ")})
	table.Render()

	if s.LastError != "" {
		output.Warn("Last error: %s", s.LastError)
	}
}
