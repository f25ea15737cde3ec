package cmd

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/telhawk-systems/conversion-relay/cli/internal/seeder"
	"github.com/telhawk-systems/conversion-relay/cli/pkg/output"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed synthetic conversion events",
	Long: `Generate realistic conversion events and pixel mappings and write them to Postgres.

A share of events can be made stale or retry-exhausted so a delivery run
exercises every outcome.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc := seeder.DefaultConfig()
		sc.Count, _ = cmd.Flags().GetInt("count")
		sc.Pixels, _ = cmd.Flags().GetInt("pixels")
		sc.Unmapped, _ = cmd.Flags().GetInt("unmapped")
		sc.StaleFraction, _ = cmd.Flags().GetFloat64("stale")
		sc.ExhaustedFraction, _ = cmd.Flags().GetFloat64("exhausted")
		sc.Seed, _ = cmd.Flags().GetInt64("seed")
		sc.StaleAfter, _ = cmd.Flags().GetDuration("stale-after")
		sc.MaxRetries, _ = cmd.Flags().GetInt("max-retries")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ds, err := seeder.Generate(sc)
		if err != nil {
			return fmt.Errorf("invalid seed options: %w", err)
		}

		if dryRun {
			output.Info("Generated %d events (%d stale, %d exhausted) across %d mapped pixels",
				len(ds.Events), ds.Stale, ds.Exhausted, len(ds.Mappings))
			return nil
		}

		dbURL, _ := cmd.Flags().GetString("database-url")
		if dbURL == "" {
			profile, _ := cmd.Flags().GetString("profile")
			dbURL = cfg.GetDatabaseURL(profile)
		}

		ctx := context.Background()
		w, err := seeder.NewWriter(ctx, dbURL)
		if err != nil {
			return err
		}
		defer w.Close()

		if addr, _ := cmd.Flags().GetString("redis-addr"); addr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: addr})
			defer rdb.Close()
			w.WithMappingCache(rdb)
		}

		n, err := w.Write(ctx, ds)
		if err != nil {
			return fmt.Errorf("failed to write seed data: %w", err)
		}

		output.Success("Seeded %d events (%d stale, %d exhausted) and %d mappings",
			n, ds.Stale, ds.Exhausted, len(ds.Mappings))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)

	d := seeder.DefaultConfig()
	seedCmd.Flags().Int("count", d.Count, "Number of events to generate")
	seedCmd.Flags().Int("pixels", d.Pixels, "Number of distinct pixels")
	seedCmd.Flags().Int("unmapped", 0, "Pixels left without a destination mapping")
	seedCmd.Flags().Float64("stale", 0.1, "Fraction of events older than the stale window")
	seedCmd.Flags().Float64("exhausted", 0.05, "Fraction of events at the retry limit")
	seedCmd.Flags().Int64("seed", 0, "Random seed (0 picks a random one)")
	seedCmd.Flags().Duration("stale-after", d.StaleAfter, "Stale window the delivery service uses")
	seedCmd.Flags().Int("max-retries", d.MaxRetries, "Retry limit the delivery service uses")
	seedCmd.Flags().String("database-url", "", "Postgres URL (default from config/env)")
	seedCmd.Flags().String("redis-addr", "", "Redis of the delivery service; its cached mappings for seeded pixels are cleared")
	seedCmd.Flags().Bool("dry-run", false, "Generate without writing")
}
