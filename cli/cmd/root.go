package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/telhawk-systems/conversion-relay/common/config"
)

var cfg *config.CLIConfig

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Conversion relay CLI",
	Long: `relayctl is the command-line interface for the conversion delivery pipeline.

Trigger delivery runs, inspect the unsent backlog and destination stats,
mint trigger tokens and seed a database with synthetic conversion events.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().String("output", "table", "output format: table, json, yaml")
}

func initConfig() {
	var err error
	cfg, err = config.LoadCLI()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultCLI()
	}
}
