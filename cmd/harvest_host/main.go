package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harvestnet/harvest-host/internal/commands"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=X.Y.Z"
	Version = "0.0.0-dev"
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "harvest_host",
	Short: "Harvest Host - desktop companion for the harvestd daemon",
	Long: `Harvest Host spawns and supervises the local harvestd daemon and talks to
it over a certificate-authenticated control channel.

Quick Start:
  harvest_host                    Launch interactive dashboard (default)
  harvest_host start              Start headless (for scripts/automation)
  harvest_host status             Show daemon and configuration status

Config: ~/.harvestnet/host-config.yaml
Logs:   ~/.harvestnet/logs/harvest_host.log`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return commands.RunTUIDefault(verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(commands.TUICmd)
	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.StatusCmd)
}

func main() {
	commands.AppVersion = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
