package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harvestnet/harvest-host/internal/config"
	"github.com/harvestnet/harvest-host/internal/launcher"
)

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and configuration status",
	Long:  `Display the daemon's running state and the host configuration without spawning anything.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("🌾 Harvest Host Status")
	fmt.Println()

	if launcher.IsRunning() {
		fmt.Println("⚙️  Daemon: ✅ running")
	} else {
		fmt.Println("⚙️  Daemon: ❌ not running")
		fmt.Println("   Run 'harvest_host start' or launch the dashboard")
	}
	fmt.Println()

	fmt.Printf("🔌 Endpoint: %s\n", cfg.DaemonURL())
	if cfg.Packaged {
		fmt.Println("📦 Deployment: packaged")
	} else {
		fmt.Println("📦 Deployment: development")
		if cfg.DaemonRoot != "" {
			fmt.Printf("   Daemon root: %s\n", cfg.DaemonRoot)
		}
	}
	fmt.Println()

	fmt.Printf("📁 Config file: %s\n", config.Path())
	return nil
}
