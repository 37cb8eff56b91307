package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harvestnet/harvest-host/internal/config"
	"github.com/harvestnet/harvest-host/internal/logging"
	"github.com/harvestnet/harvest-host/internal/session"
)

// AppVersion is set from main at startup.
var AppVersion = "0.0.0-dev"

// shutdownBudget bounds the negotiated daemon shutdown on exit.
const shutdownBudget = 30 * time.Second

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon headless (no UI)",
	Long: `Spawns harvestd, connects the control channel, and runs in the
foreground until interrupted. On SIGINT or SIGTERM the daemon is asked to
exit its services and is force-stopped if it does not acknowledge in time.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := logging.New(logging.Options{Verbose: verbose, Output: os.Stderr})

	fmt.Println("🌾 Starting Harvest Host", AppVersion)
	fmt.Printf("📍 Config: %s\n", config.Path())
	fmt.Printf("🔌 Daemon: %s\n", cfg.DaemonURL())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess := session.New(cfg, logger)
	if err := sess.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("✅ Daemon running (pid %d), channel connected\n", sess.DaemonPID())
	fmt.Println("   Press Ctrl+C to stop")

	<-ctx.Done()
	stop()

	fmt.Println("🛑 Stopping daemon...")
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	sess.Close(closeCtx)

	fmt.Println("✅ Daemon stopped")
	return nil
}
