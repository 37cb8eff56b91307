package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harvestnet/harvest-host/internal/config"
	"github.com/harvestnet/harvest-host/internal/logging"
	"github.com/harvestnet/harvest-host/internal/session"
	"github.com/harvestnet/harvest-host/internal/shutdown"
	"github.com/harvestnet/harvest-host/internal/tui"
)

// TUICmd launches the dashboard. Hidden because running `harvest_host`
// without args launches it by default.
var TUICmd = &cobra.Command{
	Use:    "tui",
	Short:  "Launch the interactive dashboard",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		return RunTUIDefault(verbose)
	},
}

// RunTUIDefault starts the daemon session and runs the dashboard until the
// user quits. Logs go to a file so the terminal stays owned by the TUI.
func RunTUIDefault(verbose bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logFile, err := openLogFile()
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger := logging.New(logging.Options{Verbose: verbose, Output: logFile})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := session.New(cfg, logger)
	if err := sess.Start(ctx); err != nil {
		return err
	}

	runErr := tui.Run(ctx, sess)

	// The quit dialog normally completes the shutdown before the program
	// returns. Anything else (error, terminal hangup) still owes the daemon
	// a clean stop.
	if coord := sess.Coordinator(); coord != nil && coord.Phase() != shutdown.PhaseTerminated {
		sess.Close(context.Background())
	} else {
		sess.Release()
	}
	return runErr
}

func openLogFile() (*os.File, error) {
	dir := filepath.Join(config.Dir(), "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(dir, "harvest_host.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
