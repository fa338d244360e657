package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/s3mirror/s3mirror/internal/activity"
	"github.com/s3mirror/s3mirror/internal/config"
	"github.com/s3mirror/s3mirror/internal/dashboard"
	"github.com/s3mirror/s3mirror/internal/journal"
	"github.com/s3mirror/s3mirror/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Watch the folder and mirror changes until stopped",
	Long: `Watch the configured folder and mirror every settled change to the bucket.

On startup every file in scope is compared against its remote object, so
changes made while s3mirror was not running are reconciled. When
folder.expire is set, files older than folder.expire_days are deleted
locally every folder.sweep_period.

The process stops cleanly on SIGHUP, SIGINT, SIGTERM, SIGUSR1 or SIGUSR2:
a transfer in progress is allowed to finish.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger := setup()
		if err := runMirror(cfg, logger); err != nil {
			fatalf("%v", err)
		}
	},
}

// runMirror runs until a stop signal arrives. Resources opened here are
// released before it returns, on every path.
func runMirror(cfg config.Config, logger logrus.FieldLogger) error {
	ctx := context.Background()

	st := openStore(ctx, cfg, logger)

	var observers []activity.Observer

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		jrnl = j
		observers = append(observers, j)
	}

	if cfg.Dashboard.Enabled {
		dash := dashboard.NewServer(dashboard.Config{
			Port:   cfg.Dashboard.Port,
			Logger: logger,
		})
		if err := dash.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer dash.Stop()
		observers = append(observers, dash)
		fmt.Printf("Dashboard: http://localhost:%d (ws://localhost:%d/ws)\n", cfg.Dashboard.Port, cfg.Dashboard.Port)
	}

	o, err := orchestrator.New(cfg, orchestrator.Deps{
		Store:     st,
		Logger:    logger,
		Observers: observers,
	})
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, stopSignals...)
	defer stop()

	if err := o.Start(sigCtx); err != nil {
		return err
	}

	fmt.Printf("Mirroring %s to s3://%s (run %s)\n", cfg.Folder.Path, st.Bucket(), o.RunID())
	fmt.Println("Press Ctrl+C to stop...")

	<-sigCtx.Done()
	fmt.Println("\nShutting down...")

	if err := o.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}

	if jrnl != nil {
		sum, err := jrnl.Summary(ctx, o.RunID())
		if err == nil {
			fmt.Printf("Pushed %d (%s), skipped %d, removed %d, expired %d, failed %d\n",
				sum.Pushed, humanize.Bytes(uint64(sum.Bytes)), sum.Skipped, sum.Removed, sum.Expired, sum.Failed+sum.Integrity)
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
