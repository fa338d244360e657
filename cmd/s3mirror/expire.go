package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/s3mirror/s3mirror/internal/activity"
	"github.com/s3mirror/s3mirror/internal/journal"
	"github.com/s3mirror/s3mirror/internal/match"
	"github.com/s3mirror/s3mirror/internal/sweep"
)

var expireCmd = &cobra.Command{
	Use:     "expire",
	GroupID: "sync",
	Short:   "Run one expiration sweep",
	Long: `Delete local files in scope whose modification time is at least
folder.expire_days days old, then exit. The bucket is never touched.

Use --dry-run to list what would be deleted.`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		days, _ := cmd.Flags().GetInt("days")
		cfg, logger := setup()
		ctx := context.Background()

		if cmd.Flags().Changed("days") {
			cfg.Folder.ExpireDays = days
		}

		fs := afero.NewOsFs()
		matcher, err := match.New(fs, cfg.Folder.Include, cfg.Folder.Exclude)
		if err != nil {
			fatalf("%v", err)
		}

		var observers activity.Fanout
		observers = append(observers, activity.ObserverFunc(func(rec activity.Record) {
			if rec.Op != activity.OpExpire {
				return
			}
			switch rec.Outcome {
			case activity.OutcomeDryRun:
				fmt.Printf("would expire %s (%s)\n", rec.Path, humanize.Bytes(uint64(rec.Bytes)))
			case activity.OutcomeOK:
				fmt.Printf("expired %s (%s)\n", rec.Path, humanize.Bytes(uint64(rec.Bytes)))
			default:
				fmt.Printf("failed %s: %s\n", rec.Path, rec.Err)
			}
		}))
		if cfg.Journal.Enabled && !dryRun {
			j, err := journal.Open(cfg.Journal.Path, logger)
			if err != nil {
				fatalf("failed to open journal: %v", err)
			}
			defer j.Close()
			observers = append(observers, j)
		}

		sw, err := sweep.New(sweep.Config{
			Root:     cfg.Folder.Path,
			Days:     cfg.Folder.ExpireDays,
			Period:   cfg.Folder.SweepPeriod,
			DryRun:   dryRun,
			Matcher:  matcher,
			Fs:       fs,
			Logger:   logger,
			Observer: activity.Stamp(uuid.NewString(), observers),
		})
		if err != nil {
			fatalf("%v", err)
		}

		stats := sw.SweepOnce(ctx)
		fmt.Println(stats)
	},
}

func init() {
	expireCmd.Flags().Bool("dry-run", false, "Report expired files without deleting them")
	expireCmd.Flags().Int("days", 0, "Override folder.expire_days")

	rootCmd.AddCommand(expireCmd)
}
