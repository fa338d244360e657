package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/s3mirror/s3mirror/internal/activity"
	"github.com/s3mirror/s3mirror/internal/journal"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show recent runs and transfers from the journal",
	Long: `Summarize the most recent runs recorded in the journal (journal.path).

With --recent, list the individual actions of the latest runs instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		recent, _ := cmd.Flags().GetBool("recent")
		cfg, logger := setup()
		ctx := context.Background()

		if _, err := os.Stat(cfg.Journal.Path); os.IsNotExist(err) {
			fmt.Printf("No journal at %s\n", cfg.Journal.Path)
			return
		}

		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			fatalf("failed to open journal: %v", err)
		}
		defer j.Close()

		if recent {
			records, err := j.Recent(ctx, limit)
			if err != nil {
				fatalf("%v", err)
			}
			renderRecords(records)
			return
		}

		runs, err := j.Runs(ctx, limit)
		if errors.Is(err, journal.ErrNoRuns) || (err == nil && len(runs) == 0) {
			fmt.Println("No runs recorded")
			return
		}
		if err != nil {
			fatalf("%v", err)
		}
		renderRuns(runs)
	},
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

func renderRuns(runs []journal.Summary) {
	table := newTable([]string{"Run", "Started", "Duration", "Pushed", "Skipped", "Removed", "Expired", "Failed", "Bytes"})
	for _, s := range runs {
		table.Append([]string{
			s.RunID[:min(8, len(s.RunID))],
			humanize.Time(s.First),
			s.Last.Sub(s.First).Round(time.Second).String(),
			strconv.Itoa(s.Pushed),
			strconv.Itoa(s.Skipped),
			strconv.Itoa(s.Removed),
			strconv.Itoa(s.Expired),
			strconv.Itoa(s.Failed + s.Integrity),
			humanize.Bytes(uint64(s.Bytes)),
		})
	}
	table.Render()
}

func renderRecords(records []activity.Record) {
	table := newTable([]string{"Time", "Op", "Outcome", "Target", "Bytes", "Error"})
	for _, r := range records {
		target := r.Key
		if target == "" {
			target = r.Path
		}
		table.Append([]string{
			r.At.Local().Format(time.DateTime),
			string(r.Op),
			string(r.Outcome),
			target,
			humanize.Bytes(uint64(r.Bytes)),
			r.Err,
		})
	}
	table.Render()
}

func init() {
	statusCmd.Flags().IntP("limit", "n", 10, "Number of runs or records to show")
	statusCmd.Flags().Bool("recent", false, "List individual actions instead of run summaries")

	rootCmd.AddCommand(statusCmd)
}
