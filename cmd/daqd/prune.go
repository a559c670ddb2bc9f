package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/daqstore/internal/storage/retention"
)

var pruneCmd = &cobra.Command{
	Use:   "prune <dir>",
	Short: "Delete parquet files older than a given age",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return prune(cmd.OutOrStdout(), args[0], olderThan, dryRun)
	},
}

func init() {
	pruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "minimum age of deleted files")
	pruneCmd.Flags().Bool("dry-run", false, "report what would be deleted")
}

func prune(out io.Writer, dir string, olderThan time.Duration, dryRun bool) error {
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	m := retention.New(dir, olderThan)
	results := m.RunCleanup
	verb := "deleted"
	if dryRun {
		results = m.DryRun
		verb = "would delete"
	}

	var failed int
	for _, r := range results() {
		fmt.Fprintf(out, "%s: %s %d files (%d bytes), kept %d\n",
			r.Stream, verb, r.FilesDeleted, r.BytesFreed, r.FilesSkipped)
		for _, err := range r.Errors {
			fmt.Fprintf(out, "  error: %v\n", err)
			failed++
		}
	}
	fmt.Fprint(out, m.FormatDiskUsage())

	if failed > 0 {
		return fmt.Errorf("%d files could not be deleted", failed)
	}
	return nil
}
