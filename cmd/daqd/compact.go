package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/daqstore/internal/storage/compaction"
)

var compactCmd = &cobra.Command{
	Use:   "compact <dir>",
	Short: "Merge the per-flush parquet files of closed days",
	Long: `Merge the files the parquet backend wrote for each closed day into a
single file per day and stream. With --watch the command keeps running and
compacts every --interval until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := compaction.DefaultOptions(args[0])
		opts.Grace, _ = cmd.Flags().GetDuration("grace")
		opts.Interval, _ = cmd.Flags().GetDuration("interval")

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return compactWatch(ctx, cmd.OutOrStdout(), opts)
		}
		return compactOnce(cmd.OutOrStdout(), opts)
	},
}

func init() {
	compactCmd.Flags().Duration("grace", 10*time.Minute, "time after midnight UTC before a day is closed")
	compactCmd.Flags().Duration("interval", time.Hour, "time between passes with --watch")
	compactCmd.Flags().Bool("watch", false, "keep running and compact periodically")
}

func compactOnce(out io.Writer, opts compaction.Options) error {
	e, err := compaction.New(opts)
	if err != nil {
		return err
	}
	n, err := e.RunOnce()
	stats := e.Stats()
	fmt.Fprintf(out, "%d days compacted, %d files merged into %d, %d measurements\n",
		n, stats.FilesRead, stats.FilesWritten, stats.RowsProcessed)
	return err
}

func compactWatch(ctx context.Context, out io.Writer, opts compaction.Options) error {
	e, err := compaction.New(opts)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	if err := e.Stop(); err != nil {
		return err
	}

	stats := e.Stats()
	fmt.Fprintf(out, "%d jobs completed, %d failed\n", stats.JobsCompleted, stats.JobsFailed)
	return nil
}
