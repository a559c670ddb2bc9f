package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/daqstore/internal/queue"
	"github.com/xtxerr/daqstore/internal/storage/parquet"
	pebblestore "github.com/xtxerr/daqstore/internal/storage/pebble"
	"github.com/xtxerr/daqstore/internal/storage/protostream"
	"github.com/xtxerr/daqstore/internal/storage/wal"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect data written by a storage backend",
}

func init() {
	inspectCmd.PersistentFlags().BoolP("verbose", "v", false, "print every measurement")

	inspectCmd.AddCommand(
		&cobra.Command{
			Use:   "wal <dir>",
			Short: "Summarize the records of a WAL directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return inspectWAL(cmd.OutOrStdout(), args[0], verbose(cmd))
			},
		},
		&cobra.Command{
			Use:   "parquet <dir|file>",
			Short: "Summarize parquet files",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return inspectParquet(cmd.OutOrStdout(), args[0], verbose(cmd))
			},
		},
		&cobra.Command{
			Use:   "protostream <file>",
			Short: "Summarize the frames of a protostream file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return inspectProtostream(cmd.OutOrStdout(), args[0], verbose(cmd))
			},
		},
		&cobra.Command{
			Use:   "pebble <dir>",
			Short: "Count the measurements of a pebble store",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return inspectPebble(cmd.OutOrStdout(), args[0])
			},
		},
	)
}

func verbose(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("verbose")
	return v
}

func inspectWAL(out io.Writer, dir string, verbose bool) error {
	records, err := wal.ReadDir(dir)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FLUSHED\tSTREAM\tITEMS\tMEASUREMENTS")
	total := 0
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", formatMs(r.FlushedAtMs), r.Stream(), len(r.Items), r.Measurements())
		total += r.Measurements()
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d records, %d measurements\n", len(records), total)

	if verbose {
		for _, r := range records {
			printItems(out, r.Items)
		}
	}
	return nil
}

func inspectParquet(out io.Writer, path string, verbose bool) error {
	files := []string{path}
	if st, err := os.Stat(path); err != nil {
		return err
	} else if st.IsDir() {
		if files, err = parquet.Files(path); err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tBYTES\tROWS")
	var rows int64
	for _, f := range files {
		info, err := parquet.GetFileInfo(f)
		if err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\n", info.Path, info.Size, info.NumRows)
		rows += info.NumRows
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d files, %d measurements\n", len(files), rows)

	if verbose {
		for _, f := range files {
			items, err := parquet.ReadFile(f)
			if err != nil {
				return fmt.Errorf("%s: %w", f, err)
			}
			printItems(out, items)
		}
	}
	return nil
}

func inspectProtostream(out io.Writer, path string, verbose bool) error {
	frames, torn, err := protostream.ReadFile(path)
	if err != nil {
		return err
	}

	counts := map[string]int{}
	for _, f := range frames {
		counts[f.Stream] += f.Item.Container.Size()
	}
	fmt.Fprintf(out, "%d frames, simple %d, compound %d measurements\n",
		len(frames), counts["simple"], counts["compound"])
	if torn {
		fmt.Fprintln(out, "warning: file ends with a truncated frame")
	}

	if verbose {
		items := make([]queue.Item, len(frames))
		for i, f := range frames {
			items[i] = f.Item
		}
		printItems(out, items)
	}
	return nil
}

func inspectPebble(out io.Writer, dir string) error {
	b, err := pebblestore.Open(pebblestore.Options{Dir: dir})
	if err != nil {
		return err
	}
	defer b.Close()

	n, err := b.Count()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d measurements\n", n)
	return nil
}

// printItems prints one line per measurement.
func printItems(out io.Writer, items []queue.Item) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, it := range items {
		c := it.Container
		for _, key := range c.Keys() {
			for _, m := range c.Series(key) {
				status := "ok"
				if !m.Valid {
					status = "invalid: " + m.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%g\t%s\t%s\n",
					formatMs(m.TimestampMs), it.Category, c.ID(), key, m.Value, m.Text, status)
			}
		}
	}
	tw.Flush()
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
