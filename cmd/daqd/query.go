package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xtxerr/daqstore/config"
	"github.com/xtxerr/daqstore/internal/storage/query"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query parquet output with DuckDB",
	Long: `Run queries over the files written by a parquet storage engine.

In SQL statements {data} stands for every parquet file below --data-dir:

  daqd query sql "SELECT source, count(*) FROM {data} GROUP BY source"`,
}

func init() {
	queryCmd.PersistentFlags().String("data-dir", filepath.Join(config.DefaultDataDir, "parquet"), "parquet backend directory")
	queryCmd.PersistentFlags().String("memory-limit", "", "DuckDB memory limit, e.g. 512MB")

	seriesCmd := &cobra.Command{
		Use:   "series <source> <key>",
		Short: "Print the stored readings of one source key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			since, _ := cmd.Flags().GetDuration("since")
			limit, _ := cmd.Flags().GetInt("limit")
			return withQueryService(func(svc *query.Service) error {
				return printSeries(cmd.Context(), cmd.OutOrStdout(), svc, args[0], args[1], since, limit)
			})
		},
	}
	seriesCmd.Flags().Duration("since", 0, "only readings newer than this")
	seriesCmd.Flags().Int("limit", 0, "maximum number of readings")

	queryCmd.AddCommand(
		&cobra.Command{
			Use:   "sql <statement>",
			Short: "Run an SQL statement",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withQueryService(func(svc *query.Service) error {
					return runSQL(cmd.Context(), cmd.OutOrStdout(), svc, strings.Join(args, " "))
				})
			},
		},
		seriesCmd,
		&cobra.Command{
			Use:   "summary <source>",
			Short: "Print per-key statistics of a source",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withQueryService(func(svc *query.Service) error {
					return printSummary(cmd.Context(), cmd.OutOrStdout(), svc, args[0])
				})
			},
		},
	)
}

func newQueryService() (*query.Service, error) {
	return query.New(query.Options{
		DataDir:     viper.GetString("data-dir"),
		MemoryLimit: viper.GetString("memory-limit"),
	})
}

func withQueryService(fn func(*query.Service) error) error {
	svc, err := newQueryService()
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

func runSQL(ctx context.Context, out io.Writer, svc *query.Service, stmt string) error {
	columns, rows, err := svc.ExecuteSQL(ctx, stmt)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(columns, "\t")))
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			cells[i] = formatCell(row[col])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "(%d rows)\n", len(rows))
	return nil
}

func formatCell(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func printSeries(ctx context.Context, out io.Writer, svc *query.Service, source, key string, since time.Duration, limit int) error {
	q := query.SeriesQuery{Source: source, Key: key, Limit: limit}
	if since > 0 {
		q.Start = time.Now().Add(-since)
	}

	series, err := svc.Series(ctx, q)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tVALUE\tTEXT\tSTATUS")
	for _, m := range series {
		status := "ok"
		if !m.Valid {
			status = "invalid: " + m.Error
		}
		fmt.Fprintf(tw, "%s\t%g\t%s\t%s\n", formatMs(m.TimestampMs), m.Value, m.Text, status)
	}
	return tw.Flush()
}

func printSummary(ctx context.Context, out io.Writer, svc *query.Service, source string) error {
	summary, err := svc.Summary(ctx, source)
	if err != nil {
		return err
	}
	if len(summary) == 0 {
		fmt.Fprintf(out, "no data for %s\n", source)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tCOUNT\tINVALID\tMIN\tMAX\tAVG\tFIRST\tLAST")
	for _, k := range summary {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%g\t%g\t%g\t%s\t%s\n",
			k.Key, k.Count, k.Invalid, k.Min, k.Max, k.Avg, formatMs(k.FirstTs), formatMs(k.LastTs))
	}
	return tw.Flush()
}
