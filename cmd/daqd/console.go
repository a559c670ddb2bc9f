package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xtxerr/daqstore/config"
	"github.com/xtxerr/daqstore/internal/storage/query"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive SQL shell over parquet output",
	Long: `Start an interactive DuckDB shell over the parquet data directory.

Statements are executed as typed; {data} stands for every parquet file.
Commands:
  .series <source> <key>   stored readings of one key
  .summary <source>        per-key statistics
  .exit                    leave the console`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().String("data-dir", filepath.Join(config.DefaultDataDir, "parquet"), "parquet backend directory")
	consoleCmd.Flags().String("memory-limit", "", "DuckDB memory limit, e.g. 512MB")
}

var consoleSuggestions = []prompt.Suggest{
	{Text: "SELECT", Description: "query"},
	{Text: "FROM", Description: "table expression"},
	{Text: "WHERE", Description: "filter"},
	{Text: "GROUP BY", Description: "aggregate"},
	{Text: "ORDER BY", Description: "sort"},
	{Text: "LIMIT", Description: "row limit"},
	{Text: query.DataPlaceholder, Description: "all parquet files"},
	{Text: "source", Description: "column: source id"},
	{Text: "key", Description: "column: measurement key"},
	{Text: "timestamp_ms", Description: "column: reading time"},
	{Text: "value", Description: "column: numeric reading"},
	{Text: "valid", Description: "column: reading ok"},
	{Text: "category", Description: "column: controllers, sensors, hardware, mixed"},
	{Text: ".series", Description: "stored readings of one key"},
	{Text: ".summary", Description: "per-key statistics"},
	{Text: ".exit", Description: "leave the console"},
}

func runConsole(cmd *cobra.Command, _ []string) error {
	svc, err := newQueryService()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "daqd %s console on %s, .exit to quit\n", Version, viper.GetString("data-dir"))

	executor := func(line string) {
		if consoleExec(cmd.Context(), out, svc, line) {
			svc.Close()
			os.Exit(0)
		}
	}
	completer := func(d prompt.Document) []prompt.Suggest {
		word := d.GetWordBeforeCursor()
		if word == "" {
			return nil
		}
		return prompt.FilterHasPrefix(consoleSuggestions, word, true)
	}

	prompt.New(executor, completer,
		prompt.OptionPrefix("daq> "),
		prompt.OptionTitle("daqd console"),
	).Run()

	return svc.Close()
}

// consoleExec runs one console line and reports whether the console
// should exit.
func consoleExec(ctx context.Context, out io.Writer, svc *query.Service, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	fields := strings.Fields(line)

	var err error
	switch fields[0] {
	case ".exit", ".quit":
		return true
	case ".series":
		if len(fields) != 3 {
			fmt.Fprintln(out, "usage: .series <source> <key>")
			return false
		}
		err = printSeries(ctx, out, svc, fields[1], fields[2], 0, 0)
	case ".summary":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: .summary <source>")
			return false
		}
		err = printSummary(ctx, out, svc, fields[1])
	default:
		err = runSQL(ctx, out, svc, strings.TrimSuffix(line, ";"))
	}

	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
	}
	return false
}
