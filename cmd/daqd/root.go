package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/xtxerr/daqstore/internal/loader"
	"github.com/xtxerr/daqstore/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "daqd",
	Short: "lab data acquisition daemon",
	Long: `daqd polls measurement drivers and stores their readings through
buffered storage engines (parquet, duckdb, pebble, protostream, wal).

Every flag can also be set as an environment variable DAQ_<FLAG>,
e.g. DAQ_LOG_LEVEL=debug. .env and .env.local are read at startup.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// bind the flags to viper
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		return setupLogging(viper.GetString("log-level"), viper.GetString("log-format"))
	},
}

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "daqd.yaml", "configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json); default json when stderr is not a terminal")

	rootCmd.AddCommand(serveCmd, inspectCmd, queryCmd, consoleCmd, compactCmd, pruneCmd, versionCmd)
}

// initConfig reads .env files and DAQ_* environment variables.
func initConfig() {
	loader.LoadEnv()

	viper.SetEnvPrefix("daq")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// setupLogging initializes the global logger.
func setupLogging(level, format string) error {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}

	var jsonFormat bool
	switch format {
	case "json":
		jsonFormat = true
	case "text":
	case "":
		jsonFormat = !term.IsTerminal(int(os.Stderr.Fd()))
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	logging.InitWriter(os.Stderr, lvl, jsonFormat)
	slog.Debug("logging initialized", "level", lvl.String(), "json", jsonFormat)
	return nil
}
