package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/xtxerr/daqstore/internal/driver"
	"github.com/xtxerr/daqstore/internal/storage"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of daqd",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "daqd %s (%s)\n", Version, runtime.Version())
		fmt.Fprintf(out, "backends: %v\n", storage.Backends())
		fmt.Fprintf(out, "drivers:  %v\n", driver.Types())
	},
}
