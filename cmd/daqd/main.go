// daqd is the lab data acquisition daemon. It polls the configured drivers
// and stores every reading through buffered storage engines.
package main

import (
	"os"

	_ "github.com/xtxerr/daqstore/internal/driver/simulated"
	_ "github.com/xtxerr/daqstore/internal/driver/snmp"
	_ "github.com/xtxerr/daqstore/internal/storage/duckdb"
	_ "github.com/xtxerr/daqstore/internal/storage/memory"
	_ "github.com/xtxerr/daqstore/internal/storage/parquet"
	_ "github.com/xtxerr/daqstore/internal/storage/pebble"
	_ "github.com/xtxerr/daqstore/internal/storage/protostream"
	_ "github.com/xtxerr/daqstore/internal/storage/wal"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
