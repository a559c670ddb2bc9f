package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/daqstore/internal/acquisition"
	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/history"
	"github.com/xtxerr/daqstore/internal/loader"
	"github.com/xtxerr/daqstore/internal/logging"
	"github.com/xtxerr/daqstore/internal/server"
	"github.com/xtxerr/daqstore/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the configured drivers and store their readings",
	Long: `Start acquisition with the configuration file given by --config.

On SIGINT or SIGTERM polling stops, then every storage engine is shut down:
both queues are flushed once and the backend is closed. The final flush is
bounded by shutdown_timeout.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("once", false, "poll every driver once, flush and exit")
	serveCmd.Flags().String("status-listen", "", "status server address (overrides config; \"off\" disables)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, viper.GetBool("once"))
}

// serve runs acquisition until ctx is done, or for a single poll with once.
// A failed final flush is part of the returned error, so daqd exits non-zero
// when buffered measurements could not be written.
func serve(ctx context.Context, cfg *loader.Config, once bool) (err error) {
	runID := uuid.NewString()
	log := logging.Component("daqd").With("run_id", runID)
	log.Info("daqd starting", "version", Version, "config", viper.GetString("config"))

	// =========================================================================
	// Storage engines
	// =========================================================================

	engines, err := loader.OpenEngines(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := shutdownEngines(engines, cfg.ShutdownTimeout); shutdownErr != nil {
			log.Error("shutdown incomplete", "error", shutdownErr)
			err = errors.Join(err, shutdownErr)
		}
	}()

	// =========================================================================
	// Drivers and acquisition
	// =========================================================================

	sources, err := loader.OpenSources(cfg)
	if err != nil {
		return err
	}

	sinks := make([]acquisition.Sink, 0, len(engines))
	for _, e := range engines {
		sinks = append(sinks, e)
	}

	reg := history.New()
	loop := acquisition.New(sources, sinks, reg, acquisition.DefaultOptions())
	defer func() {
		if err := loop.Close(); err != nil {
			log.Warn("close drivers", "error", err)
		}
	}()

	if once {
		loop.PollAll(ctx)
		log.Info("single poll complete", "sources", len(sources), "store_errors", loop.StoreErrors())
		return nil
	}

	// =========================================================================
	// Run until signalled
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })

	if cfg.Status.Listen != "" {
		srv := server.New(server.Config{
			Listen:  cfg.Status.Listen,
			Engines: engines,
			Loop:    loop,
			History: reg,
			RunID:   runID,
			Version: Version,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	log.Info("stopping", "reason", context.Cause(ctx))
	return err
}

// loadConfig loads, overrides and validates the configuration and
// reinitializes logging from it.
func loadConfig(cmd *cobra.Command) (*loader.Config, error) {
	cfg, err := loader.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	// CLI overrides
	if cmd.Flags().Changed("log-level") || os.Getenv("DAQ_LOG_LEVEL") != "" {
		cfg.Log.Level = viper.GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") || os.Getenv("DAQ_LOG_FORMAT") != "" {
		cfg.Log.Format = viper.GetString("log-format")
	}
	switch listen := viper.GetString("status-listen"); listen {
	case "":
	case "off":
		cfg.Status.Listen = ""
	default:
		cfg.Status.Listen = listen
	}

	if err := loader.Validate(cfg); err != nil {
		return nil, err
	}
	if err := setupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

// shutdownEngines shuts every engine down in parallel within timeout.
func shutdownEngines(engines []*storage.Engine, timeout time.Duration) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	errs := make([]error, len(engines))
	var g errgroup.Group
	for i, e := range engines {
		g.Go(func() error {
			if err := e.Shutdown(ctx); err != nil {
				errs[i] = fmt.Errorf("engine %s: %w", e.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
