package storage

import (
	"context"
	"log/slog"

	"github.com/avast/retry-go"

	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/logging"
	"github.com/xtxerr/daqstore/internal/queue"
)

// retryBackend retries failed flushes of the wrapped backend with
// exponential backoff. Close is not retried.
type retryBackend struct {
	Backend
	cfg RetryConfig
	log *slog.Logger
}

// WithRetry wraps b so that each flush is attempted up to cfg.Attempts
// times. Errors caused by a cancelled context or a closed backend end the
// loop early.
func WithRetry(b Backend, cfg RetryConfig) Backend {
	if !cfg.Enabled() {
		return b
	}
	return &retryBackend{
		Backend: b,
		cfg:     cfg,
		log:     logging.Component("storage.retry").With("backend", b.Code()),
	}
}

func (r *retryBackend) FlushSimple(ctx context.Context, batch []queue.Item) error {
	return r.do(ctx, StreamSimple, func() error {
		return r.Backend.FlushSimple(ctx, batch)
	})
}

func (r *retryBackend) FlushCompound(ctx context.Context, batch []queue.Item) error {
	return r.do(ctx, StreamCompound, func() error {
		return r.Backend.FlushCompound(ctx, batch)
	})
}

func (r *retryBackend) do(ctx context.Context, stream Stream, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(r.cfg.Attempts),
		retry.Delay(r.cfg.Delay),
		retry.MaxDelay(r.cfg.MaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, errors.ErrBackendClosed) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			r.log.Warn("flush attempt failed",
				"stream", stream.String(),
				"attempt", n+1,
				"max_attempts", r.cfg.Attempts,
				"error", err)
		}),
	)
}
