// Package testutil provides helpers shared by the daqstore tests.
//
// Calling t.Fatal or t.FailNow from a goroutine other than the test's own
// only exits that goroutine. Concurrent tests should report through a
// GoroutineTest instead.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/daqstore/internal/measurement"
)

// =============================================================================
// Error Channel Pattern
// =============================================================================

// GoroutineTest collects errors from goroutines and reports them on Wait.
//
//	gt := testutil.NewGoroutineTest(t)
//	for i := 0; i < 8; i++ {
//	    gt.Go(func() error {
//	        return engine.StoreSensor(gt.Context(), c, false)
//	    })
//	}
//	gt.Wait()
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a GoroutineTest whose context is cancelled by
// Wait or after timeout, whichever comes first.
func NewGoroutineTest(t *testing.T, timeout time.Duration) *GoroutineTest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &GoroutineTest{t: t, ctx: ctx, cancel: cancel}
}

// Go runs fn in a goroutine and records its error.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// Context returns the context shared by the goroutines.
func (gt *GoroutineTest) Context() context.Context {
	return gt.ctx
}

// Wait waits for all goroutines and fails the test if any of them failed.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	gt.wg.Wait()
	gt.cancel()

	gt.mu.Lock()
	defer gt.mu.Unlock()
	if len(gt.errs) == 0 {
		return
	}
	for i, err := range gt.errs {
		gt.t.Errorf("goroutine error [%d]: %v", i+1, err)
	}
	gt.t.FailNow()
}

// Eventually polls condition until it holds or timeout expires.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

// =============================================================================
// Container Builders
// =============================================================================

// Container returns an unlimited container holding n measurements under
// key, with timestamps 0..n-1 ms and value equal to the timestamp.
func Container(id string, kind measurement.Kind, key string, n int) *measurement.Container {
	c := measurement.New(id, kind, measurement.Unlimited)
	for i := 0; i < n; i++ {
		c.Insert(key, measurement.Measurement{TimestampMs: int64(i), Value: float64(i), Valid: true})
	}
	return c
}

// Single returns a container holding one measurement.
func Single(id string, kind measurement.Kind, key string, ts int64, value float64) *measurement.Container {
	c := measurement.New(id, kind, measurement.Unlimited)
	c.Insert(key, measurement.Measurement{TimestampMs: ts, Value: value, Valid: true})
	return c
}

// Values returns the values of a sequence, in order.
func Values(seq []measurement.Measurement) []float64 {
	out := make([]float64, len(seq))
	for i, m := range seq {
		out[i] = m.Value
	}
	return out
}
