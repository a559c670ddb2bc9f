package storage

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// engineMetrics holds the per-engine metric set. Each engine gets its own
// set so engines with different names can coexist and be torn down
// independently.
type engineMetrics struct {
	set *metrics.Set

	stored        [2]*metrics.Counter
	flushed       [2]*metrics.Counter
	flushes       [2]*metrics.Counter
	flushErrors   [2]*metrics.Counter
	dropped       [2]*metrics.Counter
	flushDuration [2]*metrics.Histogram
}

func newEngineMetrics(e *Engine) *engineMetrics {
	m := &engineMetrics{set: metrics.NewSet()}

	for _, s := range streams {
		labels := fmt.Sprintf(`{engine=%q,backend=%q,stream=%q}`, e.name, e.backend.Code(), s.String())

		m.stored[s] = m.set.NewCounter("daq_measurements_stored_total" + labels)
		m.flushed[s] = m.set.NewCounter("daq_measurements_flushed_total" + labels)
		m.flushes[s] = m.set.NewCounter("daq_flushes_total" + labels)
		m.flushErrors[s] = m.set.NewCounter("daq_flush_errors_total" + labels)
		m.dropped[s] = m.set.NewCounter("daq_measurements_dropped_total" + labels)
		m.flushDuration[s] = m.set.NewHistogram("daq_flush_duration_seconds" + labels)

		q := e.queues[s]
		m.set.NewGauge("daq_queue_measurements"+labels, func() float64 {
			return float64(q.Len())
		})
	}

	if e.pressure != nil {
		labels := fmt.Sprintf(`{engine=%q,backend=%q}`, e.name, e.backend.Code())
		m.set.NewGauge("daq_backpressure_level"+labels, func() float64 {
			return float64(e.pressure.CurrentLevel())
		})
	}

	return m
}
