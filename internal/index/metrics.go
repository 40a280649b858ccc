package index

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// registryMetrics is the metric set owned by one Registry.
type registryMetrics struct {
	set *metrics.Set
}

func newRegistryMetrics() *registryMetrics {
	return &registryMetrics{set: metrics.NewSet()}
}

func (m *registryMetrics) operation(op, index string, start time.Time, err error) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`gsindex_operations_total{op=%q,index=%q}`, op, index)).Inc()
	if err != nil {
		m.set.GetOrCreateCounter(fmt.Sprintf(`gsindex_operation_errors_total{op=%q,index=%q}`, op, index)).Inc()
	}
	m.set.GetOrCreateHistogram(fmt.Sprintf(`gsindex_operation_duration_seconds{op=%q}`, op)).
		Update(time.Since(start).Seconds())
}

func (m *registryMetrics) writerOpened(index string) {
	m.counter("gsindex_writer_opens_total", index).Inc()
}

func (m *registryMetrics) writerInvalidated(index string) {
	m.counter("gsindex_writer_invalidations_total", index).Inc()
}

func (m *registryMetrics) readerReopened(index string) {
	m.counter("gsindex_reader_reopens_total", index).Inc()
}

func (m *registryMetrics) staleRetry(index string) {
	m.counter("gsindex_stale_retries_total", index).Inc()
}

func (m *registryMetrics) directoryEvicted(index string) {
	m.counter("gsindex_directory_evictions_total", index).Inc()
}

func (m *registryMetrics) counter(name, index string) *metrics.Counter {
	return m.set.GetOrCreateCounter(fmt.Sprintf(`%s{index=%q}`, name, index))
}

// value returns the current value of a per-index counter.
func (m *registryMetrics) value(name, index string) uint64 {
	return m.counter(name, index).Get()
}

func (m *registryMetrics) write(w io.Writer) {
	m.set.WritePrometheus(w)
}
