package seqfile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors updated by sequential files and timed
// buffers. A nil *Metrics disables collection.
type Metrics struct {
	Writes       prometheus.Counter
	WrittenBytes prometheus.Counter
	Syncs        prometheus.Counter
	Failures     prometheus.Counter

	Flushes        prometheus.Counter
	FlushedBytes   prometheus.Counter
	BufferFull     prometheus.Counter
	BatchSize      prometheus.Histogram
	BatchWaitTime  prometheus.Histogram
	OversizeWrites prometheus.Counter
}

// NewMetrics creates the journal collectors and registers them with the
// given registerer. A nil registerer leaves them unregistered, which is
// useful in tests.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Writes: factory.NewCounter(prometheus.CounterOpts{
			Name: "liftbridge_journal_writes_total",
			Help: "Physical writes issued to journal files",
		}),
		WrittenBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "liftbridge_journal_written_bytes_total",
			Help: "Bytes physically written to journal files, including alignment padding",
		}),
		Syncs: factory.NewCounter(prometheus.CounterOpts{
			Name: "liftbridge_journal_syncs_total",
			Help: "Forces of journal file data to stable storage",
		}),
		Failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "liftbridge_journal_io_failures_total",
			Help: "Physical journal operations that failed",
		}),
		Flushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "liftbridge_journal_buffer_flushes_total",
			Help: "Timed buffer flushes handed to a journal file",
		}),
		FlushedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "liftbridge_journal_buffer_flushed_bytes_total",
			Help: "Bytes handed to journal files by timed buffer flushes",
		}),
		BufferFull: factory.NewCounter(prometheus.CounterOpts{
			Name: "liftbridge_journal_buffer_full_total",
			Help: "Appends rejected because every flush slot was in use",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "liftbridge_journal_buffer_batch_size",
			Help:    "Logical writes coalesced into one flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1 to 2048
		}),
		BatchWaitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "liftbridge_journal_buffer_batch_wait_seconds",
			Help:    "Time between the first append of a batch and its flush",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12), // 50us to ~100ms
		}),
		OversizeWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "liftbridge_journal_buffer_oversize_writes_total",
			Help: "Appends larger than the buffer that bypassed batching",
		}),
	}
}

func (m *Metrics) write(n int, sync bool) {
	if m == nil {
		return
	}
	m.Writes.Inc()
	m.WrittenBytes.Add(float64(n))
	if sync {
		m.Syncs.Inc()
	}
}

func (m *Metrics) sync() {
	if m == nil {
		return
	}
	m.Syncs.Inc()
}

func (m *Metrics) failure() {
	if m == nil {
		return
	}
	m.Failures.Inc()
}

func (m *Metrics) flush(bytes, items int, waitSeconds float64) {
	if m == nil {
		return
	}
	m.Flushes.Inc()
	m.FlushedBytes.Add(float64(bytes))
	m.BatchSize.Observe(float64(items))
	m.BatchWaitTime.Observe(waitSeconds)
}

func (m *Metrics) bufferFull() {
	if m == nil {
		return
	}
	m.BufferFull.Inc()
}

func (m *Metrics) oversize() {
	if m == nil {
		return
	}
	m.OversizeWrites.Inc()
}
