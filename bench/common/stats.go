package common

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Stats tracks benchmark statistics including throughput and latency.
type Stats struct {
	mu        sync.Mutex
	startTime time.Time
	endTime   time.Time

	records int64
	bytes   int64
	errors  int64

	// HDR histogram for completion latency (in microseconds)
	// Range: 1 microsecond to 60 seconds, 3 significant figures
	latencyHist *hdrhistogram.Histogram
}

// NewStats creates a new Stats instance with HDR histogram initialized.
func NewStats() *Stats {
	return &Stats{
		latencyHist: hdrhistogram.New(1, 60000000, 3),
	}
}

// Start begins the timing period.
func (s *Stats) Start() {
	s.startTime = time.Now()
}

// Stop ends the timing period.
func (s *Stats) Stop() {
	s.endTime = time.Now()
}

// RecordWritten records a completed write with its byte size and the time
// between submission and completion.
func (s *Stats) RecordWritten(bytes int, latency time.Duration) {
	atomic.AddInt64(&s.records, 1)
	atomic.AddInt64(&s.bytes, int64(bytes))
	s.mu.Lock()
	s.latencyHist.RecordValue(latency.Microseconds())
	s.mu.Unlock()
}

// RecordError increments the error counter.
func (s *Stats) RecordError() {
	atomic.AddInt64(&s.errors, 1)
}

// Duration returns the total benchmark duration.
func (s *Stats) Duration() time.Duration {
	return s.endTime.Sub(s.startTime)
}

// Records returns the number of completed writes.
func (s *Stats) Records() int64 {
	return atomic.LoadInt64(&s.records)
}

// Bytes returns the number of bytes written.
func (s *Stats) Bytes() int64 {
	return atomic.LoadInt64(&s.bytes)
}

// Errors returns the total error count.
func (s *Stats) Errors() int64 {
	return atomic.LoadInt64(&s.errors)
}

// RecordsPerSecond calculates the write throughput.
func (s *Stats) RecordsPerSecond() float64 {
	duration := s.Duration().Seconds()
	if duration == 0 {
		return 0
	}
	return float64(s.Records()) / duration
}

// MBPerSecond calculates the MB/s throughput.
func (s *Stats) MBPerSecond() float64 {
	duration := s.Duration().Seconds()
	if duration == 0 {
		return 0
	}
	return float64(s.Bytes()) / duration / 1024 / 1024
}

// LatencyPercentile returns the latency at a given percentile.
func (s *Stats) LatencyPercentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.ValueAtQuantile(p)) * time.Microsecond
}

// LatencyMean returns the mean latency.
func (s *Stats) LatencyMean() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.Mean()) * time.Microsecond
}

// LatencyMin returns the minimum latency recorded.
func (s *Stats) LatencyMin() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.Min()) * time.Microsecond
}

// LatencyMax returns the maximum latency recorded.
func (s *Stats) LatencyMax() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.Max()) * time.Microsecond
}

// LatencyCount returns the number of latency samples recorded.
func (s *Stats) LatencyCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyHist.TotalCount()
}
