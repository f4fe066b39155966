package common

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

// BenchmarkResult holds the formatted benchmark results.
type BenchmarkResult struct {
	Duration         string  `json:"duration"`
	TotalRecords     int64   `json:"total_records"`
	TotalBytes       int64   `json:"total_bytes"`
	RecordsPerSecond float64 `json:"records_per_second"`
	MBPerSecond      float64 `json:"mb_per_second"`
	Flushes          uint64  `json:"flushes"`
	RecordsPerFlush  float64 `json:"records_per_flush"`
	LatencyMin       string  `json:"latency_min,omitempty"`
	LatencyMean      string  `json:"latency_mean,omitempty"`
	LatencyP50       string  `json:"latency_p50,omitempty"`
	LatencyP95       string  `json:"latency_p95,omitempty"`
	LatencyP99       string  `json:"latency_p99,omitempty"`
	LatencyP999      string  `json:"latency_p999,omitempty"`
	LatencyMax       string  `json:"latency_max,omitempty"`
	Errors           int64   `json:"errors"`
}

// NewResult builds the result of a run. flushes and items are the timed
// buffer counters, zero when the buffer is disabled.
func NewResult(stats *Stats, flushes, items uint64) BenchmarkResult {
	result := BenchmarkResult{
		Duration:         stats.Duration().String(),
		TotalRecords:     stats.Records(),
		TotalBytes:       stats.Bytes(),
		RecordsPerSecond: stats.RecordsPerSecond(),
		MBPerSecond:      stats.MBPerSecond(),
		Flushes:          flushes,
		Errors:           stats.Errors(),
	}
	if flushes > 0 {
		result.RecordsPerFlush = float64(items) / float64(flushes)
	}

	// Include latency stats if we have samples
	if stats.LatencyCount() > 0 {
		result.LatencyMin = stats.LatencyMin().String()
		result.LatencyMean = stats.LatencyMean().String()
		result.LatencyP50 = stats.LatencyPercentile(50).String()
		result.LatencyP95 = stats.LatencyPercentile(95).String()
		result.LatencyP99 = stats.LatencyPercentile(99).String()
		result.LatencyP999 = stats.LatencyPercentile(99.9).String()
		result.LatencyMax = stats.LatencyMax().String()
	}
	return result
}

// PrintResults writes the results to w as text or json.
func PrintResults(w io.Writer, result BenchmarkResult, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	default:
		return printText(w, result)
	}
}

func printText(out io.Writer, r BenchmarkResult) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "=== Journal Writer Benchmark Results ===")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Duration:\t%s\n", r.Duration)
	fmt.Fprintf(w, "Records Written:\t%s\n", humanize.Comma(r.TotalRecords))
	fmt.Fprintf(w, "Bytes Written:\t%s\n", humanize.Bytes(uint64(r.TotalBytes)))
	fmt.Fprintf(w, "Throughput:\t%s records/sec\n", humanize.CommafWithDigits(r.RecordsPerSecond, 2))
	fmt.Fprintf(w, "Bandwidth:\t%.2f MB/sec\n", r.MBPerSecond)
	if r.Flushes > 0 {
		fmt.Fprintf(w, "Flushes:\t%s (%.1f records/flush)\n", humanize.Comma(int64(r.Flushes)), r.RecordsPerFlush)
	}
	fmt.Fprintln(w, "")

	if r.LatencyP50 != "" {
		fmt.Fprintln(w, "--- Completion Latency ---")
		fmt.Fprintf(w, "Min:\t%s\n", r.LatencyMin)
		fmt.Fprintf(w, "Mean:\t%s\n", r.LatencyMean)
		fmt.Fprintf(w, "P50:\t%s\n", r.LatencyP50)
		fmt.Fprintf(w, "P95:\t%s\n", r.LatencyP95)
		fmt.Fprintf(w, "P99:\t%s\n", r.LatencyP99)
		fmt.Fprintf(w, "P99.9:\t%s\n", r.LatencyP999)
		fmt.Fprintf(w, "Max:\t%s\n", r.LatencyMax)
		fmt.Fprintln(w, "")
	}

	fmt.Fprintf(w, "Errors:\t%d\n", r.Errors)
	fmt.Fprintln(w, "")
	return w.Flush()
}
