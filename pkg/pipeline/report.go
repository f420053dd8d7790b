package pipeline

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Stats counts orders per outcome and keeps the end-to-end latency of every
// processed order. Safe for concurrent use.
type Stats struct {
	produced  atomic.Int64
	validated atomic.Int64
	rejected  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	mu        sync.Mutex
	latencies []float64 // seconds
}

func (s *Stats) observe(latency time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Seconds())
	s.mu.Unlock()
	s.processed.Add(1)
}

// Report is a point-in-time copy of Stats.
type Report struct {
	Produced  int64   `json:"produced"`
	Validated int64   `json:"validated"`
	Rejected  int64   `json:"rejected"`
	Processed int64   `json:"processed"`
	Failed    int64   `json:"failed"`
	Latency   Summary `json:"latency"`
}

// Report snapshots the counters and summarizes latency.
func (s *Stats) Report() Report {
	s.mu.Lock()
	samples := slices.Clone(s.latencies)
	s.mu.Unlock()
	return Report{
		Produced:  s.produced.Load(),
		Validated: s.validated.Load(),
		Rejected:  s.rejected.Load(),
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Latency:   Summarize(samples),
	}
}

// Summary describes a latency distribution.
type Summary struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	Max   time.Duration `json:"max"`
}

// Summarize computes a Summary of samples given in seconds. samples is
// sorted in place.
func Summarize(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	slices.Sort(samples)
	return Summary{
		Count: len(samples),
		Mean:  seconds(stat.Mean(samples, nil)),
		P50:   seconds(stat.Quantile(0.5, stat.Empirical, samples, nil)),
		P95:   seconds(stat.Quantile(0.95, stat.Empirical, samples, nil)),
		Max:   seconds(samples[len(samples)-1]),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
