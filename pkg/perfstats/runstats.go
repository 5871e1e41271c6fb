package perfstats

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// RunStats accumulates per-frame latency and per-detection confidence over
// one pipeline run. Safe for concurrent use.
type RunStats struct {
	lock        sync.Mutex
	latenciesMs []float64
	confidence  Accumulator
	frames      uint64
	detections  uint64
}

// RunSummary is a snapshot of the aggregate numbers for a run.
// AverageLatencyMs and AverageConfidence feed TestResults assembly.
type RunSummary struct {
	Frames            uint64  `json:"frames"`
	Detections        uint64  `json:"detections"`
	AverageLatencyMs  float64 `json:"averageLatencyMs"`
	StdDevLatencyMs   float64 `json:"stdDevLatencyMs"`
	P95LatencyMs      float64 `json:"p95LatencyMs"`
	AverageConfidence float64 `json:"averageConfidence"`
}

func (s *RunStats) AddFrame(latencyMs float64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.frames++
	s.latenciesMs = append(s.latenciesMs, latencyMs)
}

func (s *RunStats) AddDetection(confidence float64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.detections++
	s.confidence.AddSample(confidence)
}

func (s *RunStats) Summary() RunSummary {
	s.lock.Lock()
	defer s.lock.Unlock()
	summary := RunSummary{
		Frames:            s.frames,
		Detections:        s.detections,
		AverageConfidence: s.confidence.Average(),
	}
	if len(s.latenciesMs) != 0 {
		sorted := make([]float64, len(s.latenciesMs))
		copy(sorted, s.latenciesMs)
		sort.Float64s(sorted)
		summary.AverageLatencyMs = stat.Mean(sorted, nil)
		if len(sorted) > 1 {
			summary.StdDevLatencyMs = stat.StdDev(sorted, nil)
		}
		summary.P95LatencyMs = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	}
	return summary
}
