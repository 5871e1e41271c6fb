package perfstats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccumulator(t *testing.T) {
	a := Accumulator{}
	require.Equal(t, 0.0, a.Average())
	a.AddSample(10)
	a.AddSample(20)
	require.Equal(t, 15.0, a.Average())
	a.Reset()
	require.Equal(t, 0.0, a.Average())
}

func TestRunStats(t *testing.T) {
	s := RunStats{}
	for i := 1; i <= 100; i++ {
		s.AddFrame(float64(i))
	}
	s.AddDetection(0.8)
	s.AddDetection(0.9)

	sum := s.Summary()
	require.Equal(t, uint64(100), sum.Frames)
	require.Equal(t, uint64(2), sum.Detections)
	require.InDelta(t, 50.5, sum.AverageLatencyMs, 1e-9)
	require.InDelta(t, 0.85, sum.AverageConfidence, 1e-9)
	require.GreaterOrEqual(t, sum.P95LatencyMs, 94.0)
	require.Greater(t, sum.StdDevLatencyMs, 0.0)
}

func TestRunStatsEmpty(t *testing.T) {
	s := RunStats{}
	sum := s.Summary()
	require.Equal(t, uint64(0), sum.Frames)
	require.Equal(t, 0.0, sum.AverageLatencyMs)
	require.Equal(t, 0.0, sum.StdDevLatencyMs)
}
