package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/vrusight/vrusight/pkg/nn"
	"github.com/vrusight/vrusight/pkg/nnreg"
	"github.com/vrusight/vrusight/pkg/timesync"
	"github.com/vrusight/vrusight/pkg/validate"
)

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *nnreg.Registry) {
	logger := logs.NewTestingLog(t)
	registry := nnreg.NewRegistry(logger)
	return NewPipeline(logger, registry, validate.NewValidator(logger), timesync.NewSynchronizer(logger), nil, opts), registry
}

// A model whose behavior each call is scripted by the test
type fakeModel struct {
	config     nn.ModelConfig
	calls      atomic.Int64
	sleep      time.Duration
	sleepCalls int64 // Only the first sleepCalls calls sleep (0 = all of them)
	failEvery  int64 // Every Nth call fails (0 = never)
	detections []nn.Detection
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		config: nn.ModelConfig{Architecture: "fake", Width: 640, Height: 640, Classes: nn.VRUClasses},
		detections: []nn.Detection{
			{Class: nn.ClassPedestrian, Confidence: 0.9, Box: nn.Box{X: 10, Y: 10, Width: 40, Height: 90}},
			{Class: nn.ClassCyclist, Confidence: 0.78, Box: nn.Box{X: 200, Y: 50, Width: 60, Height: 100}},
		},
	}
}

func (m *fakeModel) Close() {}

func (m *fakeModel) Config() *nn.ModelConfig { return &m.config }

func (m *fakeModel) Predict(input *nn.Tensor) ([]nn.Detection, error) {
	call := m.calls.Add(1)
	if m.sleep != 0 && (m.sleepCalls == 0 || call <= m.sleepCalls) {
		time.Sleep(m.sleep)
	}
	if m.failEvery != 0 && call%m.failEvery == 0 {
		return nil, fmt.Errorf("synthetic inference failure on call %v", call)
	}
	out := make([]nn.Detection, len(m.detections))
	copy(out, m.detections)
	return out, nil
}

func (m *fakeModel) PredictBatch(input *nn.Tensor) ([][]nn.Detection, error) {
	out := make([][]nn.Detection, input.Batch)
	for i := range out {
		dets, err := m.Predict(input)
		if err != nil {
			return nil, err
		}
		out[i] = dets
	}
	return out, nil
}

func registerFakeModel(registry *nnreg.Registry, model *fakeModel) {
	registry.RegisterFactory(nnreg.Kind("fake"), func(logger logs.Log, path string) (nn.Model, error) {
		return model, nil
	})
	registry.Register("fake", "", nnreg.Kind("fake"))
	registry.SetActive("fake")
}

func collect(run *Run) (events []nn.DetectionEvent, checkpoints []Checkpoint) {
	for item := range run.Events {
		if item.Event != nil {
			events = append(events, *item.Event)
		}
		if item.Checkpoint != nil {
			checkpoints = append(checkpoints, *item.Checkpoint)
		}
	}
	return
}

func TestProcessStreamEndToEnd(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultOptions())
	source := NewSyntheticSource(64, 64, 95, 30)

	run, err := p.ProcessStream(context.Background(), "video-1", "run-1", source)
	require.NoError(t, err)

	events, checkpoints := collect(run)
	run.Wait()
	require.Equal(t, StateCompleted, run.State())
	require.NoError(t, run.Err())
	require.NotEmpty(t, events)

	// Events must be in non-decreasing frame order
	prev := uint64(0)
	seen := map[string]bool{}
	for _, ev := range events {
		require.GreaterOrEqual(t, ev.Detection.FrameNumber, prev)
		prev = ev.Detection.FrameNumber
		require.Equal(t, nn.ValidationPending, ev.ValidationResult)
		require.Equal(t, "video-1", ev.VideoID)
		require.Equal(t, "run-1", ev.RunID)
		require.NotEmpty(t, ev.Detection.DetectionID)
		require.False(t, seen[ev.Detection.DetectionID], "detection ids must be unique")
		seen[ev.Detection.DetectionID] = true
		require.Greater(t, ev.Detection.Timestamp, 0.0)
	}

	// 95 frames at interval 30: checkpoints after frames 30, 60, 90, plus the drain flush
	require.Len(t, checkpoints, 4)
	require.Equal(t, uint64(94), run.LastCheckpoint())

	stats := run.Stats()
	require.Equal(t, uint64(95), stats.Frames)
	require.Equal(t, uint64(len(events)), stats.Detections)
	require.Greater(t, stats.AverageConfidence, 0.0)
}

func TestCheckpointCadence(t *testing.T) {
	opts := DefaultOptions()
	opts.CheckpointInterval = 10
	p, _ := newTestPipeline(t, opts)

	run, err := p.ProcessStream(context.Background(), "v", "r", NewSyntheticSource(64, 64, 25, 30))
	require.NoError(t, err)
	_, checkpoints := collect(run)
	run.Wait()

	// After frames 10 and 20, plus the final flush
	require.Len(t, checkpoints, 3)
	require.Equal(t, uint64(9), checkpoints[0].FrameNumber)
	require.Equal(t, uint64(19), checkpoints[1].FrameNumber)
	require.Equal(t, uint64(24), checkpoints[2].FrameNumber)
}

func TestCancellation(t *testing.T) {
	p, registry := newTestPipeline(t, DefaultOptions())
	model := newFakeModel()
	model.sleep = 20 * time.Millisecond
	registerFakeModel(registry, model)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := p.ProcessStream(ctx, "v", "r", NewSyntheticSource(64, 64, 1000, 30))
	require.NoError(t, err)

	// Let a few frames through, then cancel between frames
	nEvents := 0
	for item := range run.Events {
		if item.Event != nil {
			nEvents++
		}
		if nEvents == 4 {
			cancel()
		}
	}
	run.Wait()
	require.Equal(t, StateFailed, run.State())
	require.True(t, errors.Is(run.Err(), context.Canceled))
}

func TestPerFrameErrorSkipsFrame(t *testing.T) {
	p, registry := newTestPipeline(t, DefaultOptions())
	model := newFakeModel()
	model.failEvery = 2
	registerFakeModel(registry, model)

	run, err := p.ProcessStream(context.Background(), "v", "r", NewSyntheticSource(64, 64, 20, 30))
	require.NoError(t, err)
	events, _ := collect(run)
	run.Wait()

	// Every second frame fails, but the run still completes
	require.Equal(t, StateCompleted, run.State())
	require.NotEmpty(t, events)
	require.Equal(t, uint64(10), run.Stats().Frames)
}

func TestModelTimeoutRetry(t *testing.T) {
	opts := DefaultOptions()
	opts.InferenceTimeout = 30 * time.Millisecond
	opts.InferenceRetries = 2
	p, registry := newTestPipeline(t, opts)

	model := newFakeModel()
	model.sleep = 200 * time.Millisecond
	model.sleepCalls = 1 // Only the first call times out
	registerFakeModel(registry, model)

	run, err := p.ProcessStream(context.Background(), "v", "r", NewSyntheticSource(64, 64, 3, 30))
	require.NoError(t, err)
	events, _ := collect(run)
	run.Wait()

	require.Equal(t, StateCompleted, run.State())
	// All 3 frames produce events: the timed-out call was retried
	require.Equal(t, uint64(3), run.Stats().Frames)
	require.NotEmpty(t, events)
}

type failingSource struct {
	inner     *SyntheticSource
	failAfter uint64
}

func (s *failingSource) Next() (nn.Frame, uint64, error) {
	frame, index, err := s.inner.Next()
	if err == nil && index >= s.failAfter {
		return nn.Frame{}, index, errors.New("decoder gave up")
	}
	return frame, index, err
}

func (s *failingSource) FPS() float64 { return s.inner.FPS() }
func (s *failingSource) Close()       { s.inner.Close() }

func TestSourceErrorFailsRun(t *testing.T) {
	p, _ := newTestPipeline(t, DefaultOptions())
	source := &failingSource{inner: NewSyntheticSource(64, 64, 100, 30), failAfter: 5}

	run, err := p.ProcessStream(context.Background(), "v", "r", source)
	require.NoError(t, err)
	collect(run)
	run.Wait()

	require.Equal(t, StateFailed, run.State())
	require.Error(t, run.Err())
	require.Equal(t, uint64(0), run.LastCheckpoint())
}

type fakeCapturer struct {
	failing bool
	calls   atomic.Int64
}

func (c *fakeCapturer) Capture(frame nn.Frame, box nn.Box, detectionID string) (string, error) {
	c.calls.Add(1)
	if c.failing {
		return "", errors.New("disk full")
	}
	return "shots/" + detectionID + ".jpg", nil
}

func TestScreenshotCapture(t *testing.T) {
	logger := logs.NewTestingLog(t)
	registry := nnreg.NewRegistry(logger)
	capturer := &fakeCapturer{}
	p := NewPipeline(logger, registry, validate.NewValidator(logger), timesync.NewSynchronizer(logger), capturer, DefaultOptions())
	model := newFakeModel() // confidences 0.9 (above capture threshold) and 0.78 (below)
	registerFakeModel(registry, model)

	run, err := p.ProcessStream(context.Background(), "v", "r", NewSyntheticSource(64, 64, 5, 30))
	require.NoError(t, err)
	events, _ := collect(run)
	run.Wait()

	for _, ev := range events {
		if ev.Detection.Confidence >= 0.8 {
			require.NotEmpty(t, ev.ScreenshotPath)
		} else {
			require.Empty(t, ev.ScreenshotPath)
		}
	}
	require.Greater(t, capturer.calls.Load(), int64(0))
}

func TestScreenshotFailureDoesNotFailEvent(t *testing.T) {
	logger := logs.NewTestingLog(t)
	registry := nnreg.NewRegistry(logger)
	capturer := &fakeCapturer{failing: true}
	p := NewPipeline(logger, registry, validate.NewValidator(logger), timesync.NewSynchronizer(logger), capturer, DefaultOptions())
	registerFakeModel(registry, newFakeModel())

	run, err := p.ProcessStream(context.Background(), "v", "r", NewSyntheticSource(64, 64, 3, 30))
	require.NoError(t, err)
	events, _ := collect(run)
	run.Wait()

	require.Equal(t, StateCompleted, run.State())
	require.NotEmpty(t, events)
	for _, ev := range events {
		require.Empty(t, ev.ScreenshotPath)
	}
}

func TestProcessBatch(t *testing.T) {
	p, registry := newTestPipeline(t, DefaultOptions())
	registerFakeModel(registry, newFakeModel())

	frames := []nn.Frame{}
	for i := 0; i < 20; i++ {
		frame, _, err := NewSyntheticSource(64, 64, 1, 30).Next()
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	results, err := p.ProcessBatch(context.Background(), frames)
	require.NoError(t, err)
	require.Len(t, results, 20)

	for i, result := range results {
		require.Equal(t, uint64(i), result.FrameNumber)
		require.NotEmpty(t, result.Detections)
		require.GreaterOrEqual(t, result.ProcessingTimeMs, 0.0)
		for _, det := range result.Detections {
			require.Equal(t, uint64(i), det.FrameNumber)
		}
	}
	// Frames within one batch share the evenly divided timing
	require.Equal(t, results[0].ProcessingTimeMs, results[1].ProcessingTimeMs)
}

func TestProcessBatchTimeoutRetry(t *testing.T) {
	opts := DefaultOptions()
	opts.InferenceTimeout = 30 * time.Millisecond
	opts.InferenceRetries = 2
	p, registry := newTestPipeline(t, opts)

	model := newFakeModel()
	model.sleep = 200 * time.Millisecond
	model.sleepCalls = 1 // Only the first batched call times out
	registerFakeModel(registry, model)

	frames := []nn.Frame{}
	for i := 0; i < 3; i++ {
		frame, _, err := NewSyntheticSource(64, 64, 1, 30).Next()
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	results, err := p.ProcessBatch(context.Background(), frames)
	require.NoError(t, err)
	require.Len(t, results, 3)
	// The timed-out batch was retried, so every frame has detections
	for _, result := range results {
		require.NotEmpty(t, result.Detections)
	}
}

func TestProcessBatchFailedChunkSkipped(t *testing.T) {
	opts := DefaultOptions()
	opts.BatchSize = 2
	p, registry := newTestPipeline(t, opts)

	model := newFakeModel()
	model.failEvery = 3 // Inference call 3 fails, which is the second chunk's first frame
	registerFakeModel(registry, model)

	frames := []nn.Frame{}
	for i := 0; i < 4; i++ {
		frame, _, err := NewSyntheticSource(64, 64, 1, 30).Next()
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	results, err := p.ProcessBatch(context.Background(), frames)
	require.NoError(t, err)
	require.Len(t, results, 4)

	// The first chunk survives, the failed chunk yields empty results
	require.NotEmpty(t, results[0].Detections)
	require.NotEmpty(t, results[1].Detections)
	require.Empty(t, results[2].Detections)
	require.Empty(t, results[3].Detections)
	for i, result := range results {
		require.Equal(t, uint64(i), result.FrameNumber)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	p, registry := newTestPipeline(t, DefaultOptions())
	require.NoError(t, p.Initialize())
	require.NoError(t, p.Initialize())
	require.True(t, registry.IsRegistered(nnreg.DefaultModelID))

	model, err := registry.Active()
	require.NoError(t, err)
	require.NotNil(t, model)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "Completed", StateCompleted.String())
	require.Equal(t, "Failed", StateFailed.String())
	require.Equal(t, "Running", StateRunning.String())
}
