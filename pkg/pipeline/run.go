package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vrusight/vrusight/pkg/nn"
	"github.com/vrusight/vrusight/pkg/perfstats"
)

// State of a run
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateRunning
	StateDraining
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

// Checkpoint is a release point in the event stream: every event emitted
// before it is safe to persist durably. Events after a checkpoint are not
// guaranteed durable until the next one arrives (at-least-once semantics).
type Checkpoint struct {
	FrameNumber uint64 // Last frame processed before this checkpoint
	Events      uint64 // Events emitted since the previous checkpoint
}

// StreamItem is one element of the run's output stream: either a detection
// event or a checkpoint marker, never both.
type StreamItem struct {
	Event      *nn.DetectionEvent
	Checkpoint *Checkpoint
}

// Run is one streaming pass over one video
type Run struct {
	VideoID string
	RunID   string

	// Events carries detection events in non-decreasing frame order,
	// interleaved with checkpoint markers. Closed when the run finishes.
	Events <-chan StreamItem

	pipeline       *Pipeline
	state          atomic.Int32
	lastCheckpoint atomic.Uint64
	stats          perfstats.RunStats
	errLock        sync.Mutex
	err            error
	done           chan struct{}
}

func (r *Run) State() State {
	return State(r.state.Load())
}

// Err returns the fatal error of a Failed run, else nil
func (r *Run) Err() error {
	r.errLock.Lock()
	defer r.errLock.Unlock()
	return r.err
}

// LastCheckpoint returns the frame number of the most recently emitted checkpoint
func (r *Run) LastCheckpoint() uint64 {
	return r.lastCheckpoint.Load()
}

func (r *Run) Stats() perfstats.RunSummary {
	return r.stats.Summary()
}

// Wait blocks until the run reaches Completed or Failed
func (r *Run) Wait() {
	<-r.done
}

func (r *Run) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Run) fail(err error) {
	r.errLock.Lock()
	r.err = err
	r.errLock.Unlock()
	r.setState(StateFailed)
	r.pipeline.log.Errorf("Run %v (video %v) failed at checkpoint %v: %v", r.RunID, r.VideoID, r.LastCheckpoint(), err)
}

type queuedFrame struct {
	frame nn.Frame
	index uint64
	err   error // Source failure; terminates the run
}

// ProcessStream starts a streaming run over videoID. Frames are pulled from
// source on a producer goroutine into a bounded queue, so a slow model
// cannot be overrun by a fast source. The returned Run's Events channel
// yields detection events and periodic checkpoints; it is closed when the
// run completes, fails, or ctx is cancelled.
func (p *Pipeline) ProcessStream(ctx context.Context, videoID, runID string, source FrameSource) (*Run, error) {
	if err := p.Initialize(); err != nil {
		return nil, err
	}
	out := make(chan StreamItem, p.opts.QueueCapacity)
	run := &Run{
		VideoID:  videoID,
		RunID:    runID,
		Events:   out,
		pipeline: p,
		done:     make(chan struct{}),
	}
	run.setState(StateInitializing)

	model, err := p.registry.Active()
	if err != nil {
		run.setState(StateFailed)
		return nil, fmt.Errorf("no usable model for run %v: %w", runID, err)
	}
	if err := p.timesync.InitTimeline(videoID, source.FPS()); err != nil {
		run.setState(StateFailed)
		return nil, err
	}

	frameQueue := make(chan queuedFrame, p.opts.QueueCapacity)
	go p.produceFrames(ctx, source, frameQueue)
	go p.consumeFrames(ctx, run, model, frameQueue, out)
	return run, nil
}

// Producer: read frames from the source into the bounded queue.
// Blocks when the queue is full, which is the backpressure that protects a
// slow model from a fast source.
func (p *Pipeline) produceFrames(ctx context.Context, source FrameSource, queue chan<- queuedFrame) {
	defer close(queue)
	defer source.Close()
	warnedFull := false
	for {
		frame, index, err := source.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		item := queuedFrame{frame: frame, index: index, err: err}
		select {
		case queue <- item:
		default:
			if !warnedFull {
				p.log.Infof("%v at frame %v, producer blocking", ErrQueueFull, index)
				warnedFull = true
			}
			select {
			case queue <- item:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Consumer: the per-frame loop. Cancellation is checked between frames only;
// model calls are treated as non-preemptible.
func (p *Pipeline) consumeFrames(ctx context.Context, run *Run, model nn.Model, queue <-chan queuedFrame, out chan<- StreamItem) {
	defer close(out)
	defer close(run.done)
	defer p.timesync.CloseTimeline(run.VideoID)

	run.setState(StateRunning)
	lastErrAt := time.Time{}
	framesSinceCheckpoint := 0
	eventsSinceCheckpoint := uint64(0)
	lastFrame := uint64(0)

	emit := func(item StreamItem) bool {
		select {
		case out <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}
	checkpoint := func() bool {
		cp := &Checkpoint{FrameNumber: lastFrame, Events: eventsSinceCheckpoint}
		if !emit(StreamItem{Checkpoint: cp}) {
			return false
		}
		run.lastCheckpoint.Store(lastFrame)
		framesSinceCheckpoint = 0
		eventsSinceCheckpoint = 0
		return true
	}

	for {
		// Cancellation is checked at the top of the per-frame loop
		if ctx.Err() != nil {
			run.fail(ctx.Err())
			return
		}
		select {
		case <-ctx.Done():
			run.fail(ctx.Err())
			return
		case item, ok := <-queue:
			if !ok {
				// Source exhausted normally: flush the final checkpoint
				run.setState(StateDraining)
				if !checkpoint() {
					run.fail(ctx.Err())
					return
				}
				run.setState(StateCompleted)
				return
			}
			if item.err != nil {
				run.fail(fmt.Errorf("frame source failed at frame %v: %w", item.index, item.err))
				return
			}
			events, err := p.processFrame(run, model, item.frame, item.index)
			if err != nil {
				// Per-frame failure: skip the frame, advance to the next
				if time.Since(lastErrAt) > 15*time.Second {
					p.log.Errorf("Run %v: frame %v failed: %v", run.RunID, item.index, err)
					lastErrAt = time.Now()
				}
				continue
			}
			lastFrame = item.index
			for i := range events {
				if !emit(StreamItem{Event: &events[i]}) {
					run.fail(ctx.Err())
					return
				}
				eventsSinceCheckpoint++
			}
			framesSinceCheckpoint++
			if framesSinceCheckpoint >= p.opts.CheckpointInterval {
				if !checkpoint() {
					run.fail(ctx.Err())
					return
				}
			}
		}
	}
}

// Process one frame: preprocess, infer, validate, timestamp, screenshot.
// Returns the surviving detections as ready-to-emit events.
func (p *Pipeline) processFrame(run *Run, model nn.Model, frame nn.Frame, index uint64) ([]nn.DetectionEvent, error) {
	start := time.Now()
	raw, err := p.predictFrame(model, frame)
	if err != nil {
		return nil, err
	}
	run.stats.AddFrame(float64(time.Since(start).Nanoseconds()) / 1e6)

	for i := range raw {
		raw[i].FrameNumber = index
	}
	valid := p.validator.Validate(raw)

	events := make([]nn.DetectionEvent, 0, len(valid))
	for _, det := range valid {
		det.DetectionID = uuid.NewString()
		ts, err := p.timesync.SyncTimestamp(run.VideoID, index, nowSeconds())
		if err != nil {
			// Per-detection failure: drop with a warning, never abort the frame
			p.log.Warnf("Run %v: dropping detection on frame %v: %v", run.RunID, index, err)
			continue
		}
		det.Timestamp = ts
		run.stats.AddDetection(det.Confidence)

		event := nn.DetectionEvent{
			Detection:        det,
			VideoID:          run.VideoID,
			RunID:            run.RunID,
			ValidationResult: nn.ValidationPending,
		}
		if p.capturer != nil && det.Confidence >= p.opts.ScreenshotConfidence {
			path, err := p.capturer.Capture(frame, det.Box, det.DetectionID)
			if err != nil {
				p.log.Warnf("Screenshot capture failed for detection %v: %v", det.DetectionID, err)
			} else {
				event.ScreenshotPath = path
			}
		}
		events = append(events, event)
	}
	return events, nil
}
