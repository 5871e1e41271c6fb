// Package pipeline orchestrates a detection run: it pulls frames from a
// source, preprocesses them, invokes the active model, validates and
// deduplicates the detections, attaches drift-corrected timestamps, and emits
// a bounded stream of detection events with periodic checkpoints.
package pipeline

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"

	"github.com/vrusight/vrusight/pkg/nn"
	"github.com/vrusight/vrusight/pkg/nnreg"
	"github.com/vrusight/vrusight/pkg/preprocess"
	"github.com/vrusight/vrusight/pkg/timesync"
	"github.com/vrusight/vrusight/pkg/validate"
)

var (
	ErrModelTimeout = errors.New("model call timed out")
	ErrModelFailed  = errors.New("model call failed")
	ErrQueueFull    = errors.New("frame queue full")
)

// FrameSource is an ordered, finite iterator of decoded frames.
// Supplied by the video-decoding collaborator. A fresh source is needed for
// each ProcessStream call.
type FrameSource interface {
	// Next returns the next frame and its index. io.EOF when the video ends.
	Next() (nn.Frame, uint64, error)
	FPS() float64
	Close()
}

// ScreenshotCapturer saves a crop of a high-confidence detection.
// Fire and forget: a capture failure only omits the screenshot path.
type ScreenshotCapturer interface {
	Capture(frame nn.Frame, box nn.Box, detectionID string) (string, error)
}

type Options struct {
	QueueCapacity        int           // Bounded frame queue between source and inference
	BatchSize            int           // Frames per batched inference call
	CheckpointInterval   int           // Frames between checkpoint signals
	InferenceTimeout     time.Duration // Per model call
	InferenceRetries     int           // Extra attempts after a timeout
	ScreenshotConfidence float64       // Detections at or above this confidence get a screenshot
	EnableTiling         bool          // Tile frames larger than the model input
}

func DefaultOptions() Options {
	return Options{
		QueueCapacity:        30,
		BatchSize:            8,
		CheckpointInterval:   30,
		InferenceTimeout:     2 * time.Second,
		InferenceRetries:     2,
		ScreenshotConfidence: 0.8,
	}
}

type Pipeline struct {
	log       logs.Log
	registry  *nnreg.Registry
	pre       *preprocess.Preprocessor
	validator *validate.Validator
	timesync  *timesync.Synchronizer
	capturer  ScreenshotCapturer // may be nil
	opts      Options

	initialized atomic.Bool
}

func NewPipeline(logger logs.Log, registry *nnreg.Registry, validator *validate.Validator, sync *timesync.Synchronizer, capturer ScreenshotCapturer, opts Options) *Pipeline {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultOptions().QueueCapacity
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = DefaultOptions().CheckpointInterval
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = DefaultOptions().InferenceTimeout
	}
	if opts.ScreenshotConfidence <= 0 {
		opts.ScreenshotConfidence = DefaultOptions().ScreenshotConfidence
	}
	return &Pipeline{
		log:       logger,
		registry:  registry,
		pre:       preprocess.NewPreprocessor(),
		validator: validator,
		timesync:  sync,
		capturer:  capturer,
		opts:      opts,
	}
}

// Initialize registers the default model and marks it active.
// Idempotent: a second call is a no-op.
func (p *Pipeline) Initialize() error {
	if p.initialized.Swap(true) {
		return nil
	}
	p.registry.Register(nnreg.DefaultModelID, "", nnreg.KindStub)
	if p.registry.ActiveID() == "" {
		return p.registry.SetActive(nnreg.DefaultModelID)
	}
	return nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
