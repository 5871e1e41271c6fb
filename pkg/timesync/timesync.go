// Package timesync maintains one timeline per video being processed, and
// computes drift-corrected timestamps that reconcile the frame-derived video
// clock with the system clock.
package timesync

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
)

var ErrUnknownTimeline = errors.New("unknown timeline")

// Fraction of the observed drift that we fold back into the video timestamp.
// We never fully trust either clock: 0 would ignore the system clock entirely,
// 1 would ignore the video's own frame timing.
// This is the single source of truth for the smoothing constant: both
// SyncTimestamp and ApplyDriftCorrection go through it.
const DefaultSmoothingFactor = 0.1

// Number of recent drift samples retained per timeline (must be a power of 2)
const driftHistorySize = 32

// Timeline is the per-video timing state
type Timeline struct {
	VideoID       string
	StartTime     float64 // Wall clock at InitTimeline, in seconds since the Unix epoch
	FPS           float64
	FrameDuration float64 // 1 / FPS

	driftHistory ringbuffer.RingP[float64]
}

type Synchronizer struct {
	log       logs.Log
	smoothing float64
	now       func() float64 // Injected clock, overridable by tests

	lock      sync.Mutex
	timelines map[string]*Timeline
}

func NewSynchronizer(logger logs.Log) *Synchronizer {
	return &Synchronizer{
		log:       logger,
		smoothing: DefaultSmoothingFactor,
		now:       func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
		timelines: map[string]*Timeline{},
	}
}

// SetSmoothingFactor overrides the drift smoothing factor (0..1)
func (s *Synchronizer) SetSmoothingFactor(factor float64) {
	s.smoothing = factor
}

// InitTimeline creates (or overwrites) the timeline for videoID, anchored at
// the current wall clock.
func (s *Synchronizer) InitTimeline(videoID string, fps float64) error {
	if fps <= 0 {
		return fmt.Errorf("invalid fps %v for video %v", fps, videoID)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.timelines[videoID] = &Timeline{
		VideoID:       videoID,
		StartTime:     s.now(),
		FPS:           fps,
		FrameDuration: 1.0 / fps,
		driftHistory:  ringbuffer.NewRingP[float64](driftHistorySize),
	}
	return nil
}

// SyncTimestamp computes the drift-corrected timestamp of frameNumber.
// systemTime is the wall clock at which the frame was observed, in seconds
// since the Unix epoch.
// Returns ErrUnknownTimeline if InitTimeline was never called for videoID.
func (s *Synchronizer) SyncTimestamp(videoID string, frameNumber uint64, systemTime float64) (float64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	tl := s.timelines[videoID]
	if tl == nil {
		return 0, fmt.Errorf("%w: %v", ErrUnknownTimeline, videoID)
	}
	videoTimestamp := tl.StartTime + float64(frameNumber)*tl.FrameDuration
	tl.driftHistory.Add(systemTime - videoTimestamp)
	return s.ApplyDriftCorrection(videoTimestamp, systemTime), nil
}

// ApplyDriftCorrection nudges an already-computed video timestamp toward the
// system clock by the smoothing factor. Exposed separately because some
// callers correct timestamps they computed themselves, without a timeline.
func (s *Synchronizer) ApplyDriftCorrection(videoTimestamp, systemTime float64) float64 {
	drift := systemTime - videoTimestamp
	return videoTimestamp + drift*s.smoothing
}

// AverageDrift returns the mean of the recent drift samples of videoID, in
// seconds. Diagnostic only.
func (s *Synchronizer) AverageDrift(videoID string) (float64, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	tl := s.timelines[videoID]
	if tl == nil || tl.driftHistory.Len() == 0 {
		return 0, false
	}
	sum := 0.0
	for i := 0; i < tl.driftHistory.Len(); i++ {
		sum += tl.driftHistory.Peek(i)
	}
	return sum / float64(tl.driftHistory.Len()), true
}

// CloseTimeline evicts the timeline of videoID. The pipeline calls this when
// a run completes, so that long-lived processes don't accumulate timelines.
func (s *Synchronizer) CloseTimeline(videoID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.timelines[videoID]; !ok {
		s.log.Warnf("CloseTimeline: no timeline for video %v", videoID)
		return
	}
	delete(s.timelines, videoID)
}

// NumTimelines returns the number of live timelines
func (s *Synchronizer) NumTimelines() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.timelines)
}
