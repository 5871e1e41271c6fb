package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/vrusight/vrusight/pkg/nn"
)

// Route a frame to whole-frame or tiled inference
func (p *Pipeline) predictFrame(model nn.Model, frame nn.Frame) ([]nn.Detection, error) {
	config := model.Config()
	if p.opts.EnableTiling && (frame.Width > config.Width || frame.Height > config.Height) {
		return p.predictTiled(model, frame)
	}
	input, err := p.pre.Preprocess(frame)
	if err != nil {
		return nil, err
	}
	return p.predictWithRetry(model, input)
}

// Retry timed-out model calls a bounded number of times with backoff.
// Any other failure is returned immediately as a per-frame error.
func (p *Pipeline) predictWithRetry(model nn.Model, input *nn.Tensor) ([]nn.Detection, error) {
	var lastErr error
	for attempt := 0; attempt <= p.opts.InferenceRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
			p.log.Warnf("Retrying model call (attempt %v of %v)", attempt+1, p.opts.InferenceRetries+1)
		}
		detections, err := p.predictWithTimeout(model, input)
		if err == nil {
			return detections, nil
		}
		lastErr = err
		if !errors.Is(err, ErrModelTimeout) {
			break
		}
	}
	return nil, lastErr
}

type predictResult struct {
	detections []nn.Detection
	err        error
}

// Run one model call with a deadline. Model calls are non-preemptible: on
// timeout the call's goroutine is left to finish on its own and its result
// is discarded.
func (p *Pipeline) predictWithTimeout(model nn.Model, input *nn.Tensor) ([]nn.Detection, error) {
	resultCh := make(chan predictResult, 1)
	go func() {
		detections, err := model.Predict(input)
		resultCh <- predictResult{detections: detections, err: err}
	}()

	timer := time.NewTimer(p.opts.InferenceTimeout)
	defer timer.Stop()
	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelFailed, r.err)
		}
		return r.detections, nil
	case <-timer.C:
		return nil, ErrModelTimeout
	}
}
