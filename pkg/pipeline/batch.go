package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vrusight/vrusight/pkg/nn"
)

// ProcessBatch runs batched inference over a fixed set of frames, and returns
// one DetectionResult per input frame, in input order.
// ProcessingTimeMs of each result is the batch's total time divided evenly
// across its frames, an approximation rather than a true per-frame timing.
func (p *Pipeline) ProcessBatch(ctx context.Context, frames []nn.Frame) ([]nn.DetectionResult, error) {
	if err := p.Initialize(); err != nil {
		return nil, err
	}
	model, err := p.registry.Active()
	if err != nil {
		return nil, err
	}

	results := make([]nn.DetectionResult, 0, len(frames))
	for offset := 0; offset < len(frames); offset += p.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := frames[offset:min(offset+p.opts.BatchSize, len(frames))]
		input, err := p.pre.PreprocessBatch(chunk)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		perFrame, err := p.predictBatchWithRetry(model, input)
		if err == nil && len(perFrame) != len(chunk) {
			err = fmt.Errorf("%w: model returned %v result sets for a batch of %v", ErrModelFailed, len(perFrame), len(chunk))
		}
		if err != nil {
			// A failed chunk doesn't abort the call. Its frames get empty
			// results, and later chunks still run.
			p.log.Errorf("Batch of %v frames at offset %v failed: %v", len(chunk), offset, err)
			for i := range chunk {
				results = append(results, nn.DetectionResult{
					FrameNumber: uint64(offset + i),
					Timestamp:   nowSeconds(),
				})
			}
			continue
		}
		perFrameMs := float64(time.Since(start).Nanoseconds()) / 1e6 / float64(len(chunk))

		for i, raw := range perFrame {
			frameNumber := uint64(offset + i)
			for j := range raw {
				raw[j].FrameNumber = frameNumber
			}
			results = append(results, nn.DetectionResult{
				Detections:       p.validator.Validate(raw),
				FrameNumber:      frameNumber,
				Timestamp:        nowSeconds(),
				ProcessingTimeMs: perFrameMs,
			})
		}
	}
	return results, nil
}

// Same bounded retry-with-backoff as the single-frame path: only timeouts
// are retried, any other failure is returned immediately.
func (p *Pipeline) predictBatchWithRetry(model nn.Model, input *nn.Tensor) ([][]nn.Detection, error) {
	var lastErr error
	for attempt := 0; attempt <= p.opts.InferenceRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
			p.log.Warnf("Retrying batched model call (attempt %v of %v)", attempt+1, p.opts.InferenceRetries+1)
		}
		detections, err := p.predictBatchWithTimeout(model, input)
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

type predictBatchResult struct {
	detections [][]nn.Detection
	err        error
}

func (p *Pipeline) predictBatchWithTimeout(model nn.Model, input *nn.Tensor) ([][]nn.Detection, error) {
	resultCh := make(chan predictBatchResult, 1)
	go func() {
		detections, err := model.PredictBatch(input)
		resultCh <- predictBatchResult{detections: detections, err: err}
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
