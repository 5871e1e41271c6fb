package nnreg

import (
	"hash/fnv"
	"sync/atomic"

	"github.com/chewxy/math32"

	"github.com/vrusight/vrusight/pkg/gen"
	"github.com/vrusight/vrusight/pkg/nn"
)

const (
	DefaultStubWidth  = 640
	DefaultStubHeight = 640
)

// StubModel is a deterministic fake backend. It produces plausible synthetic
// detections (a handful of VRUs drifting around the frame) so that pipelines
// and tests can run without any real inference backend.
// Output depends only on the model name and the call sequence number, so a
// fresh stub of the same name replayed over the same frames yields identical
// detections. The predict contract carries no frame index, so the sequence
// number stands in for it.
type StubModel struct {
	config nn.ModelConfig
	seed   float32
	calls  atomic.Int64
}

func NewStubModel(name string, width, height int) *StubModel {
	h := fnv.New32a()
	h.Write([]byte(name))
	return &StubModel{
		seed: float32(h.Sum32()%628) * 0.01,
		config: nn.ModelConfig{
			Architecture: "stub",
			Width:        width,
			Height:       height,
			Classes:      nn.VRUClasses,
		},
	}
}

func (s *StubModel) Close() {
}

func (s *StubModel) Config() *nn.ModelConfig {
	return &s.config
}

func (s *StubModel) Predict(input *nn.Tensor) ([]nn.Detection, error) {
	seq := s.calls.Add(1) - 1
	return s.detectionsForFrame(seq), nil
}

func (s *StubModel) PredictBatch(input *nn.Tensor) ([][]nn.Detection, error) {
	out := make([][]nn.Detection, input.Batch)
	for i := range out {
		seq := s.calls.Add(1) - 1
		out[i] = s.detectionsForFrame(seq)
	}
	return out, nil
}

func (s *StubModel) detectionsForFrame(seq int64) []nn.Detection {
	w := float64(s.config.Width)
	h := float64(s.config.Height)
	// 2 or 3 objects per frame, orbiting the frame center
	n := 2 + int(seq%2)
	out := make([]nn.Detection, 0, n)
	for i := 0; i < n; i++ {
		phase := s.seed + float32(seq)*0.05 + float32(i)*2.1
		cx := (0.5 + 0.35*float64(math32.Cos(phase))) * w
		cy := (0.5 + 0.35*float64(math32.Sin(phase*0.7))) * h
		bw := w * (0.08 + 0.02*float64(i))
		bh := bw * 2.2 // VRUs are taller than wide
		confidence := 0.72 + 0.25*float64(math32.Abs(math32.Sin(phase*1.3)))
		out = append(out, nn.Detection{
			Class:      s.config.Classes[(int(seq)+i)%len(s.config.Classes)],
			Confidence: confidence,
			Box: nn.Box{
				X:      gen.Clamp(cx-bw/2, 0, w-bw),
				Y:      gen.Clamp(cy-bh/2, 0, h-bh),
				Width:  bw,
				Height: bh,
			},
		})
	}
	return out
}
