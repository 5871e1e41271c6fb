package pipeline

import (
	"io"

	"github.com/vrusight/vrusight/pkg/nn"
)

// SyntheticSource is a FrameSource that generates a fixed number of gradient
// frames. Useful for exercising the pipeline with the stub model when no real
// video is at hand.
type SyntheticSource struct {
	width     int
	height    int
	numFrames int
	fps       float64
	next      uint64
}

func NewSyntheticSource(width, height, numFrames int, fps float64) *SyntheticSource {
	return &SyntheticSource{
		width:     width,
		height:    height,
		numFrames: numFrames,
		fps:       fps,
	}
}

func (s *SyntheticSource) Next() (nn.Frame, uint64, error) {
	if s.next >= uint64(s.numFrames) {
		return nn.Frame{}, 0, io.EOF
	}
	index := s.next
	s.next++

	frame := nn.Frame{
		NChan:  3,
		Width:  s.width,
		Height: s.height,
		Pixels: make([]byte, s.width*s.height*3),
	}
	// A moving diagonal gradient, so consecutive frames differ
	shift := int(index)
	for y := 0; y < s.height; y++ {
		row := frame.Pixels[y*frame.Stride() : (y+1)*frame.Stride()]
		for x := 0; x < s.width; x++ {
			v := byte((x + y + shift) & 0xff)
			row[x*3] = v
			row[x*3+1] = v >> 1
			row[x*3+2] = 255 - v
		}
	}
	return frame, index, nil
}

func (s *SyntheticSource) FPS() float64 {
	return s.fps
}

func (s *SyntheticSource) Close() {
}
