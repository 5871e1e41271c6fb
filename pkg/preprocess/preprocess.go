// Package preprocess transforms raw video frames into model input tensors:
// resize with aspect-preserving letterbox, normalize to [0,1], and reorder
// channels to whatever the model expects.
package preprocess

import (
	"errors"
	"fmt"

	"github.com/bmharper/cimg/v2"

	"github.com/vrusight/vrusight/pkg/nn"
)

var ErrInvalidFrame = errors.New("invalid frame")

const (
	DefaultTargetWidth  = 640
	DefaultTargetHeight = 640
)

// Preprocessor is a pure transformation. No state, safe to share.
type Preprocessor struct {
	TargetWidth  int
	TargetHeight int
	ChannelOrder nn.ChannelOrder
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		TargetWidth:  DefaultTargetWidth,
		TargetHeight: DefaultTargetHeight,
		ChannelOrder: nn.ChannelOrderRGB,
	}
}

// Preprocess turns one frame into a single-frame tensor
func (p *Preprocessor) Preprocess(frame nn.Frame) (*nn.Tensor, error) {
	t := p.emptyTensor(1)
	if err := p.preprocessInto(frame, t.Frame(0)); err != nil {
		return nil, err
	}
	return t, nil
}

// PreprocessBatch stacks frames into one batch tensor, preserving input order
func (p *Preprocessor) PreprocessBatch(frames []nn.Frame) (*nn.Tensor, error) {
	t := p.emptyTensor(len(frames))
	for i, frame := range frames {
		if err := p.preprocessInto(frame, t.Frame(i)); err != nil {
			return nil, fmt.Errorf("frame %v of batch: %w", i, err)
		}
	}
	return t, nil
}

func (p *Preprocessor) emptyTensor(batch int) *nn.Tensor {
	return &nn.Tensor{
		Batch:  batch,
		Width:  p.TargetWidth,
		Height: p.TargetHeight,
		NChan:  3,
		Values: make([]float32, batch*p.TargetWidth*p.TargetHeight*3),
	}
}

func (p *Preprocessor) preprocessInto(frame nn.Frame, out []float32) error {
	if frame.NChan != 3 {
		return fmt.Errorf("%w: %v channels, expected 3", ErrInvalidFrame, frame.NChan)
	}
	if len(frame.Pixels) != frame.Width*frame.Height*frame.NChan {
		return fmt.Errorf("%w: %v pixel bytes for %vx%vx%v", ErrInvalidFrame, len(frame.Pixels), frame.Width, frame.Height, frame.NChan)
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return fmt.Errorf("%w: size %vx%v", ErrInvalidFrame, frame.Width, frame.Height)
	}

	resized := p.resizeLetterbox(frame)

	// Normalize to [0,1], swapping to BGR if the model wants that
	if p.ChannelOrder == nn.ChannelOrderBGR {
		for i := 0; i < len(resized); i += 3 {
			out[i] = float32(resized[i+2]) / 255
			out[i+1] = float32(resized[i+1]) / 255
			out[i+2] = float32(resized[i]) / 255
		}
	} else {
		for i, v := range resized {
			out[i] = float32(v) / 255
		}
	}
	return nil
}

// Resize the frame into a TargetWidth x TargetHeight RGB buffer, preserving
// aspect ratio. We pad with blackness on the right or bottom edge if the
// aspect ratios of frame and model differ.
func (p *Preprocessor) resizeLetterbox(frame nn.Frame) []byte {
	targetStride := p.TargetWidth * 3
	buf := make([]byte, p.TargetWidth*p.TargetHeight*3) // zeroed, so padding is already black

	if frame.Width == p.TargetWidth && frame.Height == p.TargetHeight {
		copy(buf, frame.Pixels)
		return buf
	}

	src := cimg.WrapImage(frame.Width, frame.Height, cimg.PixelFormatRGB, frame.Pixels)
	scaleX := float64(p.TargetWidth) / float64(frame.Width)
	scaleY := float64(p.TargetHeight) / float64(frame.Height)
	scale := min(scaleX, scaleY)

	if scale >= 1 && frame.Width <= p.TargetWidth && frame.Height <= p.TargetHeight {
		// Frame is smaller than the model input. Don't upscale, just place it
		// in the top-left corner.
		wrap := cimg.WrapImageStrided(p.TargetWidth, p.TargetHeight, cimg.PixelFormatRGB, buf, targetStride)
		wrap.CopyImageRect(src, 0, 0, frame.Width, frame.Height, 0, 0)
		return buf
	}

	scaledWidth := int(float64(frame.Width)*scale + 0.5)
	scaledHeight := int(float64(frame.Height)*scale + 0.5)
	// Box filter for downsampling, triangle (bilinear) when we're forced to upscale
	resizeParams := cimg.ResizeParams{CheapSRGBFilter: true}
	if scale < 1 {
		resizeParams.Filter = cimg.ResizeFilterBox
	} else {
		resizeParams.Filter = cimg.ResizeFilterTriangle
	}
	wrap := cimg.WrapImageStrided(scaledWidth, scaledHeight, cimg.PixelFormatRGB, buf, targetStride)
	cimg.Resize(src, wrap, &resizeParams)
	return buf
}
