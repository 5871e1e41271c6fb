package nn

import (
	"encoding/json"
	"os"
)

// Package nn holds the shared detection types and the Model interface.
// To obtain a model instance, use the nnreg package.

// Frame is a raw decoded video frame.
// Pixels are packed rows of NChan bytes per pixel (eg 3 for RGB), with no
// padding between rows. The video decoding collaborator produces these.
type Frame struct {
	NChan  int    // Number of channels (eg 3 for RGB)
	Pixels []byte // Width * Height * NChan bytes
	Width  int
	Height int
}

func (f Frame) Stride() int {
	return f.Width * f.NChan
}

// Return a copy of the rectangle [x1,y1) - [x2,y2) as a new Frame.
// Panics if any parameter is out of bounds.
func (f Frame) Crop(x1, y1, x2, y2 int) Frame {
	if x1 < 0 || y1 < 0 || x2 < x1 || y2 < y1 || x2 > f.Width || y2 > f.Height {
		panic("Crop out of bounds")
	}
	nc := Frame{
		NChan:  f.NChan,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
	nc.Pixels = make([]byte, nc.Width*nc.Height*nc.NChan)
	for y := y1; y < y2; y++ {
		src := f.Pixels[y*f.Stride()+x1*f.NChan : y*f.Stride()+x2*f.NChan]
		copy(nc.Pixels[(y-y1)*nc.Stride():], src)
	}
	return nc
}

// ChannelOrder is the channel order that a model expects its input in
type ChannelOrder int

const (
	ChannelOrderRGB ChannelOrder = iota
	ChannelOrderBGR
)

// Tensor is a batch of preprocessed frames, ready for model input.
// Values are normalized to [0,1], stored HWC, batch-major.
type Tensor struct {
	Batch  int // Number of frames in the tensor (1 for a single frame)
	Width  int
	Height int
	NChan  int
	Values []float32 // Batch * Height * Width * NChan values
}

// Number of values occupied by one frame within the tensor
func (t *Tensor) FrameStride() int {
	return t.Width * t.Height * t.NChan
}

// Return the values of frame i
func (t *Tensor) Frame(i int) []float32 {
	return t.Values[i*t.FrameStride() : (i+1)*t.FrameStride()]
}

// Detection is one object found by a model.
// DetectionID, FrameNumber and Timestamp are filled in by the pipeline,
// not by the model.
type Detection struct {
	DetectionID string  `json:"detectionId"`
	Class       string  `json:"class"`
	Confidence  float64 `json:"confidence"` // 0..1
	Box         Box     `json:"box"`
	Timestamp   float64 `json:"timestamp"` // Seconds, drift-corrected video time
	FrameNumber uint64  `json:"frameNumber"`
}

// DetectionResult is the outcome of processing one frame
type DetectionResult struct {
	Detections       []Detection `json:"detections"`
	FrameNumber      uint64      `json:"frameNumber"`
	Timestamp        float64     `json:"timestamp"`
	ProcessingTimeMs float64     `json:"processingTimeMs"`
}

// ValidationState of an emitted detection event.
// Comparison against ground truth happens downstream, so events leave
// the pipeline as ValidationPending.
type ValidationState string

const ValidationPending ValidationState = "PENDING"

// DetectionEvent is the externally visible form of a validated detection.
// The pipeline emits one per surviving detection; durable storage is the
// consumer's responsibility, keyed by Detection.DetectionID.
type DetectionEvent struct {
	Detection        Detection       `json:"detection"`
	VideoID          string          `json:"videoId"`
	RunID            string          `json:"runId"`
	ScreenshotPath   string          `json:"screenshotPath,omitempty"`
	ValidationResult ValidationState `json:"validationResult"`
}

// Model is given preprocessed frames, and returns zero or more detections per frame
type Model interface {
	// Close releases the model. You must call this when finished, because real
	// backends hold native resources.
	Close()

	// Predict runs inference on a single-frame tensor
	Predict(input *Tensor) ([]Detection, error)

	// PredictBatch runs inference on a multi-frame tensor, and returns one
	// detection list per frame, in frame order.
	PredictBatch(input *Tensor) ([][]Detection, error)

	// Model config.
	// Callers assume that ModelConfig remains constant once the model is created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["pedestrian", "cyclist", ...]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}
