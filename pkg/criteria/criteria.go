// Package criteria scores aggregated test results against configurable
// pass/fail thresholds, and produces a verdict.
package criteria

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var ErrInvalidCriteria = errors.New("invalid criteria")

// Criteria is the threshold set that a test run is scored against.
// Immutable once supplied to an evaluation call.
type Criteria struct {
	MinPrecision           float64 `json:"minPrecision"`
	MinRecall              float64 `json:"minRecall"`
	MinF1Score             float64 `json:"minF1Score"`
	MinAccuracy            float64 `json:"minAccuracy"`
	MinDetectionConfidence float64 `json:"minDetectionConfidence"`
	MaxLatencyMs           float64 `json:"maxLatencyMs"`
	MaxFalsePositiveRate   float64 `json:"maxFalsePositiveRate"`
	RequiredDetections     uint64  `json:"requiredDetections"`
}

// DefaultCriteria returns the stock threshold set
func DefaultCriteria() Criteria {
	return Criteria{
		MinPrecision:           0.90,
		MinRecall:              0.85,
		MinF1Score:             0.87,
		MinAccuracy:            0.85,
		MinDetectionConfidence: 0.70,
		MaxLatencyMs:           100,
		MaxFalsePositiveRate:   0.05,
		RequiredDetections:     10,
	}
}

// Load a criteria set from a JSON file
func LoadCriteria(filename string) (*Criteria, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	c := &Criteria{}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects threshold sets that would make scoring nonsensical
// (zero or negative denominators, thresholds outside [0,1]).
func (c Criteria) Validate() error {
	ratios := []struct {
		name  string
		value float64
	}{
		{"minPrecision", c.MinPrecision},
		{"minRecall", c.MinRecall},
		{"minF1Score", c.MinF1Score},
		{"minAccuracy", c.MinAccuracy},
		{"minDetectionConfidence", c.MinDetectionConfidence},
	}
	for _, r := range ratios {
		if r.value <= 0 || r.value > 1 {
			return fmt.Errorf("%w: %v = %v, must be in (0,1]", ErrInvalidCriteria, r.name, r.value)
		}
	}
	if c.MaxLatencyMs <= 0 {
		return fmt.Errorf("%w: maxLatencyMs = %v, must be positive", ErrInvalidCriteria, c.MaxLatencyMs)
	}
	if c.MaxFalsePositiveRate <= 0 {
		return fmt.Errorf("%w: maxFalsePositiveRate = %v, must be positive", ErrInvalidCriteria, c.MaxFalsePositiveRate)
	}
	return nil
}

// TestResults are the aggregate metrics of a completed run, computed by a
// ground-truth comparator outside this package. Opaque input to evaluation.
type TestResults struct {
	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	F1Score           float64 `json:"f1Score"`
	Accuracy          float64 `json:"accuracy"`
	AverageLatencyMs  float64 `json:"averageLatencyMs"`
	FalsePositiveRate float64 `json:"falsePositiveRate"`
	AverageConfidence float64 `json:"averageConfidence"`
	TotalDetections   uint64  `json:"totalDetections"`
	TruePositives     uint64  `json:"truePositives"`
	FalsePositives    uint64  `json:"falsePositives"`
	FalseNegatives    uint64  `json:"falseNegatives"`
}

// Load test results from a JSON file
func LoadTestResults(filename string) (*TestResults, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	r := &TestResults{}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, err
	}
	return r, nil
}

type Verdict string

const (
	VerdictPass            Verdict = "PASS"
	VerdictConditionalPass Verdict = "CONDITIONAL_PASS"
	VerdictFail            Verdict = "FAIL"
	VerdictPending         Verdict = "PENDING"
	VerdictError           Verdict = "ERROR"
)
