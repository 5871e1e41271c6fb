package criteria

import (
	"github.com/vrusight/vrusight/pkg/gen"
)

// A run is a full PASS only when every check passes. Above this pass rate it
// is still a CONDITIONAL_PASS; below, a FAIL.
const conditionalPassRate = 0.8

// One evaluated criterion
type CriterionResult struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
	Score     float64 `json:"score"` // Percentage, capped at 100. Not meaningful for the detection count gate.
}

// Evaluation is the detailed breakdown of a verdict
type Evaluation struct {
	Verdict      Verdict           `json:"verdict"`
	PassRate     float64           `json:"passRate"`
	OverallScore float64           `json:"overallScore"`
	Criteria     []CriterionResult `json:"criteria"`
}

// Evaluate runs the eight threshold checks and returns the verdict
func Evaluate(results TestResults, crit Criteria) (Verdict, error) {
	ev, err := EvaluateDetailed(results, crit)
	if err != nil {
		return VerdictError, err
	}
	return ev.Verdict, nil
}

// EvaluateDetailed returns a per-criterion breakdown with the verdict.
// The overall score is the mean of the seven ratio criteria; the detection
// count is a pure gate and deliberately excluded from the score average,
// while still counting toward the pass rate.
func EvaluateDetailed(results TestResults, crit Criteria) (*Evaluation, error) {
	if err := crit.Validate(); err != nil {
		return nil, err
	}

	// "Higher is better" metrics score value/threshold, capped at 100%
	higher := func(name string, value, threshold float64) CriterionResult {
		return CriterionResult{
			Name:      name,
			Value:     value,
			Threshold: threshold,
			Passed:    value >= threshold,
			Score:     gen.Clamp(value/threshold*100, 0, 100),
		}
	}
	// "Lower is better" metrics (latency, false positive rate) score the
	// remaining headroom under the threshold
	lower := func(name string, value, threshold float64) CriterionResult {
		return CriterionResult{
			Name:      name,
			Value:     value,
			Threshold: threshold,
			Passed:    value <= threshold,
			Score:     gen.Clamp(100-value/threshold*100, 0, 100),
		}
	}

	scored := []CriterionResult{
		higher("precision", results.Precision, crit.MinPrecision),
		higher("recall", results.Recall, crit.MinRecall),
		higher("f1Score", results.F1Score, crit.MinF1Score),
		lower("latency", results.AverageLatencyMs, crit.MaxLatencyMs),
		lower("falsePositiveRate", results.FalsePositiveRate, crit.MaxFalsePositiveRate),
		higher("confidence", results.AverageConfidence, crit.MinDetectionConfidence),
		higher("accuracy", results.Accuracy, crit.MinAccuracy),
	}

	detectionGate := CriterionResult{
		Name:      "detectionCount",
		Value:     float64(results.TotalDetections),
		Threshold: float64(crit.RequiredDetections),
		Passed:    results.TotalDetections >= crit.RequiredDetections,
	}

	all := append(scored, detectionGate)
	passed := 0
	for _, c := range all {
		if c.Passed {
			passed++
		}
	}
	passRate := float64(passed) / float64(len(all))

	scoreSum := 0.0
	for _, c := range scored {
		scoreSum += c.Score
	}

	ev := &Evaluation{
		PassRate:     passRate,
		OverallScore: scoreSum / float64(len(scored)),
		Criteria:     all,
	}
	switch {
	case passRate == 1.0:
		ev.Verdict = VerdictPass
	case passRate >= conditionalPassRate:
		ev.Verdict = VerdictConditionalPass
	default:
		ev.Verdict = VerdictFail
	}
	return ev, nil
}
