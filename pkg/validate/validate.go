// Package validate turns a raw detection set into a deduplicated,
// threshold-passing set: per-class confidence filtering followed by
// per-class Non-Maximum-Suppression.
package validate

import (
	"sort"

	"github.com/cyclopcam/logs"

	"github.com/vrusight/vrusight/pkg/nn"
)

// Fallback thresholds for classes that have no per-class entry
const (
	DefaultConfidenceThreshold = 0.5
	DefaultNmsIouThreshold     = 0.5
)

// Per-class minimum confidence. Anything below its class threshold is dropped.
var DefaultConfidenceThresholds = map[string]float64{
	nn.ClassPedestrian:     0.70,
	nn.ClassCyclist:        0.75,
	nn.ClassMotorcyclist:   0.80,
	nn.ClassWheelchairUser: 0.65,
	nn.ClassScooterRider:   0.70,
}

// Per-class NMS IoU thresholds. Two same-class detections overlapping more
// than this are considered duplicates of one object.
var DefaultNmsIouThresholds = map[string]float64{
	nn.ClassPedestrian:     0.45,
	nn.ClassCyclist:        0.40,
	nn.ClassMotorcyclist:   0.35,
	nn.ClassWheelchairUser: 0.50,
	nn.ClassScooterRider:   0.45,
}

type Validator struct {
	log        logs.Log
	confidence map[string]float64
	nmsIoU     map[string]float64
}

func NewValidator(logger logs.Log) *Validator {
	v := &Validator{
		log:        logger,
		confidence: map[string]float64{},
		nmsIoU:     map[string]float64{},
	}
	for class, t := range DefaultConfidenceThresholds {
		v.confidence[class] = t
	}
	for class, t := range DefaultNmsIouThresholds {
		v.nmsIoU[class] = t
	}
	return v
}

func (v *Validator) ConfidenceThreshold(class string) float64 {
	if t, ok := v.confidence[class]; ok {
		return t
	}
	return DefaultConfidenceThreshold
}

func (v *Validator) SetConfidenceThreshold(class string, threshold float64) {
	v.confidence[class] = threshold
}

func (v *Validator) NmsIouThreshold(class string) float64 {
	if t, ok := v.nmsIoU[class]; ok {
		return t
	}
	return DefaultNmsIouThreshold
}

func (v *Validator) SetNmsIouThreshold(class string, threshold float64) {
	v.nmsIoU[class] = threshold
}

// FilterByConfidence drops detections below their per-class confidence
// threshold. Malformed detections (zero-area box, confidence outside [0,1])
// are also dropped here, with a warning, so that the hot per-frame loop
// never has to deal with them.
func (v *Validator) FilterByConfidence(detections []nn.Detection) []nn.Detection {
	keep := make([]nn.Detection, 0, len(detections))
	for _, det := range detections {
		if det.Box.Width <= 0 || det.Box.Height <= 0 {
			v.log.Warnf("Dropping detection '%v' with degenerate box %v", det.Class, det.Box)
			continue
		}
		if det.Confidence < 0 || det.Confidence > 1 {
			v.log.Warnf("Dropping detection '%v' with confidence %v outside [0,1]", det.Class, det.Confidence)
			continue
		}
		if det.Confidence >= v.ConfidenceThreshold(det.Class) {
			keep = append(keep, det)
		}
	}
	return keep
}

// Deduplicate applies greedy NMS within each class group.
// Groups are sorted by confidence descending (stable, so ties preserve input
// order), and a detection is kept unless its IoU with an already-kept
// detection of the same class exceeds the class threshold.
// Output order is class groups in sorted class name order, each group in
// confidence-descending order.
func (v *Validator) Deduplicate(detections []nn.Detection) []nn.Detection {
	byClass := map[string][]nn.Detection{}
	for _, det := range detections {
		byClass[det.Class] = append(byClass[det.Class], det)
	}

	classNames := make([]string, 0, len(byClass))
	for class := range byClass {
		classNames = append(classNames, class)
	}
	sort.Strings(classNames)

	result := make([]nn.Detection, 0, len(detections))
	for _, class := range classNames {
		result = append(result, v.nmsClassGroup(byClass[class], v.NmsIouThreshold(class))...)
	}
	return result
}

// Validate is FilterByConfidence followed by Deduplicate
func (v *Validator) Validate(detections []nn.Detection) []nn.Detection {
	return v.Deduplicate(v.FilterByConfidence(detections))
}
