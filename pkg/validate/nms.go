package validate

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"

	"github.com/vrusight/vrusight/pkg/nn"
)

// Greedy NMS over one class group.
// Sort by confidence descending, then walk the list, discarding any detection
// whose IoU with an already-kept detection exceeds maxIoU.
// A flatbush spatial index avoids the O(N^2) pairwise scan, the same way we
// prune candidate pairs when merging overlapping objects in tiled inference.
func (v *Validator) nmsClassGroup(group []nn.Detection, maxIoU float64) []nn.Detection {
	if len(group) <= 1 {
		return group
	}

	sorted := make([]nn.Detection, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	fb := flatbush.NewFlatbush[float64]()
	fb.Reserve(len(sorted))
	for _, det := range sorted {
		fb.Add(det.Box.X, det.Box.Y, det.Box.X2(), det.Box.Y2())
	}
	fb.Finish()

	kept := map[int]bool{}
	keep := make([]nn.Detection, 0, len(sorted))
	for i, det := range sorted {
		suppressed := false
		// Search returns the indices of the boxes added to the index
		for _, j := range fb.Search(det.Box.X, det.Box.Y, det.Box.X2(), det.Box.Y2()) {
			if j == i || !kept[j] {
				continue
			}
			if det.Box.IOU(sorted[j].Box) > maxIoU {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept[i] = true
			keep = append(keep, det)
		}
	}
	return keep
}
