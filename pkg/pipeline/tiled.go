package pipeline

import (
	"github.com/bmharper/tiledinference"

	"github.com/vrusight/vrusight/pkg/nn"
)

// Tiles must overlap by at least this much, so that an object on a tile
// boundary is fully visible in at least one tile.
const minTilePadding = 32

// Tiled inference for frames larger than the model input.
// The frame is split into model-sized tiles, each tile runs through the model
// independently, and detections of the same object in overlapping tiles are
// merged back into one.
func (p *Pipeline) predictTiled(model nn.Model, frame nn.Frame) ([]nn.Detection, error) {
	config := model.Config()
	tiling := tiledinference.MakeTiling(frame.Width, frame.Height, config.Width, config.Height, minTilePadding)

	allObjects := []nn.Detection{}
	allBoxes := []tiledinference.Box{}
	classIDs := map[string]int32{}

	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			tileRect := tiling.TileRect(tx, ty)
			crop := frame.Crop(int(tileRect.X1), int(tileRect.Y1), int(tileRect.X2), int(tileRect.Y2))
			input, err := p.pre.Preprocess(crop)
			if err != nil {
				return nil, err
			}
			objects, err := p.predictWithRetry(model, input)
			if err != nil {
				return nil, err
			}
			for _, obj := range objects {
				obj.Box.Offset(float64(tileRect.X1), float64(tileRect.Y1))
				classID, ok := classIDs[obj.Class]
				if !ok {
					classID = int32(len(classIDs))
					classIDs[obj.Class] = classID
				}
				allObjects = append(allObjects, obj)
				allBoxes = append(allBoxes, tiledinference.Box{
					Rect: tiledinference.Rect{
						X1: int32(obj.Box.X),
						Y1: int32(obj.Box.Y),
						X2: int32(obj.Box.X2()),
						Y2: int32(obj.Box.Y2()),
					},
					Class: classID,
					Tile:  tiling.MakeTileIndex(tx, ty),
				})
			}
		}
	}

	if tiling.IsSingle() {
		return allObjects, nil
	}

	groups, mergedBoxes := tiledinference.MergeBoxes(tiling, allBoxes, nil)
	merged := make([]nn.Detection, 0, len(groups))
	for igroup, group := range groups {
		// Start with the first object in the group, and take the merged box,
		// which can be larger than any single member
		newObj := allObjects[group[0]]
		r := mergedBoxes[igroup]
		newObj.Box = nn.Box{
			X:      float64(r.Rect.X1),
			Y:      float64(r.Rect.Y1),
			Width:  float64(r.Rect.Width()),
			Height: float64(r.Rect.Height()),
		}
		// Use max(confidence) from all objects in the group
		for _, el := range group[1:] {
			newObj.Confidence = max(newObj.Confidence, allObjects[el].Confidence)
		}
		merged = append(merged, newObj)
	}
	return merged, nil
}
