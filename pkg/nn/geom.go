package nn

// Box is an axis-aligned bounding box in frame pixel coordinates
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b Box) Area() float64 {
	return b.Width * b.Height
}

func (b Box) X2() float64 {
	return b.X + b.Width
}

func (b Box) Y2() float64 {
	return b.Y + b.Height
}

func (b Box) Intersection(o Box) Box {
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.X2(), o.X2())
	y2 := min(b.Y2(), o.Y2())
	return Box{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

func (b Box) Union(o Box) Box {
	x1 := min(b.X, o.X)
	y1 := min(b.Y, o.Y)
	x2 := max(b.X2(), o.X2())
	y2 := max(b.Y2(), o.Y2())
	return Box{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

// Intersection over Union.
// Always in [0,1]. Returns 0 when the union is degenerate (both boxes have zero area).
func (b Box) IOU(o Box) float64 {
	intersection := b.Intersection(o).Area()
	union := b.Area() + o.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

func (b *Box) Offset(dx, dy float64) {
	b.X += dx
	b.Y += dy
}
