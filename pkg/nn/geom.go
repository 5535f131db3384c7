package nn

import (
	"github.com/chewxy/math32"
)

// Box is an axis-aligned rectangle in corner form
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// BoxFromCenter creates a corner-form box from a center point and extents
func BoxFromCenter(cx, cy, width, height float32) Box {
	return Box{
		X1: cx - width/2,
		Y1: cy - height/2,
		X2: cx + width/2,
		Y2: cy + height/2,
	}
}

func (b Box) Width() float32 {
	return b.X2 - b.X1
}

func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

func (b Box) Intersection(o Box) Box {
	x1 := math32.Max(b.X1, o.X1)
	y1 := math32.Max(b.Y1, o.Y1)
	x2 := math32.Min(b.X2, o.X2)
	y2 := math32.Min(b.Y2, o.Y2)
	return Box{
		X1: x1,
		Y1: y1,
		X2: math32.Max(x1, x2),
		Y2: math32.Max(y1, y2),
	}
}

// Intersection over Union. Disjoint boxes return 0.
func (b Box) IOU(o Box) float32 {
	inter := b.Intersection(o).Area()
	if inter <= 0 {
		return 0
	}
	return inter / (b.Area() + o.Area() - inter)
}

// Clamp the box to [0,width] x [0,height]
func (b Box) Clamp(width, height float32) Box {
	return Box{
		X1: clamp(b.X1, 0, width),
		Y1: clamp(b.Y1, 0, height),
		X2: clamp(b.X2, 0, width),
		Y2: clamp(b.Y2, 0, height),
	}
}

func clamp(v, lo, hi float32) float32 {
	return math32.Min(math32.Max(v, lo), hi)
}
