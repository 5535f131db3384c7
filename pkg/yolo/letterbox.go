package yolo

import "github.com/chewxy/math32"

// CorrectBoxes maps candidates from normalized network coordinates to normalized image
// coordinates, undoing an aspect-preserving, centered ("fit") resize.
func CorrectBoxes(cands []Candidate, geom Geometry) {
	netW := float32(geom.NetWidth)
	netH := float32(geom.NetHeight)
	scale := math32.Min(netW/float32(geom.ImageWidth), netH/float32(geom.ImageHeight))
	effW := float32(geom.ImageWidth) * scale
	effH := float32(geom.ImageHeight) * scale
	padX := (netW - effW) / 2
	padY := (netH - effH) / 2
	for i := range cands {
		c := &cands[i]
		c.X = (c.X*netW - padX) / effW
		c.Y = (c.Y*netH - padY) / effH
		c.W *= netW / effW
		c.H *= netH / effH
	}
}
