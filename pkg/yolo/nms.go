package yolo

import (
	"cmp"
	"slices"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/cyclopcam/inferpipe/pkg/nn"
)

func (c *Candidate) box() nn.Box {
	return nn.BoxFromCenter(c.X, c.Y, c.W, c.H)
}

// NMS runs greedy non-maximum suppression independently for every class.
// Within a class, boxes are visited in order of descending confidence; each kept box
// suppresses every later box whose IoU with it is strictly greater than iouThreshold.
// The result is ordered by class id, then by descending confidence.
func NMS(cands []Candidate, iouThreshold float32) []Candidate {
	if len(cands) == 0 {
		return nil
	}
	byClass := map[int][]Candidate{}
	for _, c := range cands {
		byClass[c.Class] = append(byClass[c.Class], c)
	}
	classes := make([]int, 0, len(byClass))
	for class := range byClass {
		classes = append(classes, class)
	}
	slices.Sort(classes)

	keep := make([]Candidate, 0, len(cands))
	for _, class := range classes {
		keep = nmsOneClass(keep, byClass[class], iouThreshold)
	}
	return keep
}

func nmsOneClass(keep []Candidate, list []Candidate, iouThreshold float32) []Candidate {
	slices.SortStableFunc(list, func(a, b Candidate) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	if len(list) == 1 {
		return append(keep, list[0])
	}

	// Spatial index to avoid O(N^2) comparisons. Index i in the tree is rank i in 'list'.
	boxes := make([]nn.Box, len(list))
	fb := flatbush.NewFlatbush[float64]()
	fb.Reserve(len(list))
	for i := range list {
		boxes[i] = list[i].box()
		fb.Add(float64(boxes[i].X1), float64(boxes[i].Y1), float64(boxes[i].X2), float64(boxes[i].Y2))
	}
	fb.Finish()

	suppressed := make([]bool, len(list))
	for i := range list {
		if suppressed[i] {
			continue
		}
		keep = append(keep, list[i])
		b := boxes[i]
		for _, j := range fb.Search(float64(b.X1), float64(b.Y1), float64(b.X2), float64(b.Y2)) {
			if j <= i || suppressed[j] {
				continue
			}
			if b.IOU(boxes[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}
