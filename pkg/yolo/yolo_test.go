package yolo

import (
	"math/rand/v2"
	"testing"

	"github.com/cyclopcam/inferpipe/pkg/fastmath"
	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/stretchr/testify/require"
)

const veryNegative = -20
const veryPositive = 20

// makeLayerTensor creates a tensor where every cell/anchor is confidently empty
func makeLayerTensor(layer *Layer, classCount int) []float32 {
	data := make([]float32, layer.TensorLen(classCount))
	for i := range data {
		data[i] = veryNegative
	}
	return data
}

// setAnchor writes the logits of one cell/anchor
func setAnchor(data []float32, layer *Layer, classCount, row, col, anchor int, tx, ty, tw, th, obj float32, classLogits map[int]float32) {
	entry := BoxDim + 1 + classCount
	j := row*layer.GridW + col
	b := data[entry*AnchorsPerCell*j+anchor*entry:]
	b[0], b[1], b[2], b[3], b[4] = tx, ty, tw, th, obj
	for c, v := range classLogits {
		b[BoxDim+1+c] = v
	}
}

func TestLayers(t *testing.T) {
	layers := Layers(416, 416)
	require.Len(t, layers, 3)
	require.Equal(t, 32, layers[0].Stride)
	require.Equal(t, 13, layers[0].GridW)
	require.Equal(t, Anchor{116, 90}, layers[0].Anchors[0])
	require.Equal(t, Anchor{373, 326}, layers[0].Anchors[2])
	require.Equal(t, 16, layers[1].Stride)
	require.Equal(t, 26, layers[1].GridH)
	require.Equal(t, Anchor{30, 61}, layers[1].Anchors[0])
	require.Equal(t, 8, layers[2].Stride)
	require.Equal(t, 52, layers[2].GridW)
	require.Equal(t, Anchor{10, 13}, layers[2].Anchors[0])
	require.Equal(t, Anchor{33, 23}, layers[2].Anchors[2])
}

func TestDecodeSingleCell(t *testing.T) {
	classCount := DefaultClassCount
	layer := &Layers(416, 416)[0]
	data := makeLayerTensor(layer, classCount)
	setAnchor(data, layer, classCount, 6, 6, 0, 0, 0, 0, 0, veryPositive, map[int]float32{0: veryPositive})

	cands, err := DecodeLayer(nil, data, layer, classCount, 416, 416, nn.NewDetectionParams())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	c := cands[0]
	require.InDelta(t, 6.5/13, c.X, 1e-5)
	require.InDelta(t, 6.5/13, c.Y, 1e-5)
	require.InDelta(t, 116.0/416, c.W, 1e-5)
	require.InDelta(t, 90.0/416, c.H, 1e-5)
	require.Equal(t, 0, c.Class)
	require.InDelta(t, 1, c.Confidence, 1e-5)

	geom := Geometry{NetWidth: 416, NetHeight: 416, ImageWidth: 416, ImageHeight: 416}
	CorrectBoxes(cands, geom)
	objs := ToObjects(cands, geom, nn.DefaultScoreThreshold)
	require.Len(t, objs, 1)
	cx := 6.5 / 13 * 416
	require.InDelta(t, cx-116.0/2, objs[0].Box.X1, 1e-2)
	require.InDelta(t, cx+116.0/2, objs[0].Box.X2, 1e-2)
	require.InDelta(t, cx-90.0/2, objs[0].Box.Y1, 1e-2)
	require.InDelta(t, cx+90.0/2, objs[0].Box.Y2, 1e-2)
}

func TestDecodeThresholds(t *testing.T) {
	classCount := 4
	layer := &Layers(416, 416)[0]
	data := makeLayerTensor(layer, classCount)
	// objectness sigmoid(-0.9) ~= 0.289, below threshold, even with a confident class
	setAnchor(data, layer, classCount, 0, 0, 0, 0, 0, 0, 0, -0.9, map[int]float32{1: veryPositive})
	// objectness ~= 1, but best class prob sigmoid(-0.9) ~= 0.289
	setAnchor(data, layer, classCount, 1, 1, 1, 0, 0, 0, 0, veryPositive, map[int]float32{2: -0.9})
	// objectness 0.75, class 0.75 -> 0.5625
	setAnchor(data, layer, classCount, 2, 2, 2, 0, 0, 0, 0, 1.0986123, map[int]float32{3: 1.0986123})

	cands, err := DecodeLayer(nil, data, layer, classCount, 416, 416, nn.NewDetectionParams())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, 3, cands[0].Class)
	require.InDelta(t, 0.5625, cands[0].Confidence, 1e-3)
}

func TestDecodeThresholdProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	classCount := 5
	layer := &Layers(320, 320)[0]
	data := make([]float32, layer.TensorLen(classCount))
	for i := range data {
		data[i] = float32(rng.Float64()*8 - 4)
	}
	params := nn.NewDetectionParams()
	cands, err := DecodeLayer(nil, data, layer, classCount, 320, 320, params)
	require.NoError(t, err)
	require.NotEmpty(t, cands)

	// Brute force: every cell/anchor that passes both thresholds, and nothing else
	entry := BoxDim + 1 + classCount
	expect := 0
	for j := 0; j < layer.GridW*layer.GridH; j++ {
		for k := 0; k < AnchorsPerCell; k++ {
			b := data[entry*AnchorsPerCell*j+k*entry:]
			obj := fastmath.Sigmoid(b[BoxDim])
			if obj <= params.ObjectnessThreshold {
				continue
			}
			best := float32(0)
			for c := 0; c < classCount; c++ {
				best = max(best, fastmath.Sigmoid(b[BoxDim+1+c])*obj)
			}
			if best > params.ScoreThreshold {
				expect++
			}
		}
	}
	require.Equal(t, expect, len(cands))
	for _, c := range cands {
		require.Greater(t, c.Confidence, params.ScoreThreshold)
	}
}

func TestShortTensor(t *testing.T) {
	layer := &Layers(416, 416)[0]
	_, err := DecodeLayer(nil, make([]float32, 10), layer, 80, 416, 416, nn.NewDetectionParams())
	require.ErrorIs(t, err, ErrShortTensor)
}

func TestRawDecoder(t *testing.T) {
	classCount := 3
	dec, err := NewDecoder(ModelTypeRaw, classCount, nil)
	require.NoError(t, err)

	layers := Layers(416, 416)
	tensors := make([][]byte, 3)
	for i := range layers {
		data := makeLayerTensor(&layers[i], classCount)
		if i == 1 {
			setAnchor(data, &layers[i], classCount, 13, 13, 0, 0, 0, 0, 0, veryPositive, map[int]float32{2: veryPositive})
		}
		tensors[i] = Float32Bytes(data)
	}

	// 640x480 letterboxed into 416x416: content is 416x312, with 52 pixels of padding top and bottom
	geom := Geometry{NetWidth: 416, NetHeight: 416, ImageWidth: 640, ImageHeight: 480}
	objs, err := dec.Decode(tensors, geom)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	o := objs[0]
	require.Equal(t, 2, o.Class)
	// Network center (13.5/26 of 416 = 216) maps to (216-52)/312 of 480 in y
	scale := float32(416.0 / 640.0)
	cx := float32(13.5/26*416) / scale
	cy := (float32(13.5/26*416) - 52) / scale
	w := 30 / scale
	h := 61 / scale
	require.InDelta(t, cx-w/2, o.Box.X1, 0.05)
	require.InDelta(t, cy-h/2, o.Box.Y1, 0.05)
	require.InDelta(t, cx+w/2, o.Box.X2, 0.05)
	require.InDelta(t, cy+h/2, o.Box.Y2, 0.05)

	_, err = dec.Decode(nil, geom)
	require.ErrorIs(t, err, ErrEmptyOutput)
	_, err = dec.Decode(tensors[:2], geom)
	require.ErrorIs(t, err, ErrTensorCount)
	_, err = dec.Decode(tensors, Geometry{NetWidth: 416, NetHeight: 416})
	require.ErrorIs(t, err, ErrBadGeometry)
}

func TestCorrectBoxes(t *testing.T) {
	geom := Geometry{NetWidth: 416, NetHeight: 416, ImageWidth: 640, ImageHeight: 480}
	cands := []Candidate{
		{X: 0.5, Y: 0.5, W: 0.1, H: 0.1},
		{X: 0, Y: 52.0 / 416, W: 0.1, H: 0.1},
	}
	CorrectBoxes(cands, geom)
	require.InDelta(t, 0.5, cands[0].X, 1e-5)
	require.InDelta(t, 0.5, cands[0].Y, 1e-5)
	require.InDelta(t, 0.1, cands[0].W, 1e-5)
	require.InDelta(t, 0.1*416.0/312.0, cands[0].H, 1e-5)
	require.InDelta(t, 0, cands[1].X, 1e-5)
	require.InDelta(t, 0, cands[1].Y, 1e-5)
}

func TestNMSSuppressesOverlap(t *testing.T) {
	// 40x40 boxes with centers 2 pixels apart have IoU ~0.905
	a := Candidate{X: 100, Y: 100, W: 40, H: 40, Class: 1, Confidence: 0.8}
	b := Candidate{X: 102, Y: 100, W: 40, H: 40, Class: 1, Confidence: 0.9}
	require.Greater(t, a.box().IOU(b.box()), float32(0.9))
	kept := NMS([]Candidate{a, b}, nn.DefaultNmsIouThreshold)
	require.Equal(t, []Candidate{b}, kept)

	// Same geometry, different classes: nothing is suppressed
	b.Class = 2
	kept = NMS([]Candidate{a, b}, nn.DefaultNmsIouThreshold)
	require.Len(t, kept, 2)
	require.Equal(t, 1, kept[0].Class)
	require.Equal(t, 2, kept[1].Class)

	require.Empty(t, NMS(nil, 0.45))
}

func TestNMSProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	cands := []Candidate{}
	for i := 0; i < 300; i++ {
		cands = append(cands, Candidate{
			X:          float32(rng.Float64() * 200),
			Y:          float32(rng.Float64() * 200),
			W:          float32(10 + rng.Float64()*40),
			H:          float32(10 + rng.Float64()*40),
			Class:      rng.IntN(3),
			Confidence: float32(rng.Float64()),
		})
	}
	kept := NMS(cands, nn.DefaultNmsIouThreshold)
	require.NotEmpty(t, kept)
	require.Less(t, len(kept), len(cands))
	for i := range kept {
		for j := i + 1; j < len(kept); j++ {
			if kept[i].Class == kept[j].Class {
				require.LessOrEqual(t, kept[i].box().IOU(kept[j].box()), float32(nn.DefaultNmsIouThreshold))
			}
		}
	}

	// The highest confidence box of every class always survives
	best := map[int]Candidate{}
	for _, c := range cands {
		if c.Confidence > best[c.Class].Confidence {
			best[c.Class] = c
		}
	}
	for _, b := range best {
		require.Contains(t, kept, b)
	}
}

func TestPreDecoded(t *testing.T) {
	dec, err := NewDecoder(ModelTypePreDecoded, 0, nil)
	require.NoError(t, err)
	// Two boxes, plane layout [ltx][lty][rbx][rby][conf][class]
	planes := []float32{
		10, 100,
		20, 200,
		30, 300,
		40, 400,
		0.9, 0.6,
		0, 7,
		// Trailing capacity that must be ignored
		-1, -1, -1, -1,
	}
	geom := Geometry{NetWidth: 416, NetHeight: 416, ImageWidth: 1280, ImageHeight: 720}
	objs, err := dec.Decode([][]byte{Float32Bytes(planes), Uint32Bytes([]uint32{2})}, geom)
	require.NoError(t, err)
	require.Equal(t, []nn.ObjectDetection{
		{Class: 0, Confidence: 0.9, Box: nn.Box{X1: 10, Y1: 20, X2: 30, Y2: 40}},
		{Class: 7, Confidence: 0.6, Box: nn.Box{X1: 100, Y1: 200, X2: 300, Y2: 400}},
	}, objs)

	_, err = dec.Decode([][]byte{Float32Bytes(planes), Uint32Bytes([]uint32{5})}, geom)
	require.ErrorIs(t, err, ErrShortTensor)
	_, err = dec.Decode([][]byte{}, geom)
	require.ErrorIs(t, err, ErrEmptyOutput)
	_, err = dec.Decode([][]byte{Float32Bytes(planes)}, geom)
	require.ErrorIs(t, err, ErrTensorCount)
}

func TestParseModelType(t *testing.T) {
	mt, err := ParseModelType(1)
	require.NoError(t, err)
	require.Equal(t, ModelTypeRaw, mt)
	_, err = ParseModelType(2)
	require.ErrorIs(t, err, ErrUnknownModel)
	_, err = NewDecoder(ModelType(9), 80, nil)
	require.ErrorIs(t, err, ErrUnknownModel)
}
