package yolo

import (
	"fmt"

	"github.com/cyclopcam/inferpipe/pkg/fastmath"
	"github.com/cyclopcam/inferpipe/pkg/nn"
)

// Candidate is a decoded box in normalized center form, before NMS.
// X, Y, W, H are fractions of the network input (or of the image, after CorrectBoxes).
type Candidate struct {
	X          float32
	Y          float32
	W          float32
	H          float32
	Class      int
	Confidence float32
}

// Anchor is a prior box size in network input pixels
type Anchor struct {
	Width  float32
	Height float32
}

// Layer describes one detection layer of the network
type Layer struct {
	Stride  int
	GridW   int
	GridH   int
	Anchors [AnchorsPerCell]Anchor
}

// Layers returns the detection layers for a network input size.
// Layer 0 has stride 32 and uses the last 6 bias values. Layer 2 has stride 8 and uses the first 6.
func Layers(netWidth, netHeight int) []Layer {
	layers := make([]Layer, NumLayers)
	for i := range layers {
		stride := 32 >> i
		start := (NumLayers - 1 - i) * AnchorsPerCell * 2
		l := Layer{
			Stride: stride,
			GridW:  netWidth / stride,
			GridH:  netHeight / stride,
		}
		for k := 0; k < AnchorsPerCell; k++ {
			l.Anchors[k] = Anchor{
				Width:  Biases[start+2*k],
				Height: Biases[start+2*k+1],
			}
		}
		layers[i] = l
	}
	return layers
}

// Number of float32 values in the output tensor of this layer
func (l *Layer) TensorLen(classCount int) int {
	return l.GridW * l.GridH * AnchorsPerCell * (BoxDim + 1 + classCount)
}

// DecodeLayer appends the candidates of one detection layer to 'out'.
// data is the layer's output tensor, laid out as [cell][anchor][tx ty tw th obj class0..classN-1].
func DecodeLayer(out []Candidate, data []float32, layer *Layer, classCount int, netWidth, netHeight int, params *nn.DetectionParams) ([]Candidate, error) {
	if len(data) < layer.TensorLen(classCount) {
		return out, fmt.Errorf("%w: stride %v layer has %v values, need %v", ErrShortTensor, layer.Stride, len(data), layer.TensorLen(classCount))
	}
	entry := BoxDim + 1 + classCount
	nCells := layer.GridW * layer.GridH
	for j := 0; j < nCells; j++ {
		row := j / layer.GridW
		col := j % layer.GridW
		for k := 0; k < AnchorsPerCell; k++ {
			b := data[entry*AnchorsPerCell*j+k*entry:]
			objectness := fastmath.Sigmoid(b[BoxDim])
			if objectness <= params.ObjectnessThreshold {
				continue
			}
			maxProb := params.ScoreThreshold
			classID := -1
			for c := 0; c < classCount; c++ {
				prob := fastmath.Sigmoid(b[BoxDim+1+c]) * objectness
				if prob > maxProb {
					maxProb = prob
					classID = c
				}
			}
			if classID < 0 {
				continue
			}
			out = append(out, Candidate{
				X:          (float32(col) + fastmath.Sigmoid(b[0])) / float32(layer.GridW),
				Y:          (float32(row) + fastmath.Sigmoid(b[1])) / float32(layer.GridH),
				W:          fastmath.Exp(b[2]) * layer.Anchors[k].Width / float32(netWidth),
				H:          fastmath.Exp(b[3]) * layer.Anchors[k].Height / float32(netHeight),
				Class:      classID,
				Confidence: maxProb,
			})
		}
	}
	return out, nil
}

// RawDecoder decodes the three raw feature maps of a YOLOv3 network
type RawDecoder struct {
	ClassCount int
	Params     nn.DetectionParams
}

func (d *RawDecoder) Decode(tensors [][]byte, geom Geometry) ([]nn.ObjectDetection, error) {
	if len(tensors) == 0 {
		return nil, ErrEmptyOutput
	}
	if len(tensors) < NumLayers {
		return nil, fmt.Errorf("%w: have %v, need %v", ErrTensorCount, len(tensors), NumLayers)
	}
	if !geom.valid() {
		return nil, fmt.Errorf("%w: %+v", ErrBadGeometry, geom)
	}
	var cands []Candidate
	layers := Layers(geom.NetWidth, geom.NetHeight)
	for i := range layers {
		var err error
		cands, err = DecodeLayer(cands, Float32s(tensors[i]), &layers[i], d.ClassCount, geom.NetWidth, geom.NetHeight, &d.Params)
		if err != nil {
			return nil, err
		}
	}
	CorrectBoxes(cands, geom)
	cands = NMS(cands, d.Params.NmsIouThreshold)
	return ToObjects(cands, geom, d.Params.ScoreThreshold), nil
}

// ToObjects converts normalized center-form candidates into pixel-space corner boxes,
// clamped to the image. Candidates at or below scoreThreshold are dropped.
func ToObjects(cands []Candidate, geom Geometry, scoreThreshold float32) []nn.ObjectDetection {
	imgW := float32(geom.ImageWidth)
	imgH := float32(geom.ImageHeight)
	objects := make([]nn.ObjectDetection, 0, len(cands))
	for _, c := range cands {
		if c.Confidence <= scoreThreshold || c.Class < 0 {
			continue
		}
		box := nn.BoxFromCenter(c.X*imgW, c.Y*imgH, c.W*imgW, c.H*imgH)
		objects = append(objects, nn.ObjectDetection{
			Class:      c.Class,
			Confidence: c.Confidence,
			Box:        box.Clamp(imgW, imgH),
		})
	}
	return objects
}
