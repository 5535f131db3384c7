// Package yolo decodes the output tensors of YOLOv3 style object detection models.
//
// Two output conventions are supported:
//
//	ModelTypePreDecoded: the model (or the device) already produced final boxes.
//	ModelTypeRaw:        three raw feature maps at strides 32, 16 and 8, which we decode,
//	                     letterbox-correct and run through per-class NMS.
package yolo

import (
	"errors"
	"fmt"

	"github.com/cyclopcam/inferpipe/pkg/nn"
)

type ModelType int

const (
	ModelTypePreDecoded ModelType = 0 // Boxes decoded on device (Caffe YOLOv3 with a detection output layer)
	ModelTypeRaw        ModelType = 1 // Raw feature maps (TensorFlow YOLOv3)
)

const (
	DefaultClassCount = 80
	NumLayers         = 3 // Detection layers, at strides 32, 16, 8
	AnchorsPerCell    = 3
	BoxDim            = 4 // tx, ty, tw, th
)

// Anchor (width, height) pairs in network input pixels, finest stride first
var Biases = [18]float32{10, 13, 16, 30, 33, 23, 30, 61, 62, 45, 59, 119, 116, 90, 156, 198, 373, 326}

var (
	ErrEmptyOutput  = errors.New("yolo: model output is empty")
	ErrShortTensor  = errors.New("yolo: output tensor is smaller than expected")
	ErrTensorCount  = errors.New("yolo: wrong number of output tensors")
	ErrBadGeometry  = errors.New("yolo: invalid geometry")
	ErrUnknownModel = errors.New("yolo: unknown model type")
)

func (t ModelType) String() string {
	switch t {
	case ModelTypePreDecoded:
		return "predecoded"
	case ModelTypeRaw:
		return "raw"
	}
	return fmt.Sprintf("ModelType(%d)", int(t))
}

// ParseModelType validates the integer tag used in configuration files
func ParseModelType(v int) (ModelType, error) {
	switch ModelType(v) {
	case ModelTypePreDecoded, ModelTypeRaw:
		return ModelType(v), nil
	}
	return 0, fmt.Errorf("%w: %v", ErrUnknownModel, v)
}

// Geometry of one inference: the network input size, and the size of the original image
// that was letterboxed into it.
type Geometry struct {
	NetWidth    int
	NetHeight   int
	ImageWidth  int
	ImageHeight int
}

func (g Geometry) valid() bool {
	return g.NetWidth > 0 && g.NetHeight > 0 && g.ImageWidth > 0 && g.ImageHeight > 0
}

// Decoder turns raw output tensors into detections in original image pixel space
type Decoder interface {
	Decode(tensors [][]byte, geom Geometry) ([]nn.ObjectDetection, error)
}

// NewDecoder returns the decoder for a model output convention
func NewDecoder(modelType ModelType, classCount int, params *nn.DetectionParams) (Decoder, error) {
	if params == nil {
		params = nn.NewDetectionParams()
	}
	switch modelType {
	case ModelTypePreDecoded:
		return &PreDecodedDecoder{}, nil
	case ModelTypeRaw:
		if classCount <= 0 {
			return nil, fmt.Errorf("Invalid class count %v", classCount)
		}
		return &RawDecoder{
			ClassCount: classCount,
			Params:     *params,
		}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownModel, int(modelType))
}
