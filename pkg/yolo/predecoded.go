package yolo

import (
	"fmt"

	"github.com/cyclopcam/inferpipe/pkg/nn"
)

// Number of planes in the pre-decoded box tensor: ltx, lty, rbx, rby, confidence, class
const preDecodedPlanes = 6

// PreDecodedDecoder reads boxes that were already decoded (and NMS'ed) by the model.
// Tensor 0 holds six planes of K float32 values each; the first uint32 of tensor 1 is K.
// Coordinates are already in original image pixels.
type PreDecodedDecoder struct{}

func (d *PreDecodedDecoder) Decode(tensors [][]byte, geom Geometry) ([]nn.ObjectDetection, error) {
	if len(tensors) == 0 {
		return nil, ErrEmptyOutput
	}
	if len(tensors) < 2 {
		return nil, fmt.Errorf("%w: have %v, need 2", ErrTensorCount, len(tensors))
	}
	count := Uint32s(tensors[1])
	if len(count) == 0 {
		return nil, fmt.Errorf("%w: box count tensor has %v bytes", ErrShortTensor, len(tensors[1]))
	}
	k := int(count[0])
	planes := Float32s(tensors[0])
	if len(planes) < k*preDecodedPlanes {
		return nil, fmt.Errorf("%w: %v boxes need %v values, have %v", ErrShortTensor, k, k*preDecodedPlanes, len(planes))
	}
	objects := make([]nn.ObjectDetection, 0, k)
	for i := 0; i < k; i++ {
		objects = append(objects, nn.ObjectDetection{
			Box: nn.Box{
				X1: planes[i],
				Y1: planes[k+i],
				X2: planes[2*k+i],
				Y2: planes[3*k+i],
			},
			Confidence: planes[4*k+i],
			Class:      int(planes[5*k+i]),
		})
	}
	return objects, nil
}
