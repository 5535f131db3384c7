package pipeline

import (
	"sync/atomic"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/inferpipe/pkg/videox"
	"github.com/cyclopcam/inferpipe/pkg/yolo"
)

// Message is anything that travels along a graph edge
type Message interface {
	Channel() int
	EOF() bool
}

// releaser runs a release function at most once
type releaser struct {
	fn   func()
	done atomic.Bool
}

func (r *releaser) release() {
	if r.fn != nil && r.done.CompareAndSwap(false, true) {
		r.fn()
	}
}

// EncodedFrame is one compressed access unit, produced by a stream source
type EncodedFrame struct {
	ChannelID int
	FrameID   uint64
	Codec     videox.Codec
	Width     int
	Height    int
	Payload   []byte // Annex-B access unit
	IsEOF     bool
}

func (f *EncodedFrame) Channel() int { return f.ChannelID }
func (f *EncodedFrame) EOF() bool    { return f.IsEOF }

// DecodedFrame is a resized picture, ready for inference. The picture lives in a pool slot
// that belongs to the frame decoder, and must be released once the consumer is done with it.
type DecodedFrame struct {
	ChannelID    int
	FrameID      uint64
	SourceWidth  int
	SourceHeight int
	Picture      *cimg.Image
	IsEOF        bool
	rel          releaser
}

func NewDecodedFrame(channel int, frameID uint64, srcWidth, srcHeight int, picture *cimg.Image, release func()) *DecodedFrame {
	return &DecodedFrame{
		ChannelID:    channel,
		FrameID:      frameID,
		SourceWidth:  srcWidth,
		SourceHeight: srcHeight,
		Picture:      picture,
		rel:          releaser{fn: release},
	}
}

func (f *DecodedFrame) Channel() int { return f.ChannelID }
func (f *DecodedFrame) EOF() bool    { return f.IsEOF }

// Release returns the picture to its pool. Calling it more than once has no effect.
func (f *DecodedFrame) Release() {
	f.rel.release()
}

// InferenceOutput holds the raw output tensors of one inference. Like DecodedFrame,
// the tensors live in a pool slot and must be released by the consumer.
type InferenceOutput struct {
	ChannelID int
	FrameID   uint64
	Tensors   [][]byte
	Geometry  yolo.Geometry
	ModelType yolo.ModelType
	IsEOF     bool
	rel       releaser
}

func NewInferenceOutput(channel int, frameID uint64, tensors [][]byte, geom yolo.Geometry, modelType yolo.ModelType, release func()) *InferenceOutput {
	return &InferenceOutput{
		ChannelID: channel,
		FrameID:   frameID,
		Tensors:   tensors,
		Geometry:  geom,
		ModelType: modelType,
		rel:       releaser{fn: release},
	}
}

func (o *InferenceOutput) Channel() int { return o.ChannelID }
func (o *InferenceOutput) EOF() bool    { return o.IsEOF }

func (o *InferenceOutput) Release() {
	o.rel.release()
}
