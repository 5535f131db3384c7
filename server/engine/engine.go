// Package engine defines the collaborators that do the heavy lifting for the pipeline:
// decoding video, resizing pictures, and running neural networks.
// The pipeline only talks to these interfaces. Implementations live in sub-packages.
package engine

import (
	"errors"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/inferpipe/pkg/videox"
)

var (
	ErrChannelClosed = errors.New("decode channel is closed")
	ErrEngineClosed  = errors.New("engine is closed")
	ErrNoPicture     = errors.New("access unit did not produce a picture")
)

// Token travels with a submitted payload, and comes back with its decode completion
type Token struct {
	Channel int
	FrameID uint64
	Width   int // Source width
	Height  int // Source height
}

// DecodeResult is delivered to a DecodeCallback once per submitted payload.
// Picture is engine memory, and is only valid until ReleaseOutput is called.
type DecodeResult struct {
	Token   Token
	Picture *cimg.Image
	Err     error

	releaseInput  func()
	releaseOutput func()
}

// NewDecodeResult is used by engine implementations to build a completion
func NewDecodeResult(token Token, picture *cimg.Image, err error, releaseInput, releaseOutput func()) *DecodeResult {
	return &DecodeResult{
		Token:         token,
		Picture:       picture,
		Err:           err,
		releaseInput:  releaseInput,
		releaseOutput: releaseOutput,
	}
}

// ReleaseInput returns the compressed input buffer to the engine. Safe to call more than once.
func (r *DecodeResult) ReleaseInput() {
	if r.releaseInput != nil {
		r.releaseInput()
		r.releaseInput = nil
	}
}

// ReleaseOutput returns the picture buffer to the engine. Safe to call more than once.
func (r *DecodeResult) ReleaseOutput() {
	if r.releaseOutput != nil {
		r.releaseOutput()
		r.releaseOutput = nil
	}
	r.Picture = nil
}

// DecodeCallback runs on the engine's notification goroutine for the device that owns the channel.
// Completions for one channel arrive in submission order.
type DecodeCallback func(res *DecodeResult)

// DecodeParams describes the stream that a decode channel will receive
type DecodeParams struct {
	Channel int
	Device  int
	Codec   videox.Codec
	Width   int
	Height  int
}

type MediaEngine interface {
	OpenChannel(params DecodeParams, callback DecodeCallback) (DecodeChannel, error)
	Close() error
}

type DecodeChannel interface {
	// Submit queues an Annex-B access unit for decoding, and returns without waiting for the result
	Submit(payload []byte, token Token) error
	// Flush blocks until the callback has returned for every payload submitted so far
	Flush() error
	Close() error
}

type ResizeEngine interface {
	// Resize fits src into dst, preserving aspect ratio and centering the picture between black bars
	Resize(src, dst *cimg.Image) error
}

type InferenceEngine interface {
	LoadModel(path string) (Model, error)
	Close() error
}

type Model interface {
	InputSizes() []int  // Byte size of every input tensor
	OutputSizes() []int // Byte size of every output tensor
	// Execute runs the network synchronously. Outputs must be pre-allocated with OutputSizes().
	Execute(inputs [][]byte, outputs [][]byte) error
	Close()
}
