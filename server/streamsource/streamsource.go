// Package streamsource is the first stage of the pipeline. It reads encoded video from files or
// RTSP cameras, and emits one EncodedFrame per access unit, followed by exactly one EOF.
package streamsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cyclopcam/inferpipe/pkg/videox"
	"github.com/cyclopcam/inferpipe/server/config"
	"github.com/cyclopcam/inferpipe/server/pipeline"
	"github.com/cyclopcam/logs"
)

type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// States holds the state of every channel's source, so that it can be observed from outside
// the pipeline (for example by the status API).
type States struct {
	states []atomic.Int32
	frames []atomic.Uint64
}

func NewStates(channelCount int) *States {
	return &States{
		states: make([]atomic.Int32, channelCount),
		frames: make([]atomic.Uint64, channelCount),
	}
}

func (s *States) Get(channel int) State {
	return State(s.states[channel].Load())
}

// Frames returns the number of frames emitted by a channel
func (s *States) Frames(channel int) uint64 {
	return s.frames[channel].Load()
}

func (s *States) ChannelCount() int {
	return len(s.states)
}

func (s *States) set(channel int, state State) {
	s.states[channel].Store(int32(state))
}

// Source reads the streams of the channels that it is assigned. Each channel gets its own
// read goroutine.
type Source struct {
	Open   func(ctx context.Context, location string) (Reader, error) // Defaults to streamsource.Open
	states *States
	log    logs.Log
	ictx   *pipeline.InitContext
	cfg    *config.Config
}

// New returns a source whose channel states are published to states, which may be nil
func New(states *States) *Source {
	return &Source{
		Open:   Open,
		states: states,
	}
}

func (s *Source) Init(ctx *pipeline.InitContext) error {
	s.ictx = ctx
	s.log = ctx.Log
	s.cfg = ctx.Config
	if s.states == nil {
		s.states = NewStates(ctx.ChannelCount)
	}
	for _, ch := range ctx.Channels {
		if ch >= len(s.cfg.Streams) || s.cfg.Streams[ch] == "" {
			return fmt.Errorf("No stream configured for channel %v (%v)", ch, config.StreamKey(ch))
		}
		s.states.set(ch, StateConnecting)
	}
	return nil
}

func (s *Source) Process(msg pipeline.Message) error {
	return errors.New("A stream source has no inputs")
}

func (s *Source) DeInit() error {
	return nil
}

func (s *Source) MakeEOF(channel int) pipeline.Message {
	return &pipeline.EncodedFrame{ChannelID: channel, IsEOF: true}
}

func (s *Source) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range s.ictx.Channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runChannel(ctx, ch)
		}()
	}
	wg.Wait()
	return nil
}

// ValidateGeometry checks a stream's picture size against the limits that the decoder accepts
func ValidateGeometry(width, height int) error {
	if width < config.MinDimension || width > config.MaxDimension || height < config.MinDimension || height > config.MaxDimension {
		return fmt.Errorf("Stream geometry %vx%v is outside of [%v, %v]", width, height, config.MinDimension, config.MaxDimension)
	}
	return nil
}

func (s *Source) runChannel(ctx context.Context, ch int) {
	location := s.cfg.Streams[ch]
	defer func() {
		s.states.set(ch, StateDraining)
		if err := s.ictx.Send(s.MakeEOF(ch)); err != nil {
			s.log.Warnf("Channel %v: %v", ch, err)
		}
		s.states.set(ch, StateClosed)
	}()

	s.states.set(ch, StateConnecting)
	reader, err := s.Open(ctx, location)
	if err != nil {
		s.log.Errorf("Channel %v: failed to open %v: %v", ch, location, err)
		return
	}
	defer reader.Close()
	s.states.set(ch, StateStreaming)
	s.log.Infof("Channel %v: streaming %v", ch, location)

	frameID := uint64(0)
	lastW, lastH := 0, 0
	for {
		au, err := reader.ReadAccessUnit(ctx)
		if errors.Is(err, ErrMalformed) || (err == nil && len(au) == 0) {
			s.ictx.Stats.Dropped.Add(1)
			s.log.Debugf("Channel %v: dropped read: %v", ch, err)
			continue
		} else if err == io.EOF {
			s.log.Infof("Channel %v: end of stream after %v frames", ch, frameID)
			return
		} else if errors.Is(err, context.Canceled) {
			s.log.Infof("Channel %v: stopped after %v frames", ch, frameID)
			return
		} else if err != nil {
			s.log.Errorf("Channel %v: read failed: %v", ch, err)
			return
		}

		codec := reader.Codec()
		if codec != videox.CodecH264 && codec != videox.CodecH265 {
			s.log.Errorf("Channel %v: unsupported codec %v", ch, codec)
			return
		}
		width, height := reader.Geometry()
		if width != lastW || height != lastH {
			if err := ValidateGeometry(width, height); err != nil {
				s.log.Errorf("Channel %v: %v", ch, err)
				return
			}
			lastW, lastH = width, height
		}
		payload, err := videox.MarshalAccessUnit(au)
		if err != nil {
			s.ictx.Stats.Dropped.Add(1)
			s.log.Debugf("Channel %v: dropped access unit: %v", ch, err)
			continue
		}
		frame := &pipeline.EncodedFrame{
			ChannelID: ch,
			FrameID:   frameID,
			Codec:     codec,
			Width:     width,
			Height:    height,
			Payload:   payload,
		}
		if err := s.ictx.Send(frame); err != nil {
			s.log.Warnf("Channel %v: %v", ch, err)
			return
		}
		frameID++
		s.states.frames[ch].Store(frameID)
	}
}
