// Package framedecoder turns encoded frames into resized pictures.
//
// Decoding is asynchronous. Process submits each access unit to the media engine and returns
// immediately. The engine calls back on its notification goroutine, where we apply frame skipping,
// resize into a pool slot, and send the slot downstream. The slot comes back to the pool when the
// model runner releases the DecodedFrame.
package framedecoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/inferpipe/pkg/slotpool"
	"github.com/cyclopcam/inferpipe/server/engine"
	"github.com/cyclopcam/inferpipe/server/log"
	"github.com/cyclopcam/inferpipe/server/perfstats"
	"github.com/cyclopcam/inferpipe/server/pipeline"
	"github.com/cyclopcam/logs"
)

// Decoder is the pipeline module. One instance may serve several channels.
type Decoder struct {
	media     engine.MediaEngine
	resizer   engine.ResizeEngine
	deviceFor func(channel int) int

	log      logs.Log
	errors   *log.Throttle
	ictx     *pipeline.InitContext
	skip     uint64
	width    int // Resize target
	height   int
	channels map[int]*channelState
}

type channelState struct {
	id      int
	decoder engine.DecodeChannel
	failed  bool // Decode channel could not be opened. EOF has already been sent.
	pool    *slotpool.Pool[*cimg.Image]

	// Only touched by the engine's notification goroutine
	counter uint64

	submitLock sync.Mutex
	submitted  map[uint64]time.Time
}

// New creates a decoder module. deviceFor maps a channel to its decode device. If deviceFor is nil,
// every channel uses SystemConfig.deviceId.
func New(media engine.MediaEngine, resizer engine.ResizeEngine, deviceFor func(channel int) int) *Decoder {
	return &Decoder{
		media:     media,
		resizer:   resizer,
		deviceFor: deviceFor,
	}
}

func (d *Decoder) Init(ctx *pipeline.InitContext) error {
	cfg := ctx.Config
	d.ictx = ctx
	d.log = ctx.Log
	d.errors = log.NewThrottle(ctx.Log, log.DefaultThrottleInterval)
	d.skip = uint64(cfg.SkipInterval)
	d.width = cfg.ResizeWidth
	d.height = cfg.ResizeHeight
	if d.deviceFor == nil {
		d.deviceFor = func(channel int) int { return cfg.DeviceID }
	}
	d.channels = map[int]*channelState{}
	for _, ch := range ctx.Channels {
		pool, err := slotpool.New(slotpool.DefaultDepth, func(i int) (*cimg.Image, error) {
			return cimg.NewImage(d.width, d.height, cimg.PixelFormatRGB), nil
		})
		if err != nil {
			return err
		}
		d.channels[ch] = &channelState{
			id:        ch,
			pool:      pool,
			submitted: map[uint64]time.Time{},
		}
	}
	d.log.Infof("Resizing to %vx%v, forwarding 1 of every %v frames", d.width, d.height, d.skip)
	return nil
}

func (d *Decoder) Process(msg pipeline.Message) error {
	if msg.EOF() {
		return d.endOfStream(msg.Channel())
	}
	frame, ok := msg.(*pipeline.EncodedFrame)
	if !ok {
		return fmt.Errorf("Unexpected message %T", msg)
	}
	cs := d.channels[frame.ChannelID]
	if cs == nil {
		return fmt.Errorf("Channel %v is not served by this instance", frame.ChannelID)
	}
	if cs.failed {
		d.ictx.Stats.Dropped.Add(1)
		return nil
	}
	if cs.decoder == nil {
		if err := d.open(cs, frame); err != nil {
			// The channel is finished. Downstream gets its EOF now, and the upstream EOF will be absorbed.
			cs.failed = true
			d.log.Errorf("Channel %v: failed to open decoder: %v", cs.id, err)
			return d.ictx.Send(&pipeline.DecodedFrame{ChannelID: cs.id, IsEOF: true})
		}
	}
	token := engine.Token{
		Channel: frame.ChannelID,
		FrameID: frame.FrameID,
		Width:   frame.Width,
		Height:  frame.Height,
	}
	cs.submitLock.Lock()
	cs.submitted[frame.FrameID] = time.Now()
	cs.submitLock.Unlock()
	if err := cs.decoder.Submit(frame.Payload, token); err != nil {
		cs.submitLock.Lock()
		delete(cs.submitted, frame.FrameID)
		cs.submitLock.Unlock()
		return fmt.Errorf("Submit failed: %w", err)
	}
	return nil
}

func (d *Decoder) open(cs *channelState, frame *pipeline.EncodedFrame) error {
	params := engine.DecodeParams{
		Channel: cs.id,
		Device:  d.deviceFor(cs.id),
		Codec:   frame.Codec,
		Width:   frame.Width,
		Height:  frame.Height,
	}
	dc, err := d.media.OpenChannel(params, func(res *engine.DecodeResult) {
		d.onDecoded(cs, res)
	})
	if err != nil {
		return err
	}
	cs.decoder = dc
	d.log.Infof("Channel %v: decoding %v %vx%v on device %v", cs.id, params.Codec, params.Width, params.Height, params.Device)
	return nil
}

// endOfStream waits for every outstanding completion, and then forwards EOF
func (d *Decoder) endOfStream(ch int) error {
	cs := d.channels[ch]
	if cs == nil {
		return fmt.Errorf("Channel %v is not served by this instance", ch)
	}
	if cs.failed {
		return nil
	}
	if cs.decoder != nil {
		if err := cs.decoder.Flush(); err != nil {
			d.log.Warnf("Channel %v: flush failed: %v", ch, err)
		}
	}
	return d.ictx.Send(&pipeline.DecodedFrame{ChannelID: ch, IsEOF: true})
}

// onDecoded runs on the media engine's notification goroutine
func (d *Decoder) onDecoded(cs *channelState, res *engine.DecodeResult) {
	res.ReleaseInput()
	defer res.ReleaseOutput()

	frameID := res.Token.FrameID
	cs.submitLock.Lock()
	if start, ok := cs.submitted[frameID]; ok {
		perfstats.Stats.Since(perfstats.StageDecode, start)
		delete(cs.submitted, frameID)
	}
	cs.submitLock.Unlock()

	n := cs.counter
	cs.counter++
	if res.Err != nil {
		d.ictx.Stats.Dropped.Add(1)
		d.errors.Errorf("Channel %v frame %v: decode failed: %v", cs.id, frameID, res.Err)
		return
	}
	if n%d.skip != 0 {
		return
	}

	slot, err := cs.pool.Acquire(context.Background())
	if err != nil {
		// Only happens when the pool is closed, which means we're shutting down
		return
	}
	start := time.Now()
	err = d.resizer.Resize(res.Picture, slot.Value)
	perfstats.Stats.Since(perfstats.StageResize, start)
	res.ReleaseOutput()
	if err != nil {
		cs.pool.Release(slot)
		d.ictx.Stats.Dropped.Add(1)
		d.errors.Errorf("Channel %v frame %v: resize failed: %v", cs.id, frameID, err)
		return
	}

	out := pipeline.NewDecodedFrame(cs.id, frameID, res.Token.Width, res.Token.Height, slot.Value, func() {
		cs.pool.Release(slot)
	})
	if err := d.ictx.Send(out); err != nil {
		out.Release()
		if !errors.Is(err, pipeline.ErrStopped) {
			d.errors.Errorf("Channel %v frame %v: %v", cs.id, frameID, err)
		}
	}
}

func (d *Decoder) DeInit() error {
	var firstErr error
	for _, cs := range d.channels {
		if cs.decoder != nil {
			if err := cs.decoder.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			cs.decoder = nil
		}
		cs.pool.Close()
	}
	return firstErr
}
