// Package sim is a simulated compute device.
// Its media engine "decodes" Annex-B access units into synthetic pictures that contain
// one bright object, and its inference engine finds that object and emits YOLOv3 style tensors.
// This lets the whole pipeline run, and be tested, without video or NN hardware.
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/inferpipe/pkg/videox"
	"github.com/cyclopcam/inferpipe/server/engine"
	"github.com/cyclopcam/logs"
)

// Brightness of the synthetic object. The background is black.
const ObjectBrightness = 240

// ObjectRect returns the position of the synthetic object in a picture of the given size.
// The object drifts horizontally with the frame id.
func ObjectRect(width, height int, frameID uint64) (x1, y1, x2, y2 int) {
	ow := width / 4
	oh := height / 4
	span := width - ow
	x1 = int((frameID * 7) % uint64(span))
	y1 = height / 3
	return x1, y1, x1 + ow, y1 + oh
}

// RenderPicture draws the synthetic picture for a frame into img
func RenderPicture(img *cimg.Image, frameID uint64) {
	nchan := img.NChan()
	for y := 0; y < img.Height; y++ {
		clear(img.Pixels[y*img.Stride : y*img.Stride+img.Width*nchan])
	}
	x1, y1, x2, y2 := ObjectRect(img.Width, img.Height, frameID)
	for y := y1; y < y2; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := x1 * nchan; x < x2*nchan; x++ {
			row[x] = ObjectBrightness
		}
	}
}

type MediaEngine struct {
	log     logs.Log
	latency time.Duration

	mu      sync.Mutex
	devices map[int]*device
	closed  bool

	inputsInUse  atomic.Int64
	outputsInUse atomic.Int64
}

func NewMediaEngine(log logs.Log, decodeLatency time.Duration) *MediaEngine {
	return &MediaEngine{
		log:     log,
		latency: decodeLatency,
		devices: map[int]*device{},
	}
}

// Number of input and output buffers that have been handed out and not yet released
func (e *MediaEngine) BuffersInUse() (inputs, outputs int64) {
	return e.inputsInUse.Load(), e.outputsInUse.Load()
}

type decodeJob struct {
	ch      *decodeChannel
	payload []byte
	token   engine.Token
}

// device owns the notification goroutine. Every completion for every channel on
// this device is delivered from here, in submission order.
type device struct {
	id      int
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []*decodeJob
	closed  bool
	stopped chan struct{}
}

func (e *MediaEngine) getDevice(id int) (*device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engine.ErrEngineClosed
	}
	d := e.devices[id]
	if d == nil {
		d = &device{
			id:      id,
			stopped: make(chan struct{}),
		}
		d.cond = sync.NewCond(&d.mu)
		e.devices[id] = d
		go e.notifyThread(d)
	}
	return d, nil
}

func (e *MediaEngine) OpenChannel(params engine.DecodeParams, callback engine.DecodeCallback) (engine.DecodeChannel, error) {
	if params.Codec != videox.CodecH264 && params.Codec != videox.CodecH265 {
		return nil, fmt.Errorf("Unsupported codec %v", params.Codec)
	}
	if params.Width <= 0 || params.Height <= 0 {
		return nil, fmt.Errorf("Invalid decode geometry %vx%v", params.Width, params.Height)
	}
	if callback == nil {
		return nil, fmt.Errorf("Decode callback may not be nil")
	}
	dev, err := e.getDevice(params.Device)
	if err != nil {
		return nil, err
	}
	e.log.Debugf("sim: opened decode channel %v on device %v (%v %vx%v)", params.Channel, params.Device, params.Codec, params.Width, params.Height)
	return &decodeChannel{
		engine:   e,
		dev:      dev,
		params:   params,
		callback: callback,
	}, nil
}

// Close stops every notification goroutine, after delivering all queued completions
func (e *MediaEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	devices := e.devices
	e.mu.Unlock()
	for _, d := range devices {
		d.mu.Lock()
		d.closed = true
		d.cond.Broadcast()
		d.mu.Unlock()
		<-d.stopped
	}
	return nil
}

func (e *MediaEngine) notifyThread(d *device) {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		for len(d.jobs) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.jobs) == 0 {
			d.mu.Unlock()
			return
		}
		job := d.jobs[0]
		d.jobs[0] = nil
		d.jobs = d.jobs[1:]
		d.mu.Unlock()

		if e.latency != 0 {
			time.Sleep(e.latency)
		}
		e.complete(job)
	}
}

func (e *MediaEngine) complete(job *decodeJob) {
	defer job.ch.pending.Done()
	releaseInput := func() {
		e.inputsInUse.Add(-1)
	}
	var picture *cimg.Image
	err := e.decode(job)
	if err == nil {
		picture = job.ch.getPicture()
		RenderPicture(picture, job.token.FrameID)
		e.outputsInUse.Add(1)
	}
	var releaseOutput func()
	if picture != nil {
		releaseOutput = func() {
			job.ch.putPicture(picture)
			e.outputsInUse.Add(-1)
		}
	}
	job.ch.callback(engine.NewDecodeResult(job.token, picture, err, releaseInput, releaseOutput))
}

// decode verifies that the payload is an access unit with picture data, and that any SPS
// agrees with the geometry the channel was opened with.
func (e *MediaEngine) decode(job *decodeJob) error {
	nalus, err := videox.UnmarshalAccessUnit(job.payload)
	if err != nil {
		return fmt.Errorf("Invalid access unit: %w", err)
	}
	hasPicture := false
	for _, n := range nalus {
		if videox.AbstractType(job.ch.params.Codec, n).IsVisual() {
			hasPicture = true
		}
		if videox.IsSPS(job.ch.params.Codec, n) {
			if w, h, err := videox.ParseSPSGeometry(job.ch.params.Codec, n); err == nil && (w != job.ch.params.Width || h != job.ch.params.Height) {
				return fmt.Errorf("SPS geometry %vx%v does not match channel geometry %vx%v", w, h, job.ch.params.Width, job.ch.params.Height)
			}
		}
	}
	if !hasPicture {
		return engine.ErrNoPicture
	}
	return nil
}

type decodeChannel struct {
	engine   *MediaEngine
	dev      *device
	params   engine.DecodeParams
	callback engine.DecodeCallback
	pending  sync.WaitGroup
	closed   atomic.Bool

	picLock  sync.Mutex
	pictures []*cimg.Image // Free list of output pictures
}

func (c *decodeChannel) getPicture() *cimg.Image {
	c.picLock.Lock()
	defer c.picLock.Unlock()
	if n := len(c.pictures); n != 0 {
		p := c.pictures[n-1]
		c.pictures = c.pictures[:n-1]
		return p
	}
	return cimg.NewImage(c.params.Width, c.params.Height, cimg.PixelFormatRGB)
}

func (c *decodeChannel) putPicture(p *cimg.Image) {
	c.picLock.Lock()
	c.pictures = append(c.pictures, p)
	c.picLock.Unlock()
}

func (c *decodeChannel) Submit(payload []byte, token engine.Token) error {
	if c.closed.Load() {
		return engine.ErrChannelClosed
	}
	job := &decodeJob{
		ch:      c,
		payload: append([]byte(nil), payload...),
		token:   token,
	}
	c.pending.Add(1)
	c.dev.mu.Lock()
	if c.dev.closed {
		c.dev.mu.Unlock()
		c.pending.Done()
		return engine.ErrEngineClosed
	}
	c.engine.inputsInUse.Add(1)
	c.dev.jobs = append(c.dev.jobs, job)
	c.dev.cond.Signal()
	c.dev.mu.Unlock()
	return nil
}

func (c *decodeChannel) Flush() error {
	c.pending.Wait()
	return nil
}

func (c *decodeChannel) Close() error {
	c.closed.Store(true)
	c.pending.Wait()
	return nil
}
