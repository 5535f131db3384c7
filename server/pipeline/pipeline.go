// Package pipeline runs a graph of stage modules, connected by bounded queues.
//
// Every (role, instance) pair gets its own goroutine and its own input queue. A message for
// channel c that is sent to a role with N instances goes to instance c % N, so per-channel
// ordering is preserved through the whole graph.
//
// Shutdown is cooperative. When the Shutdown flag is set, sources stop reading and send EOF.
// EOF flows through the graph behind every other message of its channel, and each worker exits
// once it has processed EOF for all of its channels. A role with several upstream roles receives
// one EOF per channel from each of them, and its module only sees the last one. After every worker has exited, DeInit is
// called on all modules in reverse graph order.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cyclopcam/inferpipe/server/config"
	"github.com/cyclopcam/inferpipe/server/log"
	"github.com/cyclopcam/logs"
	"golang.org/x/sync/errgroup"
)

type worker struct {
	pipe     *Pipeline
	role     *Role
	roleIdx  int
	instance int
	module   Module
	ctx      *InitContext
	queue    chan Message // nil for sources
	inputs   int          // Number of upstream roles, each of which sends one EOF per channel
	log      logs.Log
	stats    WorkerStats
	finished atomic.Bool
	initDone bool

	// Channels that we have sent EOF for, so that EOF goes out exactly once
	eofLock sync.Mutex
	eofSent map[int]bool

	errors *log.Throttle
}

type Pipeline struct {
	Log          logs.Log
	Config       *config.Config
	ChannelCount int
	QueueSize    int

	graph    Graph
	shutdown *Shutdown
	workers  []*worker
	byRole   [][]*worker
}

// New creates the workers of a pipeline, but does not initialize them
func New(logger logs.Log, cfg *config.Config, graph Graph, channelCount, queueSize int) (*Pipeline, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if channelCount <= 0 {
		return nil, fmt.Errorf("Invalid channel count %v", channelCount)
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("Invalid queue size %v", queueSize)
	}
	p := &Pipeline{
		Log:          logger,
		Config:       cfg,
		ChannelCount: channelCount,
		QueueSize:    queueSize,
		graph:        graph,
		shutdown:     NewShutdown(channelCount),
	}
	for ri := range graph.Roles {
		role := &p.graph.Roles[ri]
		n := role.instanceCount(channelCount)
		isSource := !graph.hasInputs(role.Name)
		instances := []*worker{}
		for i := 0; i < n; i++ {
			w := &worker{
				pipe:     p,
				role:     role,
				roleIdx:  ri,
				instance: i,
				module:   role.New(),
				log:      log.NewStageLogger(logger, role.Name, i),
				eofSent:  map[int]bool{},
				inputs:   graph.inputCount(role.Name),
			}
			w.errors = log.NewThrottle(w.log, log.DefaultThrottleInterval)
			if isSource {
				if _, ok := w.module.(Source); !ok {
					return nil, fmt.Errorf("Role '%v' has no inputs, so it must implement Source", role.Name)
				}
			} else {
				w.queue = make(chan Message, queueSize)
			}
			instances = append(instances, w)
			p.workers = append(p.workers, w)
		}
		p.byRole = append(p.byRole, instances)
	}
	return p, nil
}

func (p *Pipeline) Shutdown() *Shutdown {
	return p.shutdown
}

// channelsOf returns the channels that an instance serves
func (p *Pipeline) channelsOf(w *worker) []int {
	n := len(p.byRole[w.roleIdx])
	chans := []int{}
	for c := 0; c < p.ChannelCount; c++ {
		if c%n == w.instance {
			chans = append(chans, c)
		}
	}
	return chans
}

// Init calls Init on every module, in graph order. If any module fails, the modules
// that were already initialized are de-initialized, and the error is returned.
func (p *Pipeline) Init() error {
	for _, w := range p.workers {
		w.ctx = &InitContext{
			Log:          w.log,
			Role:         w.role.Name,
			Instance:     w.instance,
			Channels:     p.channelsOf(w),
			ChannelCount: p.ChannelCount,
			Config:       p.Config,
			Shutdown:     p.shutdown,
			Stats:        &w.stats,
			send:         w.send,
		}
		if err := w.module.Init(w.ctx); err != nil {
			p.deInit()
			return fmt.Errorf("Failed to initialize %v instance %v: %w", w.role.Name, w.instance, err)
		}
		w.initDone = true
	}
	return nil
}

// deInit calls DeInit on every initialized module, in reverse graph order
func (p *Pipeline) deInit() {
	for i := len(p.workers) - 1; i >= 0; i-- {
		w := p.workers[i]
		if !w.initDone {
			continue
		}
		w.initDone = false
		if err := w.module.DeInit(); err != nil {
			w.log.Errorf("DeInit failed: %v", err)
		}
	}
}

// Run starts every worker, and blocks until all of them have finished.
// Cancelling ctx requests shutdown, which drains the pipeline rather than abandoning it.
func (p *Pipeline) Run(ctx context.Context) error {
	sourceCtx, cancelSources := context.WithCancel(context.Background())
	defer cancelSources()
	go func() {
		select {
		case <-ctx.Done():
			if p.shutdown.Request("stop requested") {
				p.Log.Infof("Pipeline shutdown requested")
			}
		case <-p.shutdown.Done():
		case <-sourceCtx.Done():
			return
		}
		cancelSources()
	}()

	var g errgroup.Group
	for _, w := range p.workers {
		if w.queue == nil {
			g.Go(func() error {
				return w.runSource(sourceCtx)
			})
		} else {
			g.Go(func() error {
				w.runLoop()
				return nil
			})
		}
	}
	err := g.Wait()
	p.Log.Infof("Pipeline finished (%v)", p.shutdown.Reason())
	p.deInit()
	return err
}

// Status returns a snapshot of every worker
func (p *Pipeline) Status() []WorkerStatus {
	all := make([]WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		s := WorkerStatus{
			Role:      w.role.Name,
			Instance:  w.instance,
			Received:  w.stats.Received.Load(),
			Sent:      w.stats.Sent.Load(),
			Errors:    w.stats.Errors.Load(),
			Panics:    w.stats.Panics.Load(),
			Dropped:   w.stats.Dropped.Load(),
			EOFs:      w.stats.EOFs.Load(),
			LastFrame: w.stats.LastFrame.Load(),
			Finished:  w.finished.Load(),
		}
		if w.queue != nil {
			s.QueueDepth = len(w.queue)
			s.QueueCap = cap(w.queue)
		}
		all = append(all, s)
	}
	return all
}

// frameIDOf extracts the frame id of the messages that we know about
func frameIDOf(msg Message) (uint64, bool) {
	switch m := msg.(type) {
	case *EncodedFrame:
		return m.FrameID, true
	case *DecodedFrame:
		return m.FrameID, true
	case *InferenceOutput:
		return m.FrameID, true
	}
	return 0, false
}

// send delivers msg to every downstream role
func (w *worker) send(msg Message) error {
	ch := msg.Channel()
	w.eofLock.Lock()
	if w.eofSent[ch] {
		w.eofLock.Unlock()
		return fmt.Errorf("%w (channel %v)", ErrStopped, ch)
	}
	if msg.EOF() {
		w.eofSent[ch] = true
	}
	w.eofLock.Unlock()

	for _, next := range w.role.Next {
		targets := w.pipe.byRole[w.pipe.graph.index(next)]
		target := targets[ch%len(targets)]
		target.queue <- msg
	}
	if msg.EOF() {
		w.stats.EOFs.Add(1)
	} else {
		w.stats.Sent.Add(1)
		if id, ok := frameIDOf(msg); ok {
			w.stats.LastFrame.Store(id)
		}
	}
	return nil
}

func (w *worker) hasSentEOF(ch int) bool {
	w.eofLock.Lock()
	defer w.eofLock.Unlock()
	return w.eofSent[ch]
}

func (w *worker) runSource(ctx context.Context) (err error) {
	src := w.module.(Source)
	defer func() {
		if r := recover(); r != nil {
			w.stats.Panics.Add(1)
			w.log.Criticalf("Source panic: %v\n%v", r, string(debug.Stack()))
			err = nil
		}
		// Guarantee that every channel of this source is terminated
		for _, ch := range w.ctx.Channels {
			if !w.hasSentEOF(ch) {
				w.log.Warnf("Source exited without EOF for channel %v", ch)
				w.send(src.MakeEOF(ch))
			}
		}
		w.finished.Store(true)
	}()
	if runErr := src.Run(ctx); runErr != nil {
		w.log.Errorf("Source stopped: %v", runErr)
	}
	return nil
}

func (w *worker) process(msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.stats.Panics.Add(1)
			w.log.Criticalf("Panic while processing channel %v: %v\n%v", msg.Channel(), r, string(debug.Stack()))
			err = nil
		}
	}()
	return w.module.Process(msg)
}

func (w *worker) runLoop() {
	remaining := map[int]bool{}
	for _, ch := range w.ctx.Channels {
		remaining[ch] = true
	}
	eofs := map[int]int{}
	for len(remaining) != 0 {
		msg := <-w.queue
		w.stats.Received.Add(1)
		if msg.EOF() {
			// Other upstream roles may still be sending on this channel
			eofs[msg.Channel()]++
			if eofs[msg.Channel()] < w.inputs {
				continue
			}
		}
		if err := w.process(msg); err != nil {
			w.stats.Errors.Add(1)
			if id, ok := frameIDOf(msg); ok {
				w.errors.Errorf("Channel %v frame %v: %v", msg.Channel(), id, err)
			} else {
				w.errors.Errorf("Channel %v: %v", msg.Channel(), err)
			}
		}
		if msg.EOF() {
			ch := msg.Channel()
			delete(remaining, ch)
			if !w.hasSentEOF(ch) && len(w.role.Next) != 0 {
				// The module failed (or panicked) before forwarding EOF. Downstream would wait forever.
				w.log.Errorf("EOF for channel %v was not forwarded. Forwarding it now.", ch)
				w.send(msg)
			}
		}
	}
	w.finished.Store(true)
}
