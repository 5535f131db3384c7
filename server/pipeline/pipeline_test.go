package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/inferpipe/pkg/yolo"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// Records DeInit order across all modules of a test
type deinitRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *deinitRecorder) add(s string) {
	r.mu.Lock()
	r.order = append(r.order, s)
	r.mu.Unlock()
}

type countSource struct {
	ctx      *InitContext
	frames   int // 0 means infinite
	rec      *deinitRecorder
	skipEOF  bool
	interval time.Duration
}

func (s *countSource) Init(ctx *InitContext) error { s.ctx = ctx; return nil }
func (s *countSource) Process(msg Message) error   { return fmt.Errorf("source has no input") }
func (s *countSource) DeInit() error {
	s.rec.add(fmt.Sprintf("%v.%v", s.ctx.Role, s.ctx.Instance))
	return nil
}
func (s *countSource) MakeEOF(channel int) Message {
	return &EncodedFrame{ChannelID: channel, IsEOF: true}
}

func (s *countSource) Run(ctx context.Context) error {
	ch := s.ctx.Channels[0]
	// Finite sources ignore cancellation, and always deliver every frame
	for i := 0; s.frames == 0 || i < s.frames; i++ {
		if s.frames == 0 && ctx.Err() != nil {
			break
		}
		s.ctx.Send(&EncodedFrame{ChannelID: ch, FrameID: uint64(i)})
		if s.interval != 0 {
			time.Sleep(s.interval)
		}
	}
	if !s.skipEOF {
		s.ctx.Send(s.MakeEOF(ch))
	}
	return nil
}

// passStage forwards everything. It panics on frame 3 of every channel, and can be told to swallow EOF.
type passStage struct {
	ctx        *InitContext
	rec        *deinitRecorder
	panicOn3   bool
	swallowEOF bool
}

func (p *passStage) Init(ctx *InitContext) error { p.ctx = ctx; return nil }
func (p *passStage) DeInit() error {
	p.rec.add(fmt.Sprintf("%v.%v", p.ctx.Role, p.ctx.Instance))
	return nil
}
func (p *passStage) Process(msg Message) error {
	if msg.EOF() && p.swallowEOF {
		return fmt.Errorf("swallowed")
	}
	f := msg.(*EncodedFrame)
	if p.panicOn3 && f.FrameID == 3 {
		panic("frame 3")
	}
	return p.ctx.Send(msg)
}

type sinkStage struct {
	ctx *InitContext
	rec *deinitRecorder
	mu  *sync.Mutex
	got map[int][]uint64
	eof map[int]int
}

func (s *sinkStage) Init(ctx *InitContext) error { s.ctx = ctx; return nil }
func (s *sinkStage) DeInit() error {
	s.rec.add(fmt.Sprintf("%v.%v", s.ctx.Role, s.ctx.Instance))
	return nil
}
func (s *sinkStage) Process(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.EOF() {
		s.eof[msg.Channel()]++
		s.ctx.Shutdown.ChannelStopped(msg.Channel())
		return nil
	}
	s.got[msg.Channel()] = append(s.got[msg.Channel()], msg.(*EncodedFrame).FrameID)
	return nil
}

type testGraph struct {
	rec  deinitRecorder
	mu   sync.Mutex
	got  map[int][]uint64
	eof  map[int]int
	pass *passStage // template
	src  *countSource
}

func newTestGraph(frames int) *testGraph {
	return &testGraph{
		got:  map[int][]uint64{},
		eof:  map[int]int{},
		pass: &passStage{},
		src:  &countSource{frames: frames},
	}
}

func (tg *testGraph) graph(passInstances int) Graph {
	return Graph{Roles: []Role{
		{Name: "Source", Instances: PerChannel, Next: []string{"Pass"}, New: func() Module {
			s := *tg.src
			s.rec = &tg.rec
			return &s
		}},
		{Name: "Pass", Instances: passInstances, Next: []string{"Sink"}, New: func() Module {
			p := *tg.pass
			p.rec = &tg.rec
			return &p
		}},
		{Name: "Sink", Instances: PerChannel, New: func() Module {
			return &sinkStage{rec: &tg.rec, mu: &tg.mu, got: tg.got, eof: tg.eof}
		}},
	}}
}

func seq(n int, skip ...uint64) []uint64 {
	r := []uint64{}
	for i := 0; i < n; i++ {
		skipped := false
		for _, s := range skip {
			if s == uint64(i) {
				skipped = true
			}
		}
		if !skipped {
			r = append(r, uint64(i))
		}
	}
	return r
}

func runGraph(t *testing.T, tg *testGraph, g Graph, channels, queueSize int) *Pipeline {
	p, err := New(logs.NewTestingLog(t), nil, g, channels, queueSize)
	require.NoError(t, err)
	require.NoError(t, p.Init())
	done := make(chan error)
	go func() {
		done <- p.Run(context.Background())
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Pipeline did not finish")
	}
	return p
}

func TestPipelineDrainsAllChannels(t *testing.T) {
	for _, passInstances := range []int{PerChannel, 1, 2} {
		tg := newTestGraph(50)
		p := runGraph(t, tg, tg.graph(passInstances), 3, 4)
		for ch := 0; ch < 3; ch++ {
			require.Equal(t, seq(50), tg.got[ch])
			require.Equal(t, 1, tg.eof[ch])
		}
		require.True(t, p.Shutdown().IsSet())
		require.Equal(t, 3, p.Shutdown().StoppedChannels())
		require.Equal(t, "all channels reached EOF", p.Shutdown().Reason())
		// The flag is only ever set once
		require.False(t, p.Shutdown().Request("again"))

		// DeInit in reverse graph order
		order := tg.rec.order
		require.Equal(t, "Sink.2", order[0])
		require.Equal(t, "Source.0", order[len(order)-1])

		for _, s := range p.Status() {
			require.True(t, s.Finished)
			require.Equal(t, 0, s.QueueDepth)
		}
	}
}

func TestPipelinePanicDropsFrame(t *testing.T) {
	tg := newTestGraph(10)
	tg.pass.panicOn3 = true
	p := runGraph(t, tg, tg.graph(PerChannel), 2, 2)
	require.Equal(t, seq(10, 3), tg.got[0])
	require.Equal(t, seq(10, 3), tg.got[1])
	var panics uint64
	for _, s := range p.Status() {
		panics += s.Panics
	}
	require.EqualValues(t, 2, panics)
}

func TestPipelineForwardsMissingEOF(t *testing.T) {
	tg := newTestGraph(5)
	tg.pass.swallowEOF = true
	runGraph(t, tg, tg.graph(PerChannel), 2, 2)
	require.Equal(t, 1, tg.eof[0])
	require.Equal(t, 1, tg.eof[1])

	tg = newTestGraph(5)
	tg.src.skipEOF = true
	runGraph(t, tg, tg.graph(PerChannel), 2, 2)
	require.Equal(t, seq(5), tg.got[1])
	require.Equal(t, 1, tg.eof[1])
}

func TestPipelineCancel(t *testing.T) {
	tg := newTestGraph(0)
	tg.src.interval = time.Millisecond
	p, err := New(logs.NewTestingLog(t), nil, tg.graph(PerChannel), 2, 8)
	require.NoError(t, err)
	require.NoError(t, p.Init())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- p.Run(ctx)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Pipeline did not stop")
	}
	require.True(t, p.Shutdown().IsSet())
	require.Equal(t, "stop requested", p.Shutdown().Reason())
	for ch := 0; ch < 2; ch++ {
		require.NotEmpty(t, tg.got[ch])
		require.Equal(t, seq(len(tg.got[ch])), tg.got[ch])
		require.Equal(t, 1, tg.eof[ch])
	}
}

func TestPipelineFanIn(t *testing.T) {
	// Two sources feed one sink. The short source finishes long before the long one.
	tg := newTestGraph(0)
	newSource := func(frames int) func() Module {
		return func() Module {
			return &countSource{frames: frames, rec: &tg.rec}
		}
	}
	g := Graph{Roles: []Role{
		{Name: "Short", Instances: PerChannel, Next: []string{"Sink"}, New: newSource(5)},
		{Name: "Long", Instances: PerChannel, Next: []string{"Sink"}, New: newSource(100)},
		{Name: "Sink", Instances: PerChannel, New: func() Module {
			return &sinkStage{rec: &tg.rec, mu: &tg.mu, got: tg.got, eof: tg.eof}
		}},
	}}
	p := runGraph(t, tg, g, 2, 4)
	for ch := 0; ch < 2; ch++ {
		require.Len(t, tg.got[ch], 105)
		require.Equal(t, 1, tg.eof[ch])
	}
	require.True(t, p.Shutdown().IsSet())
	for _, s := range p.Status() {
		require.True(t, s.Finished)
		if s.Role == "Sink" {
			require.EqualValues(t, 107, s.Received)
		}
	}
}

type failInit struct {
	passStage
}

func (f *failInit) Init(ctx *InitContext) error { return fmt.Errorf("no model") }

func TestPipelineInitFailure(t *testing.T) {
	tg := newTestGraph(1)
	g := tg.graph(PerChannel)
	g.Roles[1].New = func() Module { return &failInit{} }
	p, err := New(logs.NewTestingLog(t), nil, g, 2, 2)
	require.NoError(t, err)
	require.ErrorContains(t, p.Init(), "no model")
	// Only the sources were initialized, and they were de-initialized in reverse order
	require.Equal(t, []string{"Source.1", "Source.0"}, tg.rec.order)
}

func TestGraphValidate(t *testing.T) {
	mk := func() Module { return &passStage{} }
	bad := []Graph{
		{},
		{Roles: []Role{{Name: "A", Instances: 0, New: mk}}},
		{Roles: []Role{{Name: "A", Instances: 1, New: mk, Next: []string{"B"}}}},
		{Roles: []Role{{Name: "A", Instances: 1, New: mk}, {Name: "A", Instances: 1, New: mk}}},
		{Roles: []Role{{Name: "A", Instances: 1, New: mk}, {Name: "B", Instances: 1, New: mk, Next: []string{"A"}}}},
		{Roles: []Role{{Name: "A", Instances: 1}}},
		{Roles: []Role{{Name: "A", Instances: 1, New: mk, Next: []string{"B", "B"}}, {Name: "B", Instances: 1, New: mk}}},
	}
	for i, g := range bad {
		require.Error(t, g.Validate(), "graph %v", i)
	}
	// A source role must implement Source
	_, err := New(logs.NewTestingLog(t), nil, Graph{Roles: []Role{{Name: "A", Instances: 1, New: mk}}}, 1, 1)
	require.Error(t, err)
}

func TestShutdown(t *testing.T) {
	s := NewShutdown(3)
	require.False(t, s.ChannelStopped(0))
	require.False(t, s.ChannelStopped(0))
	require.False(t, s.ChannelStopped(7))
	require.False(t, s.ChannelStopped(1))
	require.Equal(t, 2, s.StoppedChannels())
	require.False(t, s.IsSet())
	require.True(t, s.ChannelStopped(2))
	require.True(t, s.IsSet())
	require.True(t, s.IsChannelStopped(2))
	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestShutdownConcurrent(t *testing.T) {
	s := NewShutdown(64)
	var wg sync.WaitGroup
	var mu sync.Mutex
	setters := 0
	for ch := 0; ch < 64; ch++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ChannelStopped(ch) || s.Request("racing") {
				mu.Lock()
				setters++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, setters)
	require.Equal(t, 64, s.StoppedChannels())
}

func TestReleaseOnce(t *testing.T) {
	n := 0
	f := NewDecodedFrame(1, 2, 640, 480, nil, func() { n++ })
	f.Release()
	f.Release()
	require.Equal(t, 1, n)
	o := NewInferenceOutput(1, 2, nil, yoloGeom(), 0, nil)
	o.Release()
}

func yoloGeom() yolo.Geometry {
	return yolo.Geometry{NetWidth: 416, NetHeight: 416, ImageWidth: 640, ImageHeight: 480}
}
