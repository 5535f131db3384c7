package postprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/cyclopcam/inferpipe/pkg/yolo"
	"github.com/cyclopcam/inferpipe/server/config"
	"github.com/cyclopcam/inferpipe/server/pipeline"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

const imgWidth = 640
const imgHeight = 480

// predecodedTensors lays out boxes the way a pre-decoding model does
func predecodedTensors(objects []nn.ObjectDetection) [][]byte {
	k := len(objects)
	planes := make([]float32, k*6)
	for i, o := range objects {
		planes[i] = o.Box.X1
		planes[k+i] = o.Box.Y1
		planes[2*k+i] = o.Box.X2
		planes[3*k+i] = o.Box.Y2
		planes[4*k+i] = o.Confidence
		planes[5*k+i] = float32(o.Class)
	}
	return [][]byte{yolo.Float32Bytes(planes), yolo.Uint32Bytes([]uint32{uint32(k)})}
}

// outputSource emits the same model output for every frame of every channel
type outputSource struct {
	ictx     *pipeline.InitContext
	frames   int
	tensors  [][]byte
	released atomic.Int64
}

func (s *outputSource) Init(ctx *pipeline.InitContext) error {
	s.ictx = ctx
	return nil
}

func (s *outputSource) Process(msg pipeline.Message) error { return nil }
func (s *outputSource) DeInit() error                      { return nil }

func (s *outputSource) MakeEOF(ch int) pipeline.Message {
	return &pipeline.InferenceOutput{ChannelID: ch, IsEOF: true}
}

func (s *outputSource) Run(ctx context.Context) error {
	geom := yolo.Geometry{NetWidth: 416, NetHeight: 416, ImageWidth: imgWidth, ImageHeight: imgHeight}
	for _, ch := range s.ictx.Channels {
		for i := 0; i < s.frames; i++ {
			s.ictx.Send(pipeline.NewInferenceOutput(ch, uint64(i*2), s.tensors, geom, yolo.ModelTypePreDecoded, func() { s.released.Add(1) }))
		}
		s.ictx.Send(s.MakeEOF(ch))
	}
	return nil
}

type memorySink struct {
	mu      sync.Mutex
	results map[int][]*nn.DetectionResult
	eofs    map[int]int
}

func newMemorySink() *memorySink {
	return &memorySink{
		results: map[int][]*nn.DetectionResult{},
		eofs:    map[int]int{},
	}
}

func (s *memorySink) WriteResult(res *nn.DetectionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.ChannelID] = append(s.results[res.ChannelID], res)
	return nil
}

func (s *memorySink) ChannelEOF(ch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eofs[ch]++
	return nil
}

func (s *memorySink) Close() error { return nil }

func testConfig(t *testing.T, channels int, extra string) *config.Config {
	s := strings.Builder{}
	fmt.Fprintf(&s, "SystemConfig.channelCount = %v\nskipInterval = 1\n", channels)
	s.WriteString("VideoDecoder.resizeWidth = 416\nVideoDecoder.resizeHeight = 416\n")
	s.WriteString("ModelInfer.modelWidth = 416\nModelInfer.modelHeight = 416\nModelInfer.modelType = 0\nModelInfer.modelPath = m.json\n")
	for ch := 0; ch < channels; ch++ {
		fmt.Fprintf(&s, "stream.ch%v = %v.264\n", ch, ch)
	}
	s.WriteString(extra)
	cfg, err := config.Parse(strings.NewReader(s.String()))
	require.NoError(t, err)
	return cfg
}

func runPipeline(t *testing.T, cfg *config.Config, src *outputSource, sink *memorySink, labels []string) *pipeline.Pipeline {
	graph := pipeline.Graph{
		Roles: []pipeline.Role{
			{Name: "Source", Instances: 1, New: func() pipeline.Module { return src }, Next: []string{"PostProcess"}},
			{Name: "PostProcess", Instances: pipeline.PerChannel, New: func() pipeline.Module { return New(sink, labels) }},
		},
	}
	p, err := pipeline.New(logs.NewTestingLog(t), cfg, graph, cfg.ChannelCount, cfg.QueueSize)
	require.NoError(t, err)
	require.NoError(t, p.Init())
	require.NoError(t, p.Run(context.Background()))
	return p
}

func TestPostProcess(t *testing.T) {
	objects := []nn.ObjectDetection{
		{Class: 0, Confidence: 0.9, Box: nn.Box{X1: 10, Y1: 20, X2: 100, Y2: 200}},
		{Class: 2, Confidence: 0.31, Box: nn.Box{X1: -15, Y1: 400, X2: 700, Y2: 520}}, // Spills over the edges
		{Class: 1, Confidence: 0.3, Box: nn.Box{X1: 1, Y1: 1, X2: 2, Y2: 2}},          // Exactly at the threshold
		{Class: 1, Confidence: 0.05, Box: nn.Box{X1: 1, Y1: 1, X2: 2, Y2: 2}},
	}
	cfg := testConfig(t, 3, "")
	src := &outputSource{frames: 5, tensors: predecodedTensors(objects)}
	sink := newMemorySink()
	p := runPipeline(t, cfg, src, sink, nil)

	require.True(t, p.Shutdown().IsSet())
	require.Equal(t, "all channels reached EOF", p.Shutdown().Reason())
	require.Equal(t, 3, p.Shutdown().StoppedChannels())
	require.EqualValues(t, 15, src.released.Load())

	for ch := 0; ch < 3; ch++ {
		require.Equal(t, 1, sink.eofs[ch])
		require.Len(t, sink.results[ch], 5)
		for i, res := range sink.results[ch] {
			require.Equal(t, ch, res.ChannelID)
			require.EqualValues(t, i*2, res.FrameID)
			require.Equal(t, imgWidth, res.ImageWidth)
			require.Equal(t, imgHeight, res.ImageHeight)
			require.Len(t, res.Objects, 2)
			require.Equal(t, "person", res.Objects[0].Label)
			require.Equal(t, nn.Box{X1: 10, Y1: 20, X2: 100, Y2: 200}, res.Objects[0].Box)
			require.Equal(t, "car", res.Objects[1].Label)
			require.Equal(t, nn.Box{X1: 0, Y1: 400, X2: imgWidth, Y2: imgHeight}, res.Objects[1].Box)
		}
	}
}

func TestLabelFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("classes\ncat\ndog\n"), 0644))
	objects := []nn.ObjectDetection{
		{Class: 1, Confidence: 0.8, Box: nn.Box{X1: 1, Y1: 1, X2: 50, Y2: 50}},
		{Class: 5, Confidence: 0.8, Box: nn.Box{X1: 1, Y1: 1, X2: 50, Y2: 50}},
	}
	cfg := testConfig(t, 1, "PostProcess.labelPath = "+path+"\n")
	src := &outputSource{frames: 1, tensors: predecodedTensors(objects)}
	sink := newMemorySink()
	runPipeline(t, cfg, src, sink, nil)
	require.Len(t, sink.results[0], 1)
	require.Equal(t, "dog", sink.results[0][0].Objects[0].Label)
	// No label for this class, but the detection is kept
	require.Equal(t, "", sink.results[0][0].Objects[1].Label)
}

func TestEmptyOutput(t *testing.T) {
	cfg := testConfig(t, 2, "")
	src := &outputSource{frames: 4, tensors: [][]byte{}}
	sink := newMemorySink()
	p := runPipeline(t, cfg, src, sink, []string{"a"})
	// Every frame is dropped, but the channels still finish
	require.True(t, p.Shutdown().IsSet())
	require.EqualValues(t, 8, src.released.Load())
	for ch := 0; ch < 2; ch++ {
		require.Len(t, sink.results[ch], 0)
		require.Equal(t, 1, sink.eofs[ch])
	}
	errs := uint64(0)
	for _, s := range p.Status() {
		if s.Role == "PostProcess" {
			errs += s.Errors
		}
	}
	require.EqualValues(t, 8, errs)
}

func TestMissingLabelFile(t *testing.T) {
	cfg := testConfig(t, 1, "PostProcess.labelPath = /nonexistent/labels.txt\n")
	graph := pipeline.Graph{
		Roles: []pipeline.Role{
			{Name: "Source", Instances: 1, New: func() pipeline.Module { return &outputSource{} }, Next: []string{"PostProcess"}},
			{Name: "PostProcess", Instances: 1, New: func() pipeline.Module { return New(newMemorySink(), nil) }},
		},
	}
	p, err := pipeline.New(logs.NewTestingLog(t), cfg, graph, cfg.ChannelCount, cfg.QueueSize)
	require.NoError(t, err)
	require.Error(t, p.Init())
}
