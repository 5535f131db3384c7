package modelrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/cyclopcam/inferpipe/pkg/yolo"
	"github.com/cyclopcam/inferpipe/server/config"
	"github.com/cyclopcam/inferpipe/server/engine"
	"github.com/cyclopcam/inferpipe/server/engine/sim"
	"github.com/cyclopcam/inferpipe/server/engine/software"
	"github.com/cyclopcam/inferpipe/server/pipeline"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

const srcWidth = 640
const srcHeight = 480

// pictureSource sends letterboxed synthetic pictures, and counts how many are released
type pictureSource struct {
	ictx     *pipeline.InitContext
	frames   int
	size     int
	released atomic.Int64
}

func (s *pictureSource) Init(ctx *pipeline.InitContext) error {
	s.ictx = ctx
	return nil
}

func (s *pictureSource) Process(msg pipeline.Message) error { return nil }
func (s *pictureSource) DeInit() error                      { return nil }

func (s *pictureSource) MakeEOF(ch int) pipeline.Message {
	return &pipeline.DecodedFrame{ChannelID: ch, IsEOF: true}
}

func (s *pictureSource) Run(ctx context.Context) error {
	resizer := software.NewResizer(software.ResizeQualityLow)
	src := cimg.NewImage(srcWidth, srcHeight, cimg.PixelFormatRGB)
	for _, ch := range s.ictx.Channels {
		for i := 0; i < s.frames; i++ {
			sim.RenderPicture(src, uint64(i))
			pic := cimg.NewImage(s.size, s.size, cimg.PixelFormatRGB)
			if err := resizer.Resize(src, pic); err != nil {
				return err
			}
			s.ictx.Send(pipeline.NewDecodedFrame(ch, uint64(i), srcWidth, srcHeight, pic, func() { s.released.Add(1) }))
		}
		s.ictx.Send(s.MakeEOF(ch))
	}
	return nil
}

// outputSink decodes every inference output, and releases it
type outputSink struct {
	mu      sync.Mutex
	objects map[int][]int // Number of objects per frame, per channel
	eofs    map[int]int
	err     error
}

func (s *outputSink) Init(ctx *pipeline.InitContext) error { return nil }
func (s *outputSink) DeInit() error                        { return nil }

func (s *outputSink) Process(msg pipeline.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.EOF() {
		s.eofs[msg.Channel()]++
		return nil
	}
	out := msg.(*pipeline.InferenceOutput)
	defer out.Release()
	dec, err := yolo.NewDecoder(out.ModelType, yolo.DefaultClassCount, nil)
	if err == nil {
		var detections []nn.ObjectDetection
		detections, err = dec.Decode(out.Tensors, out.Geometry)
		s.objects[out.ChannelID] = append(s.objects[out.ChannelID], len(detections))
	}
	if err != nil && s.err == nil {
		s.err = err
	}
	return nil
}

func testConfig(t *testing.T, modelPath string, modelType int) *config.Config {
	s := strings.Builder{}
	s.WriteString("SystemConfig.channelCount = 2\nskipInterval = 1\n")
	s.WriteString("VideoDecoder.resizeWidth = 416\nVideoDecoder.resizeHeight = 416\n")
	s.WriteString("ModelInfer.modelWidth = 416\nModelInfer.modelHeight = 416\nModelInfer.modelName = sim\n")
	fmt.Fprintf(&s, "ModelInfer.modelType = %v\nModelInfer.modelPath = %v\n", modelType, modelPath)
	s.WriteString("stream.ch0 = a.264\nstream.ch1 = b.264\n")
	cfg, err := config.Parse(strings.NewReader(s.String()))
	require.NoError(t, err)
	return cfg
}

func writeModel(t *testing.T, modelType, size int) string {
	path := filepath.Join(t.TempDir(), "model.json")
	content := fmt.Sprintf(`{"modelType": %v, "width": %v, "height": %v, "class": 7}`, modelType, size, size)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func buildPipeline(t *testing.T, cfg *config.Config, ie engine.InferenceEngine, src *pictureSource, sink *outputSink) (*pipeline.Pipeline, error) {
	graph := pipeline.Graph{
		Roles: []pipeline.Role{
			{Name: "Source", Instances: 1, New: func() pipeline.Module { return src }, Next: []string{"ModelInfer"}},
			{Name: "ModelInfer", Instances: pipeline.PerChannel, New: func() pipeline.Module { return New(ie) }, Next: []string{"PostProcess"}},
			{Name: "PostProcess", Instances: 1, New: func() pipeline.Module { return sink }},
		},
	}
	p, err := pipeline.New(logs.NewTestingLog(t), cfg, graph, cfg.ChannelCount, cfg.QueueSize)
	require.NoError(t, err)
	return p, p.Init()
}

func newSink() *outputSink {
	return &outputSink{
		objects: map[int][]int{},
		eofs:    map[int]int{},
	}
}

func TestRunner(t *testing.T) {
	for _, modelType := range []int{0, 1} {
		cfg := testConfig(t, writeModel(t, modelType, 416), modelType)
		src := &pictureSource{frames: 12, size: 416}
		sink := newSink()
		p, err := buildPipeline(t, cfg, sim.NewInferenceEngine(logs.NewTestingLog(t), 0), src, sink)
		require.NoError(t, err)
		require.NoError(t, p.Run(context.Background()))
		require.NoError(t, sink.err)
		for ch := 0; ch < 2; ch++ {
			require.Equal(t, 12, len(sink.objects[ch]), "model type %v", modelType)
			for _, n := range sink.objects[ch] {
				require.Equal(t, 1, n)
			}
			require.Equal(t, 1, sink.eofs[ch])
		}
		require.EqualValues(t, 24, src.released.Load())
	}
}

func TestModelMismatch(t *testing.T) {
	// The model is 320x320, but the configuration says 416x416
	cfg := testConfig(t, writeModel(t, 1, 320), 1)
	_, err := buildPipeline(t, cfg, sim.NewInferenceEngine(logs.NewTestingLog(t), 0), &pictureSource{}, newSink())
	require.Error(t, err)

	cfg = testConfig(t, filepath.Join(t.TempDir(), "missing.json"), 1)
	_, err = buildPipeline(t, cfg, sim.NewInferenceEngine(logs.NewTestingLog(t), 0), &pictureSource{}, newSink())
	require.Error(t, err)
}

// flakyEngine wraps the simulated model, and fails every third inference
type flakyEngine struct {
	inner engine.InferenceEngine
}

type flakyModel struct {
	engine.Model
	calls atomic.Int64
}

func (e *flakyEngine) Close() error { return e.inner.Close() }

func (e *flakyEngine) LoadModel(path string) (engine.Model, error) {
	m, err := e.inner.LoadModel(path)
	if err != nil {
		return nil, err
	}
	return &flakyModel{Model: m}, nil
}

func (m *flakyModel) Execute(inputs [][]byte, outputs [][]byte) error {
	if m.calls.Add(1)%3 == 0 {
		return errors.New("device busy")
	}
	return m.Model.Execute(inputs, outputs)
}

func TestInferenceFailureDropsFrame(t *testing.T) {
	cfg := testConfig(t, writeModel(t, 1, 416), 1)
	src := &pictureSource{frames: 9, size: 416}
	sink := newSink()
	p, err := buildPipeline(t, cfg, &flakyEngine{inner: sim.NewInferenceEngine(logs.NewTestingLog(t), 0)}, src, sink)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	for ch := 0; ch < 2; ch++ {
		// Each channel has its own runner, and so its own model
		require.Equal(t, 6, len(sink.objects[ch]))
		require.Equal(t, 1, sink.eofs[ch])
	}
	// Failed frames are released too
	require.EqualValues(t, 18, src.released.Load())
	for _, s := range p.Status() {
		if s.Role == "ModelInfer" {
			require.EqualValues(t, 3, s.Errors)
			require.EqualValues(t, 3, s.Dropped)
		}
	}
}
