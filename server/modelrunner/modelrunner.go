// Package modelrunner runs the neural network on every decoded frame
package modelrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/cyclopcam/inferpipe/pkg/slotpool"
	"github.com/cyclopcam/inferpipe/pkg/yolo"
	"github.com/cyclopcam/inferpipe/server/engine"
	"github.com/cyclopcam/inferpipe/server/perfstats"
	"github.com/cyclopcam/inferpipe/server/pipeline"
	"github.com/cyclopcam/logs"
)

type Runner struct {
	inference engine.InferenceEngine

	log       logs.Log
	ictx      *pipeline.InitContext
	model     engine.Model
	modelType yolo.ModelType
	width     int // Network input size
	height    int
	outputs   *slotpool.Pool[[][]byte]
	aux       []float32 // [modelHeight, modelWidth, sourceHeight, sourceWidth]
}

func New(inference engine.InferenceEngine) *Runner {
	return &Runner{
		inference: inference,
	}
}

func (r *Runner) Init(ctx *pipeline.InitContext) error {
	cfg := ctx.Config
	r.ictx = ctx
	r.log = ctx.Log
	r.width = cfg.ModelWidth
	r.height = cfg.ModelHeight
	modelType, err := yolo.ParseModelType(cfg.ModelType)
	if err != nil {
		return err
	}
	r.modelType = modelType
	if cfg.ResizeWidth != r.width || cfg.ResizeHeight != r.height {
		return fmt.Errorf("Resize size %vx%v does not match model size %vx%v", cfg.ResizeWidth, cfg.ResizeHeight, r.width, r.height)
	}

	path := cfg.StageString(ctx.Role, "modelPath")
	if path == "" {
		path = cfg.ModelPath
	}
	start := time.Now()
	model, err := r.inference.LoadModel(path)
	if err != nil {
		return err
	}
	inputSizes := model.InputSizes()
	expectInputs := 1
	if modelType == yolo.ModelTypePreDecoded {
		expectInputs = 2
	}
	if len(inputSizes) != expectInputs || inputSizes[0] != r.width*r.height*3 {
		model.Close()
		return fmt.Errorf("Model %v has inputs %v, but we need %v inputs, the first being %vx%vx3", path, inputSizes, expectInputs, r.width, r.height)
	}
	outputSizes := model.OutputSizes()
	r.outputs, err = slotpool.New(slotpool.DefaultDepth, func(i int) ([][]byte, error) {
		bufs := make([][]byte, len(outputSizes))
		for j, size := range outputSizes {
			bufs[j] = make([]byte, size)
		}
		return bufs, nil
	})
	if err != nil {
		model.Close()
		return err
	}
	r.model = model
	r.aux = make([]float32, 4)
	r.log.Infof("Loaded model %v (%v) in %.0f ms. Outputs: %v", path, cfg.ModelName, time.Since(start).Seconds()*1000, outputSizes)
	return nil
}

func (r *Runner) Process(msg pipeline.Message) error {
	if msg.EOF() {
		return r.ictx.Send(&pipeline.InferenceOutput{ChannelID: msg.Channel(), IsEOF: true})
	}
	frame, ok := msg.(*pipeline.DecodedFrame)
	if !ok {
		return fmt.Errorf("Unexpected message %T", msg)
	}
	pic := frame.Picture
	if pic.Width != r.width || pic.Height != r.height || pic.Stride != r.width*3 {
		frame.Release()
		r.ictx.Stats.Dropped.Add(1)
		return fmt.Errorf("Picture is %vx%v (stride %v), but model needs %vx%v RGB", pic.Width, pic.Height, pic.Stride, r.width, r.height)
	}

	slot, err := r.outputs.Acquire(context.Background())
	if err != nil {
		frame.Release()
		return err
	}

	inputs := [][]byte{pic.Pixels[:r.width*r.height*3]}
	if r.modelType == yolo.ModelTypePreDecoded {
		r.aux[0] = float32(r.height)
		r.aux[1] = float32(r.width)
		r.aux[2] = float32(frame.SourceHeight)
		r.aux[3] = float32(frame.SourceWidth)
		inputs = append(inputs, yolo.Float32Bytes(r.aux))
	}

	start := time.Now()
	err = r.model.Execute(inputs, slot.Value)
	perfstats.Stats.Since(perfstats.StageInference, start)
	frame.Release()
	if err != nil {
		r.outputs.Release(slot)
		r.ictx.Stats.Dropped.Add(1)
		return fmt.Errorf("Inference failed: %w", err)
	}

	geom := yolo.Geometry{
		NetWidth:    r.width,
		NetHeight:   r.height,
		ImageWidth:  frame.SourceWidth,
		ImageHeight: frame.SourceHeight,
	}
	out := pipeline.NewInferenceOutput(frame.ChannelID, frame.FrameID, slot.Value, geom, r.modelType, func() {
		r.outputs.Release(slot)
	})
	if err := r.ictx.Send(out); err != nil {
		out.Release()
		return err
	}
	return nil
}

func (r *Runner) DeInit() error {
	if r.outputs != nil {
		r.outputs.Close()
	}
	if r.model != nil {
		r.model.Close()
		r.model = nil
	}
	return nil
}
