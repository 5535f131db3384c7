// Package postprocess turns raw network outputs into detections, and hands them to the result sinks.
// It is the last stage of the pipeline, so it is also where channels are declared finished.
package postprocess

import (
	"fmt"
	"time"

	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/cyclopcam/inferpipe/pkg/yolo"
	"github.com/cyclopcam/inferpipe/server/perfstats"
	"github.com/cyclopcam/inferpipe/server/pipeline"
	"github.com/cyclopcam/inferpipe/server/results"
	"github.com/cyclopcam/logs"
)

type PostProcessor struct {
	sink   results.Sink
	labels []string
	params nn.DetectionParams

	log      logs.Log
	ictx     *pipeline.InitContext
	classNum int
	decoders map[yolo.ModelType]yolo.Decoder
}

// New creates a post-processor that sends results to sink.
// If labels is nil, they are loaded from PostProcess.labelPath, or else the COCO names are used.
func New(sink results.Sink, labels []string) *PostProcessor {
	return &PostProcessor{
		sink:   sink,
		labels: labels,
		params: *nn.NewDetectionParams(),
	}
}

func (p *PostProcessor) Init(ctx *pipeline.InitContext) error {
	cfg := ctx.Config
	p.ictx = ctx
	p.log = ctx.Log
	p.classNum = cfg.ClassNum
	p.decoders = map[yolo.ModelType]yolo.Decoder{}
	if p.labels == nil {
		if cfg.LabelPath != "" {
			labels, err := nn.LoadLabelFile(cfg.LabelPath)
			if err != nil {
				return err
			}
			p.labels = labels
		} else {
			p.labels = nn.COCOClasses
		}
	}
	if len(p.labels) < p.classNum {
		p.log.Warnf("Only %v labels for %v classes", len(p.labels), p.classNum)
	}
	return nil
}

func (p *PostProcessor) decoder(mt yolo.ModelType) (yolo.Decoder, error) {
	if d := p.decoders[mt]; d != nil {
		return d, nil
	}
	d, err := yolo.NewDecoder(mt, p.classNum, &p.params)
	if err != nil {
		return nil, err
	}
	p.decoders[mt] = d
	return d, nil
}

func (p *PostProcessor) Process(msg pipeline.Message) error {
	if msg.EOF() {
		p.endOfStream(msg.Channel())
		return nil
	}
	out, ok := msg.(*pipeline.InferenceOutput)
	if !ok {
		return fmt.Errorf("Unexpected message %T", msg)
	}
	defer out.Release()

	if len(out.Tensors) == 0 {
		return yolo.ErrEmptyOutput
	}
	dec, err := p.decoder(out.ModelType)
	if err != nil {
		return err
	}
	start := time.Now()
	objects, err := dec.Decode(out.Tensors, out.Geometry)
	if err != nil {
		return fmt.Errorf("Failed to decode output: %w", err)
	}
	objects = p.finalize(objects, out.Geometry)
	perfstats.Stats.Since(perfstats.StagePostProcess, start)

	res := &nn.DetectionResult{
		ChannelID:   out.ChannelID,
		FrameID:     out.FrameID,
		ImageWidth:  out.Geometry.ImageWidth,
		ImageHeight: out.Geometry.ImageHeight,
		Objects:     objects,
	}
	p.ictx.Stats.Sent.Add(1)
	p.ictx.Stats.LastFrame.Store(out.FrameID)
	return p.sink.WriteResult(res)
}

// finalize clamps boxes to the image, drops low confidence boxes, and attaches labels
func (p *PostProcessor) finalize(objects []nn.ObjectDetection, geom yolo.Geometry) []nn.ObjectDetection {
	w := float32(geom.ImageWidth)
	h := float32(geom.ImageHeight)
	keep := objects[:0]
	for _, o := range objects {
		if o.Confidence <= p.params.ScoreThreshold {
			continue
		}
		o.Box = o.Box.Clamp(w, h)
		o.Label = nn.LabelFor(p.labels, o.Class)
		keep = append(keep, o)
	}
	return keep
}

func (p *PostProcessor) endOfStream(ch int) {
	if err := p.sink.ChannelEOF(ch); err != nil {
		p.log.Errorf("Channel %v: result sink EOF failed: %v", ch, err)
	}
	p.log.Infof("Channel %v finished", ch)
	if p.ictx.Shutdown.ChannelStopped(ch) {
		p.log.Infof("All %v channels have finished", p.ictx.ChannelCount)
	}
}

func (p *PostProcessor) DeInit() error {
	return nil
}
