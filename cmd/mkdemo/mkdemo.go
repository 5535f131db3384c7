// mkdemo writes a self-contained demo: configuration, a simulated model, labels, and synthetic streams.
// Afterwards, run: inferpipe -setup <out>/config/setup.config -acl_setup <out>/config/acl.json
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/cyclopcam/inferpipe/pkg/videox"
	"github.com/cyclopcam/inferpipe/server/config"
	"github.com/cyclopcam/inferpipe/server/engine/sim"
)

func check(err error) {
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

type demo struct {
	out       string
	channels  int
	frames    int
	width     int
	height    int
	modelSize int
	modelType int
	skip      int
	listen    string
}

func main() {
	parser := argparse.NewParser("mkdemo", "Create a demo configuration with synthetic streams")
	out := parser.String("o", "out", &argparse.Options{Help: "Output directory", Default: "./data"})
	channels := parser.Int("c", "channels", &argparse.Options{Help: "Number of channels", Default: 2})
	frames := parser.Int("n", "frames", &argparse.Options{Help: "Frames per stream", Default: 100})
	width := parser.Int("", "width", &argparse.Options{Help: "Stream width", Default: 640})
	height := parser.Int("", "height", &argparse.Options{Help: "Stream height", Default: 480})
	modelSize := parser.Int("", "modelsize", &argparse.Options{Help: "Network input width and height", Default: 416})
	modelType := parser.Int("", "modeltype", &argparse.Options{Help: "0 = pre-decoded boxes, 1 = raw feature maps", Default: 1})
	skip := parser.Int("s", "skip", &argparse.Options{Help: "skipInterval", Default: 1})
	listen := parser.String("", "listen", &argparse.Options{Help: "HTTP address for status and metrics (eg :8080)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}
	d := &demo{
		out:       *out,
		channels:  *channels,
		frames:    *frames,
		width:     *width,
		height:    *height,
		modelSize: *modelSize,
		modelType: *modelType,
		skip:      *skip,
		listen:    *listen,
	}
	check(d.write())
	fmt.Printf("Demo written to %v\n", d.out)
}

func (d *demo) path(parts ...string) string {
	return filepath.Join(append([]string{d.out}, parts...)...)
}

func (d *demo) write() error {
	if d.channels < 1 || d.frames < 1 {
		return fmt.Errorf("channels and frames must be positive")
	}
	for _, dir := range []string{"config", "model", "streams", "result"} {
		if err := os.MkdirAll(d.path(dir), 0755); err != nil {
			return err
		}
	}

	model, err := json.MarshalIndent(&sim.ModelFile{
		ModelType: d.modelType,
		Width:     d.modelSize,
		Height:    d.modelSize,
		Classes:   len(nn.COCOClasses),
		Class:     0,
	}, "", "\t")
	if err != nil {
		return err
	}
	if err := os.WriteFile(d.path("model", "sim.json"), model, 0644); err != nil {
		return err
	}
	labels := "# COCO\n" + strings.Join(nn.COCOClasses, "\n") + "\n"
	if err := os.WriteFile(d.path("model", "coco.names"), []byte(labels), 0644); err != nil {
		return err
	}

	acl, err := json.MarshalIndent(config.DefaultEngineConfig(), "", "\t")
	if err != nil {
		return err
	}
	if err := os.WriteFile(d.path("config", "acl.json"), acl, 0644); err != nil {
		return err
	}

	streams := []string{}
	for ch := 0; ch < d.channels; ch++ {
		name, err := d.writeStream(ch)
		if err != nil {
			return err
		}
		streams = append(streams, name)
	}
	return os.WriteFile(d.path("config", "setup.config"), []byte(d.setupConfig(streams)), 0644)
}

// Even channels get a raw Annex-B stream, odd channels get MPEG-TS
func (d *demo) writeStream(ch int) (string, error) {
	ext := ".264"
	if ch%2 == 1 {
		ext = ".ts"
	}
	name, err := filepath.Abs(d.path("streams", fmt.Sprintf("ch%v%v", ch, ext)))
	if err != nil {
		return "", err
	}
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	stream := &videox.SyntheticH264Stream{Width: d.width, Height: d.height, GOP: 25}
	if ext == ".ts" {
		err = stream.WriteTS(f, d.frames, 25)
	} else {
		err = stream.WriteAnnexB(f, d.frames)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return name, err
}

func (d *demo) setupConfig(streams []string) string {
	abs := func(parts ...string) string {
		p, _ := filepath.Abs(d.path(parts...))
		return p
	}
	b := &strings.Builder{}
	fmt.Fprintf(b, "# Generated by mkdemo\n")
	fmt.Fprintf(b, "SystemConfig.channelCount = %v\n", d.channels)
	fmt.Fprintf(b, "SystemConfig.deviceId = 0\n")
	for ch, s := range streams {
		fmt.Fprintf(b, "%v = %v\n", config.StreamKey(ch), s)
	}
	fmt.Fprintf(b, "skipInterval = %v\n", d.skip)
	fmt.Fprintf(b, "VideoDecoder.resizeWidth = %v\n", d.modelSize)
	fmt.Fprintf(b, "VideoDecoder.resizeHeight = %v\n", d.modelSize)
	fmt.Fprintf(b, "ModelInfer.modelWidth = %v\n", d.modelSize)
	fmt.Fprintf(b, "ModelInfer.modelHeight = %v\n", d.modelSize)
	fmt.Fprintf(b, "ModelInfer.modelType = %v\n", d.modelType)
	fmt.Fprintf(b, "ModelInfer.modelName = sim\n")
	fmt.Fprintf(b, "ModelInfer.modelPath = %v\n", abs("model", "sim.json"))
	fmt.Fprintf(b, "PostProcess.labelPath = %v\n", abs("model", "coco.names"))
	fmt.Fprintf(b, "PostProcess.resultPath = %v\n", abs("result"))
	fmt.Fprintf(b, "PostProcess.resultDB = %v\n", abs("result", "results.sqlite"))
	if d.listen != "" {
		fmt.Fprintf(b, "Server.listen = %v\n", d.listen)
	}
	return b.String()
}
