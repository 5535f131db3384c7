package sim

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/cyclopcam/inferpipe/pkg/yolo"
	"github.com/cyclopcam/inferpipe/server/engine"
	"github.com/cyclopcam/logs"
)

// Brightness threshold that separates the synthetic object from the background
const objectThreshold = 128

// Logits that the simulated network emits
const (
	logitSure   = 10
	logitUnsure = -10
	logitEmpty  = -20
)

// Capacity of the pre-decoded box tensor
const DefaultMaxBoxes = 16

// ModelFile is the content of a simulated model file (JSON)
type ModelFile struct {
	ModelType int `json:"modelType"` // 0 = pre-decoded boxes, 1 = raw feature maps
	Width     int `json:"width"`
	Height    int `json:"height"`
	Classes   int `json:"classes"`  // Number of classes in raw feature maps
	Class     int `json:"class"`    // Class id reported for the object
	MaxBoxes  int `json:"maxBoxes"` // Capacity of the pre-decoded box tensor
}

type InferenceEngine struct {
	log     logs.Log
	latency time.Duration
}

func NewInferenceEngine(log logs.Log, inferLatency time.Duration) *InferenceEngine {
	return &InferenceEngine{
		log:     log,
		latency: inferLatency,
	}
}

func (e *InferenceEngine) LoadModel(path string) (engine.Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to load model: %w", err)
	}
	mf := ModelFile{
		Classes:  yolo.DefaultClassCount,
		MaxBoxes: DefaultMaxBoxes,
	}
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("Model %v is not a simulated model: %w", path, err)
	}
	return NewModel(mf, e.latency)
}

func (e *InferenceEngine) Close() error {
	return nil
}

// Model finds the bright object in its input, and reports it in the tensor layout of its model type
type Model struct {
	File        ModelFile
	latency     time.Duration
	layers      []yolo.Layer
	inputSizes  []int
	outputSizes []int
}

func NewModel(mf ModelFile, latency time.Duration) (*Model, error) {
	modelType, err := yolo.ParseModelType(mf.ModelType)
	if err != nil {
		return nil, err
	}
	if mf.Width <= 0 || mf.Height <= 0 || mf.Width%32 != 0 || mf.Height%32 != 0 {
		return nil, fmt.Errorf("Invalid model size %vx%v. Must be a multiple of 32", mf.Width, mf.Height)
	}
	if mf.Classes <= 0 || mf.Class < 0 || mf.Class >= mf.Classes {
		return nil, fmt.Errorf("Invalid model classes %v (class %v)", mf.Classes, mf.Class)
	}
	m := &Model{
		File:       mf,
		latency:    latency,
		inputSizes: []int{mf.Width * mf.Height * 3},
	}
	switch modelType {
	case yolo.ModelTypePreDecoded:
		if mf.MaxBoxes <= 0 {
			return nil, fmt.Errorf("Invalid maxBoxes %v", mf.MaxBoxes)
		}
		m.inputSizes = append(m.inputSizes, 4*4)
		m.outputSizes = []int{mf.MaxBoxes * 6 * 4, 4}
	case yolo.ModelTypeRaw:
		m.layers = yolo.Layers(mf.Width, mf.Height)
		for i := range m.layers {
			m.outputSizes = append(m.outputSizes, m.layers[i].TensorLen(mf.Classes)*4)
		}
	}
	return m, nil
}

func (m *Model) InputSizes() []int {
	return m.inputSizes
}

func (m *Model) OutputSizes() []int {
	return m.outputSizes
}

func (m *Model) Close() {
}

// findObject returns the bounds of the bright pixels in network pixels, with exclusive x2,y2
func (m *Model) findObject(rgb []byte) (x1, y1, x2, y2 int, found bool) {
	w, h := m.File.Width, m.File.Height
	x1, y1, x2, y2 = w, h, 0, 0
	for y := 0; y < h; y++ {
		row := rgb[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			if row[x*3] >= objectThreshold {
				x1 = min(x1, x)
				y1 = min(y1, y)
				x2 = max(x2, x+1)
				y2 = max(y2, y+1)
				found = true
			}
		}
	}
	return
}

func (m *Model) Execute(inputs [][]byte, outputs [][]byte) error {
	if len(inputs) != len(m.inputSizes) {
		return fmt.Errorf("Expected %v inputs, but got %v", len(m.inputSizes), len(inputs))
	}
	for i := range inputs {
		if len(inputs[i]) < m.inputSizes[i] {
			return fmt.Errorf("Input %v is %v bytes, but must be %v", i, len(inputs[i]), m.inputSizes[i])
		}
	}
	if len(outputs) != len(m.outputSizes) {
		return fmt.Errorf("Expected %v outputs, but got %v", len(m.outputSizes), len(outputs))
	}
	for i := range outputs {
		if len(outputs[i]) < m.outputSizes[i] {
			return fmt.Errorf("Output %v is %v bytes, but must be %v", i, len(outputs[i]), m.outputSizes[i])
		}
	}
	if m.latency != 0 {
		time.Sleep(m.latency)
	}
	x1, y1, x2, y2, found := m.findObject(inputs[0])
	if m.layers == nil {
		m.writePreDecoded(yolo.Float32s(inputs[1]), outputs, float32(x1), float32(y1), float32(x2), float32(y2), found)
	} else {
		m.writeRaw(outputs, float32(x1), float32(y1), float32(x2), float32(y2), found)
	}
	return nil
}

func logit(p float32) float32 {
	p = min(max(p, 0.001), 0.999)
	return float32(math.Log(float64(p / (1 - p))))
}

func (m *Model) writeRaw(outputs [][]byte, x1, y1, x2, y2 float32, found bool) {
	for i := range m.layers {
		data := yolo.Float32s(outputs[i])
		for j := range data {
			data[j] = logitEmpty
		}
	}
	if !found {
		return
	}
	// Report the object on the coarsest layer, anchor 0
	layer := &m.layers[0]
	stride := float32(layer.Stride)
	cx := (x1 + x2) / 2
	cy := (y1 + y2) / 2
	col := min(int(cx/stride), layer.GridW-1)
	row := min(int(cy/stride), layer.GridH-1)
	entry := yolo.BoxDim + 1 + m.File.Classes
	j := row*layer.GridW + col
	b := yolo.Float32s(outputs[0])[entry*yolo.AnchorsPerCell*j:]
	b[0] = logit(cx/stride - float32(col))
	b[1] = logit(cy/stride - float32(row))
	b[2] = float32(math.Log(float64((x2 - x1) / layer.Anchors[0].Width)))
	b[3] = float32(math.Log(float64((y2 - y1) / layer.Anchors[0].Height)))
	b[4] = logitSure
	for c := 0; c < m.File.Classes; c++ {
		b[yolo.BoxDim+1+c] = logitUnsure
	}
	b[yolo.BoxDim+1+m.File.Class] = logitSure
}

// aux is [modelHeight, modelWidth, sourceHeight, sourceWidth]
func (m *Model) writePreDecoded(aux []float32, outputs [][]byte, x1, y1, x2, y2 float32, found bool) {
	count := yolo.Uint32s(outputs[1])
	if !found || len(aux) < 4 || aux[2] <= 0 || aux[3] <= 0 {
		count[0] = 0
		return
	}
	netH, netW, imgH, imgW := aux[0], aux[1], aux[2], aux[3]
	scale := min(netW/imgW, netH/imgH)
	padX := (netW - imgW*scale) / 2
	padY := (netH - imgH*scale) / 2
	planes := yolo.Float32s(outputs[0])
	const k = 1
	planes[0*k] = (x1 - padX) / scale
	planes[1*k] = (y1 - padY) / scale
	planes[2*k] = (x2 - padX) / scale
	planes[3*k] = (y2 - padY) / scale
	planes[4*k] = 0.99
	planes[5*k] = float32(m.File.Class)
	count[0] = k
}
