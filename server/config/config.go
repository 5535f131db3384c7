// Package config loads the pipeline setup file (key = value pairs) and the engine descriptor (JSON).
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const DefaultQueueSize = 32
const DefaultClassNum = 80
const DefaultResultPath = "result"

// Limits of source and resize geometry
const MinDimension = 128
const MaxDimension = 4096

var ErrMissingKey = errors.New("missing configuration key")

// Config is the typed form of the setup file
type Config struct {
	ChannelCount int
	DeviceID     int
	QueueSize    int      // Capacity of every inter-stage queue
	Streams      []string // Stream location per channel (stream.ch<N>)

	ResizeWidth  int
	ResizeHeight int
	SkipInterval int // Forward one decoded frame out of every SkipInterval

	ModelWidth  int
	ModelHeight int
	ModelType   int
	ModelName   string
	ModelPath   string

	LabelPath    string
	ClassNum     int
	ResultPath   string // Directory (or bucket prefix) for result text files
	ResultBucket string // Optional GCS bucket for result files
	ResultDB     string // Optional sqlite file for results

	Listen string // Optional HTTP listen address for the status API

	v *viper.Viper
}

// Load reads a setup file from disk
func Load(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("Error in %v: %w", filename, err)
	}
	return cfg, nil
}

// Parse reads and validates a setup file. Lines are "key = value", and '#' starts a comment.
func Parse(r io.Reader) (*Config, error) {
	v := viper.New()
	v.SetDefault("SystemConfig.queueSize", DefaultQueueSize)
	v.SetDefault("SystemConfig.deviceId", 0)
	v.SetDefault("PostProcess.classNum", DefaultClassNum)
	v.SetDefault("PostProcess.resultPath", DefaultResultPath)
	if err := readKeyValues(r, v); err != nil {
		return nil, err
	}
	c := &Config{v: v}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// readKeyValues copies the "key = value" lines of r into v.
// viper has no codec for this format, so we parse the lines ourselves.
func readKeyValues(r io.Reader, v *viper.Viper) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("Line %v: expected 'key = value', but found '%v'", lineNum, line)
		}
		v.Set(key, strings.TrimSpace(value))
	}
	return scanner.Err()
}

func (c *Config) load() error {
	var err error
	ints := []struct {
		key      string
		dst      *int
		required bool
	}{
		{"SystemConfig.channelCount", &c.ChannelCount, true},
		{"SystemConfig.deviceId", &c.DeviceID, false},
		{"SystemConfig.queueSize", &c.QueueSize, false},
		{"VideoDecoder.resizeWidth", &c.ResizeWidth, true},
		{"VideoDecoder.resizeHeight", &c.ResizeHeight, true},
		{"skipInterval", &c.SkipInterval, true},
		{"ModelInfer.modelWidth", &c.ModelWidth, true},
		{"ModelInfer.modelHeight", &c.ModelHeight, true},
		{"ModelInfer.modelType", &c.ModelType, true},
		{"PostProcess.classNum", &c.ClassNum, false},
	}
	for _, i := range ints {
		if *i.dst, err = c.Int(i.key, i.required); err != nil {
			return err
		}
	}
	c.ModelName = c.String("ModelInfer.modelName")
	c.ModelPath = c.String("ModelInfer.modelPath")
	c.LabelPath = c.String("PostProcess.labelPath")
	c.ResultPath = c.String("PostProcess.resultPath")
	c.ResultBucket = c.String("PostProcess.resultBucket")
	c.ResultDB = c.String("PostProcess.resultDB")
	c.Listen = c.String("Server.listen")

	if c.ChannelCount <= 0 {
		return fmt.Errorf("SystemConfig.channelCount must be positive, but is %v", c.ChannelCount)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("SystemConfig.queueSize must be positive, but is %v", c.QueueSize)
	}
	if c.SkipInterval < 1 {
		return fmt.Errorf("skipInterval must be at least 1, but is %v", c.SkipInterval)
	}
	if c.ClassNum <= 0 {
		return fmt.Errorf("PostProcess.classNum must be positive, but is %v", c.ClassNum)
	}
	if c.ModelType != 0 && c.ModelType != 1 {
		return fmt.Errorf("ModelInfer.modelType must be 0 or 1, but is %v", c.ModelType)
	}
	if c.ModelPath == "" {
		return fmt.Errorf("%w: ModelInfer.modelPath", ErrMissingKey)
	}
	for _, dim := range []struct {
		key string
		v   int
	}{
		{"VideoDecoder.resizeWidth", c.ResizeWidth},
		{"VideoDecoder.resizeHeight", c.ResizeHeight},
		{"ModelInfer.modelWidth", c.ModelWidth},
		{"ModelInfer.modelHeight", c.ModelHeight},
	} {
		if dim.v < MinDimension || dim.v > MaxDimension {
			return fmt.Errorf("%v must be between %v and %v, but is %v", dim.key, MinDimension, MaxDimension, dim.v)
		}
	}
	c.Streams = make([]string, c.ChannelCount)
	for ch := 0; ch < c.ChannelCount; ch++ {
		key := StreamKey(ch)
		c.Streams[ch] = c.String(key)
		if c.Streams[ch] == "" {
			return fmt.Errorf("%w: %v", ErrMissingKey, key)
		}
	}
	return nil
}

// StreamKey returns the key of a channel's stream location
func StreamKey(channel int) string {
	return fmt.Sprintf("stream.ch%v", channel)
}

// Has returns true if the key is present (keys are case insensitive)
func (c *Config) Has(key string) bool {
	return c.v.IsSet(key)
}

// String returns the trimmed value of a key, or "" if it is absent
func (c *Config) String(key string) string {
	return strings.TrimSpace(c.v.GetString(key))
}

// Int parses an integer key. A malformed value is always an error.
// An absent key is an error only if required is true, otherwise it yields the default (or zero).
func (c *Config) Int(key string, required bool) (int, error) {
	if !c.v.IsSet(key) {
		if required {
			return 0, fmt.Errorf("%w: %v", ErrMissingKey, key)
		}
		return 0, nil
	}
	raw := c.v.Get(key)
	if s, ok := raw.(string); ok {
		raw = strings.TrimSpace(s)
	}
	i, err := cast.ToIntE(raw)
	if err != nil {
		return 0, fmt.Errorf("Invalid integer for %v: %w", key, err)
	}
	return i, nil
}

// StageString returns "<stage>.<key>", which is how per-stage settings such as modelPath are addressed
func (c *Config) StageString(stage, key string) string {
	return c.String(stage + "." + key)
}
