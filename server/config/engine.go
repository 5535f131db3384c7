package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/viper"
)

// EngineConfig describes the compute devices and engine implementation (-acl_setup)
type EngineConfig struct {
	Engine          string `mapstructure:"engine" json:"engine"`                   // Only "sim" is built in
	Devices         []int  `mapstructure:"devices" json:"devices"`                 // Device ids. Empty means [0].
	DecodeLatencyMs int    `mapstructure:"decodeLatencyMs" json:"decodeLatencyMs"` // Artificial latency of each decode completion
	InferLatencyMs  int    `mapstructure:"inferLatencyMs" json:"inferLatencyMs"`   // Artificial latency of each inference
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Engine:  "sim",
		Devices: []int{0},
	}
}

func LoadEngineConfig(filename string) (*EngineConfig, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg, err := ParseEngineConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("Error in %v: %w", filename, err)
	}
	return cfg, nil
}

func ParseEngineConfig(r io.Reader) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("Error loading as JSON: %w", err)
	}
	cfg := DefaultEngineConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = []int{0}
	}
	if cfg.Engine != "sim" {
		return nil, fmt.Errorf("Unknown engine '%v'", cfg.Engine)
	}
	if cfg.DecodeLatencyMs < 0 || cfg.InferLatencyMs < 0 {
		return nil, fmt.Errorf("Engine latencies may not be negative")
	}
	return cfg, nil
}

// DeviceFor returns the device that a channel's decode work is bound to
func (e *EngineConfig) DeviceFor(channel int) int {
	return e.Devices[channel%len(e.Devices)]
}
