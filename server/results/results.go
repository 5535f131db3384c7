// Package results persists detection results. Each Sink is a destination, and Multi fans out to several.
package results

import (
	"errors"

	"github.com/cyclopcam/inferpipe/pkg/nn"
)

// Sink receives the detections of every processed frame.
// A sink is called from the post-processing workers, possibly for several channels at once,
// so implementations must be safe for concurrent use.
type Sink interface {
	WriteResult(res *nn.DetectionResult) error
	// ChannelEOF is called exactly once per channel, after its last result
	ChannelEOF(channel int) error
	Close() error
}

// Multi sends everything to every sink. Errors are joined, and don't stop the remaining sinks.
type Multi []Sink

func (m Multi) WriteResult(res *nn.DetectionResult) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteResult(res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) ChannelEOF(channel int) error {
	var errs []error
	for _, s := range m {
		if err := s.ChannelEOF(channel); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
