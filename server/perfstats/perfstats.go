// Package perfstats is a single place where we record how long each pipeline stage
// takes, so that it's easy to compare engines and hardware.
package perfstats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Stage identifies one step of the per-frame work
type Stage int

const (
	StageDecode Stage = iota
	StageResize
	StageInference
	StagePostProcess
	numStages
)

var stageNames = [numStages]string{"decode", "resize", "inference", "postprocess"}

func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// AllStages lists every stage, in pipeline order
func AllStages() []Stage {
	return []Stage{StageDecode, StageResize, StageInference, StagePostProcess}
}

type PerfStats struct {
	nanoseconds [numStages]atomic.Uint64 // Moving average
	samples     [numStages]atomic.Uint64
}

var Stats = PerfStats{}

// UpdateMovingAverage folds value into a 1/64 exponential moving average.
// The first sample initializes the average.
func UpdateMovingAverage(stat *atomic.Uint64, value int64) {
	if value < 0 {
		value = 0
	}
	vu := uint64(value)
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(vu)
	} else {
		stat.Store((stat.Load()*63 + vu) >> 6)
	}
}

// Record adds a duration sample for a stage
func (s *PerfStats) Record(stage Stage, d time.Duration) {
	UpdateMovingAverage(&s.nanoseconds[stage], d.Nanoseconds())
	s.samples[stage].Add(1)
}

// Since is shorthand for Record(stage, time.Since(start))
func (s *PerfStats) Since(stage Stage, start time.Time) {
	s.Record(stage, time.Since(start))
}

// Average returns the moving average duration of a stage
func (s *PerfStats) Average(stage Stage) time.Duration {
	return time.Duration(s.nanoseconds[stage].Load())
}

func (s *PerfStats) Samples(stage Stage) uint64 {
	return s.samples[stage].Load()
}

func (s *PerfStats) Reset() {
	for i := range s.nanoseconds {
		s.nanoseconds[i].Store(0)
		s.samples[i].Store(0)
	}
}

func (s *PerfStats) String() string {
	b := &strings.Builder{}
	for _, stage := range AllStages() {
		if b.Len() != 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%v: %0.3f ms", stage, float64(s.Average(stage).Nanoseconds())/1e6)
	}
	return b.String()
}
