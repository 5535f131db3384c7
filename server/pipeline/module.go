package pipeline

import (
	"context"
	"errors"

	"github.com/cyclopcam/inferpipe/server/config"
	"github.com/cyclopcam/logs"
)

var ErrStopped = errors.New("channel has already sent EOF")

// Module is one stage of the pipeline. The orchestrator creates one Module per (role, instance),
// and calls Process from a single goroutine, so a Module needs no locking of its own,
// unless it sends from other goroutines (for example engine callbacks).
type Module interface {
	Init(ctx *InitContext) error
	// Process handles one message. Returning an error drops the message, and processing continues.
	// A Module must forward EOF for a channel exactly once, after everything else for that channel.
	Process(msg Message) error
	DeInit() error
}

// Source is a Module with no inputs, which produces messages from its own read loop
type Source interface {
	Module
	// Run reads until the input ends or ctx is cancelled, and then sends EOF.
	Run(ctx context.Context) error
	// MakeEOF returns an EOF message for a channel. The orchestrator uses this to terminate
	// a channel whose source failed to send EOF itself.
	MakeEOF(channel int) Message
}

// InitContext is everything a module receives from the orchestrator
type InitContext struct {
	Log          logs.Log // Prefixed with role and instance
	Role         string
	Instance     int
	Channels     []int // The channels served by this instance
	ChannelCount int
	Config       *config.Config
	Shutdown     *Shutdown
	Stats        *WorkerStats

	send func(msg Message) error
}

// Send routes a message to the downstream stage(s). Send blocks while the target queue is full.
// It is safe to call from any goroutine.
func (c *InitContext) Send(msg Message) error {
	return c.send(msg)
}
