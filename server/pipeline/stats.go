package pipeline

import "sync/atomic"

// WorkerStats are the counters of one worker. They're updated by the orchestrator and by modules.
type WorkerStats struct {
	Received  atomic.Uint64 // Messages taken from the queue
	Sent      atomic.Uint64 // Messages sent downstream
	Errors    atomic.Uint64 // Process errors (the message was dropped)
	Panics    atomic.Uint64 // Process panics (the message was dropped)
	Dropped   atomic.Uint64 // Frames that a module decided not to forward, for example skipped frames
	EOFs      atomic.Uint64 // EOF messages sent downstream
	LastFrame atomic.Uint64 // Most recent frame id sent downstream
}

// WorkerStatus is a snapshot of one worker, for reporting
type WorkerStatus struct {
	Role       string `json:"role"`
	Instance   int    `json:"instance"`
	QueueDepth int    `json:"queueDepth"`
	QueueCap   int    `json:"queueCap"`
	Received   uint64 `json:"received"`
	Sent       uint64 `json:"sent"`
	Errors     uint64 `json:"errors"`
	Panics     uint64 `json:"panics"`
	Dropped    uint64 `json:"dropped"`
	EOFs       uint64 `json:"eofs"`
	LastFrame  uint64 `json:"lastFrame"`
	Finished   bool   `json:"finished"`
}
