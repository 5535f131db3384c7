package log

import (
	"fmt"
	"sync"
	"time"
)

// Default minimum interval between repeated errors
const DefaultThrottleInterval = 15 * time.Second

// Throttle limits a stream of similar errors to one message per Interval.
// The next message that gets through reports how many were suppressed.
type Throttle struct {
	Log      Log
	Interval time.Duration

	lock       sync.Mutex
	lastAt     time.Time
	suppressed int
}

func NewThrottle(log Log, interval time.Duration) *Throttle {
	return &Throttle{
		Log:      log,
		Interval: interval,
	}
}

// Errorf logs the message if at least Interval has passed since the previous one.
// Returns true if the message was logged.
func (t *Throttle) Errorf(format string, a ...any) bool {
	t.lock.Lock()
	now := time.Now()
	if !t.lastAt.IsZero() && now.Sub(t.lastAt) < t.Interval {
		t.suppressed++
		t.lock.Unlock()
		return false
	}
	if t.suppressed != 0 {
		format += fmt.Sprintf(" (%v similar errors suppressed)", t.suppressed)
	}
	t.lastAt = now
	t.suppressed = 0
	t.lock.Unlock()
	t.Log.Errorf(format, a...)
	return true
}

// Suppressed returns the number of messages dropped since the last one that was logged
func (t *Throttle) Suppressed() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.suppressed
}
