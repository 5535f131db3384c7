package pipeline

import (
	"sync"
	"sync/atomic"
)

// Shutdown is shared by every module of a pipeline.
// The flag is set exactly once, either by Request, or when every channel has stopped.
type Shutdown struct {
	channelCount int
	flag         atomic.Bool
	stopped      atomic.Int32
	perChannel   []atomic.Bool
	done         chan struct{}

	reasonLock sync.Mutex
	reason     string
}

func NewShutdown(channelCount int) *Shutdown {
	return &Shutdown{
		channelCount: channelCount,
		perChannel:   make([]atomic.Bool, channelCount),
		done:         make(chan struct{}),
	}
}

// Request sets the shutdown flag. Returns true if this call was the one that set it.
func (s *Shutdown) Request(reason string) bool {
	if !s.flag.CompareAndSwap(false, true) {
		return false
	}
	s.reasonLock.Lock()
	s.reason = reason
	s.reasonLock.Unlock()
	close(s.done)
	return true
}

// ChannelStopped records that a channel has reached its end. Repeated calls for the same channel
// are ignored. When the last channel stops, the flag is set. Returns true if this call set the flag.
func (s *Shutdown) ChannelStopped(channel int) bool {
	if channel < 0 || channel >= s.channelCount {
		return false
	}
	if !s.perChannel[channel].CompareAndSwap(false, true) {
		return false
	}
	if int(s.stopped.Add(1)) == s.channelCount {
		return s.Request("all channels reached EOF")
	}
	return false
}

func (s *Shutdown) IsSet() bool {
	return s.flag.Load()
}

// Done is closed when the flag is set
func (s *Shutdown) Done() <-chan struct{} {
	return s.done
}

func (s *Shutdown) StoppedChannels() int {
	return int(s.stopped.Load())
}

func (s *Shutdown) ChannelCount() int {
	return s.channelCount
}

// IsChannelStopped returns true if the channel has reported its end
func (s *Shutdown) IsChannelStopped(channel int) bool {
	if channel < 0 || channel >= s.channelCount {
		return false
	}
	return s.perChannel[channel].Load()
}

// Reason is empty until the flag is set
func (s *Shutdown) Reason() string {
	s.reasonLock.Lock()
	defer s.reasonLock.Unlock()
	return s.reason
}
