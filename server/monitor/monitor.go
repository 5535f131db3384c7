// Package monitor keeps the recent detection state of every channel, for the status API and the live feed.
package monitor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/cyclopcam/inferpipe/server/log"
	"github.com/cyclopcam/logs"
)

// Number of frame summaries kept per channel. Rounded up to a power of 2.
const DefaultHistorySize = 64

// FrameSummary is a compact record of one processed frame
type FrameSummary struct {
	FrameID uint64    `json:"frameID"`
	Objects int       `json:"objects"`
	At      time.Time `json:"at"`
}

// ChannelState is a snapshot of one channel
type ChannelState struct {
	Channel  int                 `json:"channel"`
	Results  uint64              `json:"results"`
	Objects  uint64              `json:"objects"` // Total number of objects detected
	Ended    bool                `json:"ended"`
	LatestAt time.Time           `json:"latestAt"`
	Latest   *nn.DetectionResult `json:"latest,omitempty"`
}

type channelState struct {
	results  uint64
	objects  uint64
	ended    bool
	latest   *nn.DetectionResult
	latestAt time.Time
	history  ringbuffer.RingP[FrameSummary]
}

// Monitor is a results.Sink that remembers what it has seen, and forwards it to watchers.
// Results are treated as immutable once they reach the monitor.
type Monitor struct {
	Log logs.Log

	lock     sync.Mutex
	channels []*channelState

	watchersLock sync.RWMutex
	sendLock     sync.Mutex
	watchers     map[int][]chan *Event
	watchersAll  []chan *Event
	closed       bool
	dropped      atomic.Uint64
	behind       *log.Throttle
}

func NewMonitor(logger logs.Log, channelCount, historySize int) *Monitor {
	historySize = nextPowerOf2(max(historySize, 1))
	m := &Monitor{
		Log:      logger,
		watchers: map[int][]chan *Event{},
		behind:   log.NewThrottle(logger, log.DefaultThrottleInterval),
	}
	for i := 0; i < channelCount; i++ {
		m.channels = append(m.channels, &channelState{
			history: ringbuffer.NewRingP[FrameSummary](historySize),
		})
	}
	return m
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

func (m *Monitor) channel(ch int) (*channelState, error) {
	if ch < 0 || ch >= len(m.channels) {
		return nil, fmt.Errorf("Invalid channel %v", ch)
	}
	return m.channels[ch], nil
}

func (m *Monitor) WriteResult(res *nn.DetectionResult) error {
	now := time.Now()
	m.lock.Lock()
	c, err := m.channel(res.ChannelID)
	if err != nil {
		m.lock.Unlock()
		return err
	}
	c.results++
	c.objects += uint64(len(res.Objects))
	c.latest = res
	c.latestAt = now
	c.history.Add(FrameSummary{
		FrameID: res.FrameID,
		Objects: len(res.Objects),
		At:      now,
	})
	m.lock.Unlock()

	m.sendToWatchers(&Event{Channel: res.ChannelID, Result: res})
	return nil
}

func (m *Monitor) ChannelEOF(ch int) error {
	m.lock.Lock()
	c, err := m.channel(ch)
	if err != nil {
		m.lock.Unlock()
		return err
	}
	if c.ended {
		m.lock.Unlock()
		return nil
	}
	c.ended = true
	m.lock.Unlock()

	m.sendToWatchers(&Event{Channel: ch, EOF: true})
	return nil
}

// Close closes every watcher channel. Later results are still recorded, but not forwarded.
func (m *Monitor) Close() error {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, list := range m.watchers {
		for _, w := range list {
			close(w)
		}
	}
	for _, w := range m.watchersAll {
		close(w)
	}
	m.watchers = map[int][]chan *Event{}
	m.watchersAll = nil
	return nil
}

func (m *Monitor) ChannelCount() int {
	return len(m.channels)
}

// Latest returns the most recent result of a channel, or nil if there is none yet
func (m *Monitor) Latest(ch int) (*nn.DetectionResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	c, err := m.channel(ch)
	if err != nil {
		return nil, err
	}
	return c.latest, nil
}

func (m *Monitor) Channel(ch int) (ChannelState, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	c, err := m.channel(ch)
	if err != nil {
		return ChannelState{}, err
	}
	return c.snapshot(ch), nil
}

func (m *Monitor) Channels() []ChannelState {
	m.lock.Lock()
	defer m.lock.Unlock()
	all := make([]ChannelState, len(m.channels))
	for i, c := range m.channels {
		all[i] = c.snapshot(i)
	}
	return all
}

func (c *channelState) snapshot(ch int) ChannelState {
	return ChannelState{
		Channel:  ch,
		Results:  c.results,
		Objects:  c.objects,
		Ended:    c.ended,
		LatestAt: c.latestAt,
		Latest:   c.latest,
	}
}

// History returns the most recent frame summaries of a channel, oldest first
func (m *Monitor) History(ch int) ([]FrameSummary, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	c, err := m.channel(ch)
	if err != nil {
		return nil, err
	}
	h := make([]FrameSummary, 0, c.history.Len())
	for i := 0; i < c.history.Len(); i++ {
		h = append(h, c.history.Peek(i))
	}
	return h, nil
}

// Dropped returns the number of events that watchers were too slow to receive
func (m *Monitor) Dropped() uint64 {
	return m.dropped.Load()
}
