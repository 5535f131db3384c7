package monitor

import "github.com/cyclopcam/inferpipe/pkg/nn"

// SYNC-WATCHER-CHANNEL-SIZE
const WatcherChannelSize = 100

// Results are dropped once a watcher has this many events queued.
// The rest of the channel buffer is reserved for EOF events, which are never dropped.
const watcherResultLimit = WatcherChannelSize * 9 / 10

// Event is what watchers receive: either a result, or the end of a channel
type Event struct {
	Channel int                 `json:"channel"`
	Result  *nn.DetectionResult `json:"result,omitempty"`
	EOF     bool                `json:"eof,omitempty"`
}

// Register to receive the events of a specific channel.
// The returned channel is closed when the monitor is closed.
func (m *Monitor) AddWatcher(channel int) chan *Event {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	ch := make(chan *Event, WatcherChannelSize+1)
	if m.closed {
		close(ch)
		return ch
	}
	m.watchers[channel] = append(m.watchers[channel], ch)
	return ch
}

// Unregister from the events of a specific channel
func (m *Monitor) RemoveWatcher(channel int, ch chan *Event) {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	if m.closed {
		return
	}
	list, ok := removeWatcher(m.watchers[channel], ch)
	if !ok {
		m.Log.Warnf("Monitor.RemoveWatcher failed to find watcher for channel %v", channel)
		return
	}
	m.watchers[channel] = list
}

// Add a watcher that is interested in all channels
func (m *Monitor) AddWatcherAllChannels() chan *Event {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	ch := make(chan *Event, WatcherChannelSize+len(m.channels))
	if m.closed {
		close(ch)
		return ch
	}
	m.watchersAll = append(m.watchersAll, ch)
	return ch
}

// Unregister from the events of all channels
func (m *Monitor) RemoveWatcherAllChannels(ch chan *Event) {
	m.watchersLock.Lock()
	defer m.watchersLock.Unlock()
	if m.closed {
		return
	}
	list, ok := removeWatcher(m.watchersAll, ch)
	if !ok {
		m.Log.Warnf("Monitor.RemoveWatcherAllChannels failed to find watcher")
		return
	}
	m.watchersAll = list
}

func removeWatcher(list []chan *Event, ch chan *Event) ([]chan *Event, bool) {
	for i, w := range list {
		if w == ch {
			list[i] = list[len(list)-1]
			return list[:len(list)-1], true
		}
	}
	return list, false
}

func (m *Monitor) sendToWatchers(ev *Event) {
	m.watchersLock.RLock()
	defer m.watchersLock.RUnlock()
	// Serialized, so that the result limit is exact and the EOF reserve can't be consumed
	m.sendLock.Lock()
	defer m.sendLock.Unlock()
	// A slow watcher loses results rather than stalling the pipeline
	for _, ch := range m.watchers[ev.Channel] {
		m.trySend(ch, ev)
	}
	for _, ch := range m.watchersAll {
		m.trySend(ch, ev)
	}
}

func (m *Monitor) trySend(ch chan *Event, ev *Event) {
	// SYNC-WATCHER-CHANNEL-SIZE
	if len(ch) >= watcherResultLimit && !ev.EOF {
		m.dropped.Add(1)
		m.behind.Errorf("Monitor watcher is falling behind. Dropping events.")
		return
	}
	select {
	case ch <- ev:
	default:
		m.dropped.Add(1)
	}
}
