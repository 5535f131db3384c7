package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cyclopcam/inferpipe/server/monitor"
	"github.com/cyclopcam/www"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const feedWriteTimeout = 5 * time.Second

// Every websocket message is a text frame holding one of these.
// The first message is always "ready", which means the watcher is registered.
// SYNC-FEED-MESSAGE
type feedMessage struct {
	Type  string         `json:"type"` // "ready" or "event"
	Event *monitor.Event `json:"event,omitempty"`
}

// Live stream of detection events. An optional ?channel=N restricts the feed to one channel.
func (s *Server) httpFeed(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	channel := -1
	if v := www.QueryValue(r, "channel"); v != "" {
		ch, err := strconv.Atoi(v)
		if err != nil || ch < 0 || ch >= s.deps.Monitor.ChannelCount() {
			www.PanicBadRequestf("Invalid channel '%v'", v)
		}
		channel = ch
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("Feed websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var events chan *monitor.Event
	if channel == -1 {
		events = s.deps.Monitor.AddWatcherAllChannels()
		defer s.deps.Monitor.RemoveWatcherAllChannels(events)
	} else {
		events = s.deps.Monitor.AddWatcher(channel)
		defer s.deps.Monitor.RemoveWatcher(channel, events)
	}

	// We don't expect anything from the client, but we must read in order to notice a close
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeFeed(conn, &feedMessage{Type: "ready"}); err != nil {
		return
	}
	for {
		select {
		case <-clientGone:
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "monitor closed"), time.Now().Add(time.Second))
				return
			}
			if err := s.writeFeed(conn, &feedMessage{Type: "event", Event: ev}); err != nil {
				s.Log.Infof("Feed websocket closed: %v", err)
				return
			}
		}
	}
}

func (s *Server) writeFeed(conn *websocket.Conn, msg *feedMessage) error {
	conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return conn.WriteJSON(msg)
}
