package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/cyclopcam/inferpipe/server/perfstats"
	"github.com/cyclopcam/inferpipe/server/pipeline"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// SYNC-STATUS-JSON
type channelStatusJSON struct {
	Channel int    `json:"channel"`
	Stream  string `json:"stream,omitempty"`
	State   string `json:"state,omitempty"`
	Frames  uint64 `json:"frames"`
	Results uint64 `json:"results"`
	Objects uint64 `json:"objects"`
	Ended   bool   `json:"ended"`
}

type shutdownJSON struct {
	Set             bool   `json:"set"`
	Reason          string `json:"reason,omitempty"`
	StoppedChannels int    `json:"stoppedChannels"`
	ChannelCount    int    `json:"channelCount"`
}

type statusJSON struct {
	Channels []channelStatusJSON     `json:"channels"`
	Workers  []pipeline.WorkerStatus `json:"workers"`
	Shutdown *shutdownJSON           `json:"shutdown,omitempty"`
	StageMS  map[string]float64      `json:"stageMS"` // Moving average duration of each stage, in milliseconds
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	www.SendJSON(w, &pingJSON{Time: time.Now().Unix()})
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	status := statusJSON{
		Workers: []pipeline.WorkerStatus{},
		StageMS: map[string]float64{},
	}
	for _, c := range s.deps.Monitor.Channels() {
		cs := channelStatusJSON{
			Channel: c.Channel,
			Results: c.Results,
			Objects: c.Objects,
			Ended:   c.Ended,
		}
		if st := s.deps.Streams; st != nil && c.Channel < st.ChannelCount() {
			cs.State = st.Get(c.Channel).String()
			cs.Frames = st.Frames(c.Channel)
		}
		if p := s.deps.Pipeline; p != nil && p.Config != nil && c.Channel < len(p.Config.Streams) {
			cs.Stream = p.Config.Streams[c.Channel]
		}
		status.Channels = append(status.Channels, cs)
	}
	if p := s.deps.Pipeline; p != nil {
		status.Workers = p.Status()
		sd := p.Shutdown()
		status.Shutdown = &shutdownJSON{
			Set:             sd.IsSet(),
			Reason:          sd.Reason(),
			StoppedChannels: sd.StoppedChannels(),
			ChannelCount:    sd.ChannelCount(),
		}
	}
	for _, stage := range perfstats.AllStages() {
		status.StageMS[stage.String()] = float64(perfstats.Stats.Average(stage).Microseconds()) / 1000
	}
	www.SendJSON(w, &status)
}

func (s *Server) parseChannel(params httprouter.Params) int {
	ch, err := strconv.Atoi(params.ByName("id"))
	if err != nil || ch < 0 || ch >= s.deps.Monitor.ChannelCount() {
		www.PanicBadRequestf("Invalid channel '%v'", params.ByName("id"))
	}
	return ch
}

func (s *Server) httpChannelLatest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ch := s.parseChannel(params)
	state, err := s.deps.Monitor.Channel(ch)
	www.Check(err)
	www.SendJSON(w, &state)
}

func (s *Server) httpChannelHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ch := s.parseChannel(params)
	history, err := s.deps.Monitor.History(ch)
	www.Check(err)
	www.SendJSON(w, history)
}

// Renders the most recent detections of a channel as a PNG
func (s *Server) httpChannelImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ch := s.parseChannel(params)
	latest, err := s.deps.Monitor.Latest(ch)
	www.Check(err)
	if latest == nil {
		latest = &nn.DetectionResult{ChannelID: ch}
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	www.Check(RenderDetections(w, latest, MaxImageWidth))
}

func (s *Server) httpShutdown(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.deps.Pipeline == nil {
		www.PanicBadRequestf("No pipeline is running")
	}
	if s.deps.Pipeline.Shutdown().Request("requested over HTTP") {
		s.Log.Infof("Shutdown requested by %v", r.RemoteAddr)
	}
	www.SendOK(w)
}
