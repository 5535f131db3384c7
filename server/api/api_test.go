package api

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/cyclopcam/inferpipe/server/monitor"
	"github.com/cyclopcam/inferpipe/server/streamsource"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	mon *monitor.Monitor
	srv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	log := logs.NewTestingLog(t)
	mon := monitor.NewMonitor(log, 2, monitor.DefaultHistorySize)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("inferpipe_up 1\n"))
	})
	s := New(log, Deps{
		Monitor: mon,
		Streams: streamsource.NewStates(2),
		Metrics: metrics,
	})
	ts := &testServer{
		mon: mon,
		srv: httptest.NewServer(s.Handler()),
	}
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) get(t *testing.T, path string) (int, []byte) {
	resp, err := ts.srv.Client().Get(ts.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func testResult(ch int, frame uint64) *nn.DetectionResult {
	return &nn.DetectionResult{
		ChannelID:   ch,
		FrameID:     frame,
		ImageWidth:  1280,
		ImageHeight: 720,
		Objects: []nn.ObjectDetection{
			{Class: 0, Label: "person", Confidence: 0.9, Box: nn.Box{X1: 100, Y1: 100, X2: 300, Y2: 600}},
			{Class: 9, Confidence: 0.4, Box: nn.Box{X1: 900, Y1: 50, X2: 1000, Y2: 90}},
		},
	}
}

func TestStatusEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.mon.WriteResult(testResult(1, 10))

	code, body := ts.get(t, "/api/ping")
	require.Equal(t, 200, code)
	require.Contains(t, string(body), `"time"`)

	code, body = ts.get(t, "/api/status")
	require.Equal(t, 200, code)
	status := statusJSON{}
	require.NoError(t, json.Unmarshal(body, &status))
	require.Len(t, status.Channels, 2)
	require.Equal(t, "connecting", status.Channels[0].State)
	require.EqualValues(t, 1, status.Channels[1].Results)
	require.EqualValues(t, 2, status.Channels[1].Objects)
	require.Nil(t, status.Shutdown)
	require.Contains(t, status.StageMS, "inference")

	code, body = ts.get(t, "/api/channel/1/latest")
	require.Equal(t, 200, code)
	state := monitor.ChannelState{}
	require.NoError(t, json.Unmarshal(body, &state))
	require.EqualValues(t, 10, state.Latest.FrameID)
	require.Equal(t, "person", state.Latest.Objects[0].Label)

	code, body = ts.get(t, "/api/channel/1/history")
	require.Equal(t, 200, code)
	history := []monitor.FrameSummary{}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 1)

	code, _ = ts.get(t, "/api/channel/2/latest")
	require.Equal(t, 400, code)
	code, _ = ts.get(t, "/api/channel/x/latest")
	require.Equal(t, 400, code)

	code, body = ts.get(t, "/metrics")
	require.Equal(t, 200, code)
	require.Equal(t, "inferpipe_up 1\n", string(body))

	// Without a pipeline, there is nothing to shut down
	resp, err := ts.srv.Client().Post(ts.srv.URL+"/api/shutdown", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 400, resp.StatusCode)
}

func TestChannelImage(t *testing.T) {
	ts := newTestServer(t)
	ts.mon.WriteResult(testResult(0, 3))

	code, body := ts.get(t, "/api/channel/0/image")
	require.Equal(t, 200, code)
	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	// 1280x720 is scaled down to fit MaxImageWidth
	require.Equal(t, MaxImageWidth, img.Bounds().Dx())
	require.Equal(t, 360, img.Bounds().Dy())

	// No result yet
	code, body = ts.get(t, "/api/channel/1/image")
	require.Equal(t, 200, code)
	img, err = png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, defaultImageWidth, img.Bounds().Dx())
}

func readFeed(t *testing.T, conn *websocket.Conn) feedMessage {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg := feedMessage{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestFeed(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/feed?channel=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "ready", readFeed(t, conn).Type)

	ts.mon.WriteResult(testResult(0, 1)) // Not our channel
	ts.mon.WriteResult(testResult(1, 2))
	ts.mon.ChannelEOF(1)

	msg := readFeed(t, conn)
	require.Equal(t, "event", msg.Type)
	require.Equal(t, 1, msg.Event.Channel)
	require.EqualValues(t, 2, msg.Event.Result.FrameID)
	msg = readFeed(t, conn)
	require.True(t, msg.Event.EOF)

	// Closing the monitor ends the feed
	ts.mon.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}

func TestFeedBadChannel(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/feed?channel=7"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, 400, resp.StatusCode)
}
