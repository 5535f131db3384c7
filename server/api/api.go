// Package api serves pipeline status, the latest detections, and a live detection feed over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cyclopcam/inferpipe/server/monitor"
	"github.com/cyclopcam/inferpipe/server/pipeline"
	"github.com/cyclopcam/inferpipe/server/streamsource"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Deps are the parts of the running system that the API reports on.
// Pipeline, Streams and Metrics may be nil.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Monitor  *monitor.Monitor
	Streams  *streamsource.States
	Metrics  http.Handler
}

type Server struct {
	Log  logs.Log
	deps Deps

	router     *httprouter.Router
	wsUpgrader websocket.Upgrader
	httpServer *http.Server
}

func New(logger logs.Log, deps Deps) *Server {
	s := &Server{
		Log:  logger,
		deps: deps,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.setupHttpRoutes()
	return s
}

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/status", s.httpStatus)
	handle("GET", "/api/channel/:id/latest", s.httpChannelLatest)
	handle("GET", "/api/channel/:id/history", s.httpChannelHistory)
	ratelimited("GET", "/api/channel/:id/image", s.httpChannelImage, 10, time.Second)
	handle("GET", "/api/feed", s.httpFeed)
	ratelimited("POST", "/api/shutdown", s.httpShutdown, 1, time.Second)
	if s.deps.Metrics != nil {
		router.Handler("GET", "/metrics", s.deps.Metrics)
	}

	s.router = router
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server fails, or Shutdown is called
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.Log.Infof("Listening on %v", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
