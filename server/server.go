// Package server assembles a complete detection pipeline from configuration, and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/cyclopcam/inferpipe/server/api"
	"github.com/cyclopcam/inferpipe/server/config"
	"github.com/cyclopcam/inferpipe/server/engine/sim"
	"github.com/cyclopcam/inferpipe/server/engine/software"
	"github.com/cyclopcam/inferpipe/server/framedecoder"
	"github.com/cyclopcam/inferpipe/server/metrics"
	"github.com/cyclopcam/inferpipe/server/modelrunner"
	"github.com/cyclopcam/inferpipe/server/monitor"
	"github.com/cyclopcam/inferpipe/server/perfstats"
	"github.com/cyclopcam/inferpipe/server/pipeline"
	"github.com/cyclopcam/inferpipe/server/postprocess"
	"github.com/cyclopcam/inferpipe/server/results"
	"github.com/cyclopcam/inferpipe/server/storage"
	"github.com/cyclopcam/inferpipe/server/streamsource"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

// Role names. Per-stage configuration keys are prefixed with these, for example ModelInfer.modelPath.
const (
	RoleStreamPuller = "StreamPuller"
	RoleVideoDecoder = "VideoDecoder"
	RoleModelInfer   = "ModelInfer"
	RolePostProcess  = "PostProcess"
)

// How long we wait for HTTP clients when shutting down
const apiShutdownTimeout = 3 * time.Second

type Server struct {
	Log      logs.Log
	Config   *config.Config
	Engine   *config.EngineConfig
	RunID    string
	Monitor  *monitor.Monitor
	Streams  *streamsource.States
	Pipeline *pipeline.Pipeline
	Labels   []string

	media     *sim.MediaEngine
	inference *sim.InferenceEngine
	store     storage.Storage
	db        *results.DBSink
	sinks     results.Multi
	api       *api.Server
}

// NewServer creates every component, but starts nothing.
// On failure, whatever was already created is closed.
func NewServer(logger logs.Log, cfg *config.Config, engineCfg *config.EngineConfig) (*Server, error) {
	if engineCfg == nil {
		engineCfg = config.DefaultEngineConfig()
	}
	s := &Server{
		Log:     logger,
		Config:  cfg,
		Engine:  engineCfg,
		RunID:   uuid.NewString(),
		Monitor: monitor.NewMonitor(logger, cfg.ChannelCount, monitor.DefaultHistorySize),
		Streams: streamsource.NewStates(cfg.ChannelCount),
	}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	var err error
	s.Labels = nn.COCOClasses
	if cfg.LabelPath != "" {
		if s.Labels, err = nn.LoadLabelFile(cfg.LabelPath); err != nil {
			return nil, err
		}
	}

	if s.store, err = storage.Open(logger, cfg.ResultPath, cfg.ResultBucket); err != nil {
		return nil, err
	}
	s.sinks = append(s.sinks, results.NewTextSink(s.store, s.Labels))
	if cfg.ResultDB != "" {
		if s.db, err = results.OpenDB(logger, cfg.ResultDB, s.RunID, cfg.ChannelCount, cfg.ModelName); err != nil {
			return nil, err
		}
		s.sinks = append(s.sinks, s.db)
	}
	s.sinks = append(s.sinks, s.Monitor)

	s.media = sim.NewMediaEngine(logger, time.Duration(engineCfg.DecodeLatencyMs)*time.Millisecond)
	s.inference = sim.NewInferenceEngine(logger, time.Duration(engineCfg.InferLatencyMs)*time.Millisecond)
	resizer := software.NewResizer(software.ResizeQualityLow)

	graph := pipeline.Graph{
		Roles: []pipeline.Role{
			{
				Name:      RoleStreamPuller,
				Instances: pipeline.PerChannel,
				New:       func() pipeline.Module { return streamsource.New(s.Streams) },
				Next:      []string{RoleVideoDecoder},
			},
			{
				Name:      RoleVideoDecoder,
				Instances: pipeline.PerChannel,
				New:       func() pipeline.Module { return framedecoder.New(s.media, resizer, engineCfg.DeviceFor) },
				Next:      []string{RoleModelInfer},
			},
			{
				Name:      RoleModelInfer,
				Instances: pipeline.PerChannel,
				New:       func() pipeline.Module { return modelrunner.New(s.inference) },
				Next:      []string{RolePostProcess},
			},
			{
				Name:      RolePostProcess,
				Instances: pipeline.PerChannel,
				New:       func() pipeline.Module { return postprocess.New(s.sinks, s.Labels) },
			},
		},
	}
	if s.Pipeline, err = pipeline.New(logger, cfg, graph, cfg.ChannelCount, cfg.QueueSize); err != nil {
		return nil, err
	}

	if cfg.Listen != "" {
		collector := metrics.NewCollector(logger, metrics.Sources{
			Pipeline: s.Pipeline,
			Monitor:  s.Monitor,
			Streams:  s.Streams,
			Perf:     &perfstats.Stats,
		})
		registry, err := metrics.NewRegistry(collector)
		if err != nil {
			return nil, err
		}
		s.api = api.New(logger, api.Deps{
			Pipeline: s.Pipeline,
			Monitor:  s.Monitor,
			Streams:  s.Streams,
			Metrics:  metrics.Handler(registry),
		})
	}
	ok = true
	return s, nil
}

// Run initializes the pipeline, runs it to completion, and then releases everything.
// Cancelling ctx drains the pipeline. Init failures are returned without running anything.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	if err := s.Pipeline.Init(); err != nil {
		return err
	}
	s.Log.Infof("Pipeline initialized: %v channels, run %v", s.Config.ChannelCount, s.RunID)

	apiErr := make(chan error, 1)
	if s.api != nil {
		go func() {
			apiErr <- s.api.ListenAndServe(s.Config.Listen)
		}()
	}
	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	err := s.Pipeline.Run(ctx)
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	if s.api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		if err := s.api.Shutdown(shutdownCtx); err != nil {
			s.Log.Warnf("HTTP shutdown: %v", err)
		}
		cancel()
		if err := <-apiErr; err != nil {
			s.Log.Errorf("HTTP server failed: %v", err)
		}
	}
	s.logSummary()
	return err
}

func (s *Server) logSummary() {
	for _, c := range s.Monitor.Channels() {
		s.Log.Infof("Channel %v: %v frames read, %v results, %v objects", c.Channel, s.Streams.Frames(c.Channel), c.Results, c.Objects)
	}
	for _, stage := range perfstats.AllStages() {
		if n := perfstats.Stats.Samples(stage); n != 0 {
			s.Log.Infof("%v: %v samples, average %v", stage, n, perfstats.Stats.Average(stage))
		}
	}
}

// Close releases the engines and result sinks. It is safe to call more than once.
func (s *Server) Close() error {
	var errs []error
	if s.sinks != nil {
		errs = append(errs, s.sinks.Close())
		s.sinks = nil
	}
	if s.store != nil {
		if c, ok := s.store.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		s.store = nil
	}
	if s.media != nil {
		errs = append(errs, s.media.Close())
		s.media = nil
	}
	if s.inference != nil {
		errs = append(errs, s.inference.Close())
		s.inference = nil
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	return nil
}
