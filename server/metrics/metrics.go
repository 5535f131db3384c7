// Package metrics exposes pipeline state in the Prometheus text format.
// Nothing is pushed. Every scrape takes a fresh snapshot of the sources.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/cyclopcam/inferpipe/server/monitor"
	"github.com/cyclopcam/inferpipe/server/perfstats"
	"github.com/cyclopcam/inferpipe/server/pipeline"
	"github.com/cyclopcam/inferpipe/server/streamsource"
	"github.com/cyclopcam/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
)

const namespace = "inferpipe"

// Sources are the things we report on. Any of them may be nil.
type Sources struct {
	Pipeline *pipeline.Pipeline
	Monitor  *monitor.Monitor
	Streams  *streamsource.States
	Perf     *perfstats.PerfStats
}

// Collector is a prometheus.Collector over Sources
type Collector struct {
	log  logs.Log
	src  Sources
	proc *process.Process

	workerMessages *prometheus.Desc
	queueDepth     *prometheus.Desc
	queueCapacity  *prometheus.Desc
	stageLatency   *prometheus.Desc
	stageSamples   *prometheus.Desc
	channelResults *prometheus.Desc
	channelObjects *prometheus.Desc
	channelEnded   *prometheus.Desc
	sourceFrames   *prometheus.Desc
	sourceState    *prometheus.Desc
	shutdown       *prometheus.Desc
	memoryRSS      *prometheus.Desc
	cpuPercent     *prometheus.Desc
	threads        *prometheus.Desc
}

func NewCollector(logger logs.Log, src Sources) *Collector {
	c := &Collector{
		log: logger,
		src: src,
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warnf("Process metrics are unavailable: %v", err)
	} else {
		c.proc = proc
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	c.workerMessages = desc("worker_messages_total", "Messages handled by a pipeline worker, by kind", "role", "instance", "kind")
	c.queueDepth = desc("worker_queue_depth", "Messages waiting in a worker's input queue", "role", "instance")
	c.queueCapacity = desc("worker_queue_capacity", "Capacity of a worker's input queue", "role", "instance")
	c.stageLatency = desc("stage_latency_seconds", "Moving average duration of a per-frame stage", "stage")
	c.stageSamples = desc("stage_samples_total", "Number of timed executions of a per-frame stage", "stage")
	c.channelResults = desc("channel_results_total", "Detection results written for a channel", "channel")
	c.channelObjects = desc("channel_objects_total", "Objects detected on a channel", "channel")
	c.channelEnded = desc("channel_ended", "1 if the channel has reached its end", "channel")
	c.sourceFrames = desc("source_frames_total", "Access units read from a channel's stream", "channel")
	c.sourceState = desc("source_state", "Stream source state (0 connecting, 1 streaming, 2 draining, 3 closed)", "channel")
	c.shutdown = desc("shutdown", "1 once the pipeline shutdown flag is set")
	c.memoryRSS = desc("process_resident_memory_bytes", "Resident memory of this process")
	c.cpuPercent = desc("process_cpu_percent", "CPU usage of this process, in percent of one core")
	c.threads = desc("process_threads", "OS threads of this process")
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.workerMessages, c.queueDepth, c.queueCapacity, c.stageLatency, c.stageSamples,
		c.channelResults, c.channelObjects, c.channelEnded, c.sourceFrames, c.sourceState,
		c.shutdown, c.memoryRSS, c.cpuPercent, c.threads,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if p := c.src.Pipeline; p != nil {
		for _, w := range p.Status() {
			inst := strconv.Itoa(w.Instance)
			for _, kv := range []struct {
				kind string
				v    uint64
			}{
				{"received", w.Received},
				{"sent", w.Sent},
				{"errors", w.Errors},
				{"panics", w.Panics},
				{"dropped", w.Dropped},
				{"eofs", w.EOFs},
			} {
				ch <- prometheus.MustNewConstMetric(c.workerMessages, prometheus.CounterValue, float64(kv.v), w.Role, inst, kv.kind)
			}
			ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(w.QueueDepth), w.Role, inst)
			ch <- prometheus.MustNewConstMetric(c.queueCapacity, prometheus.GaugeValue, float64(w.QueueCap), w.Role, inst)
		}
		ch <- prometheus.MustNewConstMetric(c.shutdown, prometheus.GaugeValue, boolValue(p.Shutdown().IsSet()))
	}
	if perf := c.src.Perf; perf != nil {
		for _, stage := range perfstats.AllStages() {
			ch <- prometheus.MustNewConstMetric(c.stageLatency, prometheus.GaugeValue, perf.Average(stage).Seconds(), stage.String())
			ch <- prometheus.MustNewConstMetric(c.stageSamples, prometheus.CounterValue, float64(perf.Samples(stage)), stage.String())
		}
	}
	if m := c.src.Monitor; m != nil {
		for _, s := range m.Channels() {
			chs := strconv.Itoa(s.Channel)
			ch <- prometheus.MustNewConstMetric(c.channelResults, prometheus.CounterValue, float64(s.Results), chs)
			ch <- prometheus.MustNewConstMetric(c.channelObjects, prometheus.CounterValue, float64(s.Objects), chs)
			ch <- prometheus.MustNewConstMetric(c.channelEnded, prometheus.GaugeValue, boolValue(s.Ended), chs)
		}
	}
	if st := c.src.Streams; st != nil {
		for i := 0; i < st.ChannelCount(); i++ {
			chs := strconv.Itoa(i)
			ch <- prometheus.MustNewConstMetric(c.sourceFrames, prometheus.CounterValue, float64(st.Frames(i)), chs)
			ch <- prometheus.MustNewConstMetric(c.sourceState, prometheus.GaugeValue, float64(st.Get(i)), chs)
		}
	}
	c.collectProcess(ch)
}

func (c *Collector) collectProcess(ch chan<- prometheus.Metric) {
	if c.proc == nil {
		return
	}
	if mem, err := c.proc.MemoryInfo(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memoryRSS, prometheus.GaugeValue, float64(mem.RSS))
	}
	if cpu, err := c.proc.CPUPercent(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpuPercent, prometheus.GaugeValue, cpu)
	}
	if n, err := c.proc.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewRegistry returns a registry holding only our collector
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(c); err != nil {
		return nil, fmt.Errorf("Failed to register metrics: %w", err)
	}
	return registry, nil
}

// Handler serves the registry at /metrics
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
