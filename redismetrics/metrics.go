// Package redismetrics exports connection and cluster counters to Prometheus.
//
//	m := redismetrics.New(prometheus.DefaultRegisterer)
//	cluster, err := rediscluster.NewCluster(ctx, seeds, rediscluster.Opts{Metrics: m})
//
// Metrics implements both redisconn.Metrics and rediscluster.Metrics, so the
// cluster passes it down to its connections as well.
package redismetrics

import (
	"time"

	"github.com/joomcode/errorx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joomcode/valkeypipe/rediscluster"
	"github.com/joomcode/valkeypipe/redisconn"
)

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// Metrics is a set of Prometheus collectors.
type Metrics struct {
	connections      *prometheus.GaugeVec
	dropped          *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	pipelines        *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	pipelineNodes    *prometheus.HistogramVec
	subPipelineRetry *prometheus.CounterVec
	nodeTasksFailed  *prometheus.CounterVec
}

// New creates collectors and registers them on reg. It panics if collectors
// are already registered there.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "valkeypipe_connections",
			Help: "Number of live connection handles",
		}, []string{"addr"}),

		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valkeypipe_connections_dropped_total",
			Help: "Total number of connections dropped from topology",
		}, []string{"addr"}),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valkeypipe_reconnect_attempts_total",
			Help: "Total number of background reconnection attempts",
		}, []string{"addr", "success"}),

		pipelines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valkeypipe_pipelines_total",
			Help: "Total number of executed cluster pipelines",
		}, []string{"cluster", "error"}),

		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "valkeypipe_pipeline_duration_seconds",
			Help:    "Cluster pipeline latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"cluster"}),

		pipelineNodes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "valkeypipe_pipeline_nodes",
			Help:    "Number of nodes a cluster pipeline were split to",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		}, []string{"cluster"}),

		subPipelineRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valkeypipe_subpipeline_retries_total",
			Help: "Total number of resent sub-pipelines",
		}, []string{"addr", "reason"}),

		nodeTasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valkeypipe_node_tasks_failed_total",
			Help: "Total number of sub-pipelines failed after all retries",
		}, []string{"addr"}),
	}

	reg.MustRegister(
		m.connections,
		m.dropped,
		m.reconnects,
		m.pipelines,
		m.pipelineDuration,
		m.pipelineNodes,
		m.subPipelineRetry,
		m.nodeTasksFailed,
	)

	return m
}

// ConnectionOpened implements redisconn.Metrics.ConnectionOpened
func (m *Metrics) ConnectionOpened(addr string) {
	m.connections.WithLabelValues(addr).Inc()
}

// ConnectionDropped implements redisconn.Metrics.ConnectionDropped
func (m *Metrics) ConnectionDropped(addr string) {
	m.connections.WithLabelValues(addr).Dec()
	m.dropped.WithLabelValues(addr).Inc()
}

// ReconnectAttempt implements redisconn.Metrics.ReconnectAttempt
func (m *Metrics) ReconnectAttempt(addr string, ok bool) {
	m.reconnects.WithLabelValues(addr, boolToStr(ok)).Inc()
}

// PipelineExecuted implements rediscluster.Metrics.PipelineExecuted
func (m *Metrics) PipelineExecuted(cluster string, nodes int, elapsed time.Duration, err error) {
	m.pipelines.WithLabelValues(cluster, errorLabel(err)).Inc()
	m.pipelineDuration.WithLabelValues(cluster).Observe(elapsed.Seconds())
	m.pipelineNodes.WithLabelValues(cluster).Observe(float64(nodes))
}

// SubPipelineRetried implements rediscluster.Metrics.SubPipelineRetried
func (m *Metrics) SubPipelineRetried(addr string, reason string) {
	m.subPipelineRetry.WithLabelValues(addr, reason).Inc()
}

// NodeTaskFailed implements rediscluster.Metrics.NodeTaskFailed
func (m *Metrics) NodeTaskFailed(addr string) {
	m.nodeTasksFailed.WithLabelValues(addr).Inc()
}

// errorLabel keeps label cardinality bounded by errorx type names.
func errorLabel(err error) string {
	if err == nil {
		return ""
	}
	if ex := errorx.Cast(err); ex != nil {
		return ex.Type().FullName()
	}
	return "other"
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var (
	_ redisconn.Metrics    = (*Metrics)(nil)
	_ rediscluster.Metrics = (*Metrics)(nil)
)
