package rediscluster

import "time"

// Metrics receives pipeline execution counters.
// redismetrics package provides Prometheus implementation.
type Metrics interface {
	// PipelineExecuted is called once per ExecPipeline call.
	PipelineExecuted(cluster string, nodes int, elapsed time.Duration, err error)
	// SubPipelineRetried is called every time sub-pipeline is resent.
	SubPipelineRetried(addr string, reason string)
	// NodeTaskFailed is called when sub-pipeline of a node finally failed.
	NodeTaskFailed(addr string)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

// PipelineExecuted implements Metrics.PipelineExecuted
func (NoopMetrics) PipelineExecuted(string, int, time.Duration, error) {}

// SubPipelineRetried implements Metrics.SubPipelineRetried
func (NoopMetrics) SubPipelineRetried(string, string) {}

// NodeTaskFailed implements Metrics.NodeTaskFailed
func (NoopMetrics) NodeTaskFailed(string) {}
