package redisconn

// Metrics receives connection lifecycle counters.
// redismetrics package provides Prometheus implementation.
type Metrics interface {
	// ConnectionOpened is called once when ReconnectingConnection is created.
	ConnectionOpened(addr string)
	// ConnectionDropped is called once when ReconnectingConnection is dropped.
	ConnectionDropped(addr string)
	// ReconnectAttempt is called after each background reconnection attempt.
	ReconnectAttempt(addr string, ok bool)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

// ConnectionOpened implements Metrics.ConnectionOpened
func (NoopMetrics) ConnectionOpened(string) {}

// ConnectionDropped implements Metrics.ConnectionDropped
func (NoopMetrics) ConnectionDropped(string) {}

// ReconnectAttempt implements Metrics.ReconnectAttempt
func (NoopMetrics) ReconnectAttempt(string, bool) {}
