package rediscluster

import (
	"log"

	"github.com/joomcode/valkeypipe/redisconn"
)

// Logger is used for logging cluster-related events.
type Logger interface {
	// Report will be called when some events happens during cluster's lifetime.
	// Default implementation just prints this information using standard log package.
	Report(c *Cluster, event LogEvent)
}

func (c *Cluster) report(event LogEvent) {
	c.opts.Logger.Report(c, event)
}

// LogEvent is a sumtype for events to be logged.
type LogEvent interface {
	logEvent()
}

// LogHostEvent is a wrapper for per-connection event
type LogHostEvent struct {
	Conn  *redisconn.ReconnectingConnection // Connection which triggers event.
	Event redisconn.LogEvent
}

// LogNodeAdded is logged when connection to new node is created.
type LogNodeAdded struct {
	Conn  *redisconn.ReconnectingConnection
	Error error // initial connection error, if any
}

// LogNodeDropped is logged when node left the topology.
type LogNodeDropped struct {
	Conn *redisconn.ReconnectingConnection
}

// LogPipelineRetry is logged when sub-pipeline is resent.
type LogPipelineRetry struct {
	Address  string // node which failed
	Redirect string // node the sub-pipeline is resent to
	Attempt  int
	Error    error
}

// LogClusterSlotsError is logged when CLUSTER SLOTS failed.
type LogClusterSlotsError struct {
	Address string // node which were asked for CLUSTER SLOTS
	Error   error  // observed error
}

// LogContextClosed is logged when cluster's context is closed.
type LogContextClosed struct{ Error error }

func (LogHostEvent) logEvent()         {}
func (LogNodeAdded) logEvent()         {}
func (LogNodeDropped) logEvent()       {}
func (LogPipelineRetry) logEvent()     {}
func (LogClusterSlotsError) logEvent() {}
func (LogContextClosed) logEvent()     {}

// DefaultLogger is a default Logger implementation
type DefaultLogger struct{}

// Report implements Logger.Report.
func (d DefaultLogger) Report(cluster *Cluster, event LogEvent) {
	switch ev := event.(type) {
	case LogHostEvent:
		switch cev := ev.Event.(type) {
		case redisconn.LogConnecting:
			log.Printf("valkeypipe cluster %s: connecting to %s", cluster.Name(), ev.Conn.Addr())
		case redisconn.LogConnected:
			log.Printf("valkeypipe cluster %s: connected to %s (localAddr: %s, remAddr: %s)",
				cluster.Name(), ev.Conn.Addr(), cev.LocalAddr, cev.RemoteAddr)
		case redisconn.LogConnectFailed:
			log.Printf("valkeypipe cluster %s: connection to %s failed (next attempt in %s): %s",
				cluster.Name(), ev.Conn.Addr(), cev.Next, cev.Error.Error())
		case redisconn.LogDisconnected:
			log.Printf("valkeypipe cluster %s: connection to %s broken: %s",
				cluster.Name(), ev.Conn.Addr(), cev.Reason)
		case redisconn.LogDropped:
			log.Printf("valkeypipe cluster %s: connection to %s dropped", cluster.Name(), ev.Conn.Addr())
		case redisconn.LogContextClosed:
			log.Printf("valkeypipe cluster %s: connect to %s explicitly closed: %s",
				cluster.Name(), ev.Conn.Addr(), cev.Error)
		default:
			log.Printf("valkeypipe cluster %s: unexpected connection event for %s: %#v",
				cluster.Name(), ev.Conn.Addr(), ev.Event)
		}
	case LogNodeAdded:
		if ev.Error != nil {
			log.Printf("valkeypipe cluster %s: node %s added, not connected yet: %s",
				cluster.Name(), ev.Conn.Addr(), ev.Error.Error())
		} else {
			log.Printf("valkeypipe cluster %s: node %s added", cluster.Name(), ev.Conn.Addr())
		}
	case LogNodeDropped:
		log.Printf("valkeypipe cluster %s: node %s left the cluster", cluster.Name(), ev.Conn.Addr())
	case LogPipelineRetry:
		log.Printf("valkeypipe cluster %s: resending sub-pipeline of %s to %s (attempt %d): %s",
			cluster.Name(), ev.Address, ev.Redirect, ev.Attempt, ev.Error.Error())
	case LogClusterSlotsError:
		log.Printf("valkeypipe cluster %s: 'CLUSTER SLOTS' request to %s failed: %s",
			cluster.Name(), ev.Address, ev.Error.Error())
	case LogContextClosed:
		log.Printf("valkeypipe cluster %s: shutting down (%s)", cluster.Name(), ev.Error)
	}
}

// defaultConnLogger implements redisconn.Logger to log individual connection events in context of cluster.
type defaultConnLogger struct {
	*Cluster
}

// Report implements redisconn.Logger.Report
func (d defaultConnLogger) Report(conn *redisconn.ReconnectingConnection, event redisconn.LogEvent) {
	d.Cluster.report(LogHostEvent{Conn: conn, Event: event})
}

// NoopLogger implements Logger with no logging at all.
type NoopLogger struct{}

// Report implements Logger.Report
func (d NoopLogger) Report(*Cluster, LogEvent) {}
