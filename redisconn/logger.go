package redisconn

import (
	"log"
	"time"
)

// Logger is a type for custom event and stat reporter.
type Logger interface {
	// Report will be called when some events happens during connection's lifetime.
	// Default implementation just prints this information using standard log package.
	Report(conn *ReconnectingConnection, event LogEvent)
}

func (conn *ReconnectingConnection) report(event LogEvent) {
	conn.opts.Logger.Report(conn, event)
}

// LogEvent is a sumtype for events to be logged.
type LogEvent interface {
	logEvent()
}

// LogConnecting is an event logged when Connect starts first connection attempt.
type LogConnecting struct{}

// LogConnected is an event logged when connection were established.
type LogConnected struct {
	LocalAddr  string // - local ip:port
	RemoteAddr string // - remote ip:port
}

// LogConnectFailed is an event logged when connection attempt failed.
type LogConnectFailed struct {
	Error error         // - failure reason
	Next  time.Duration // - pause before next attempt
}

// LogDisconnected is an event logged when connection went into reconnecting state.
type LogDisconnected struct {
	Reason Reason
}

// LogDropped is an event logged when connection were marked as dropped.
type LogDropped struct{}

// LogContextClosed is an event logged when reconnection loop stops because of context cancellation.
type LogContextClosed struct {
	Error error // - ctx.Err()
}

func (LogConnecting) logEvent()    {}
func (LogConnected) logEvent()     {}
func (LogConnectFailed) logEvent() {}
func (LogDisconnected) logEvent()  {}
func (LogDropped) logEvent()       {}
func (LogContextClosed) logEvent() {}

// DefaultLogger is default logger for connection.
type DefaultLogger struct{}

// Report implements Logger.Report
func (d DefaultLogger) Report(conn *ReconnectingConnection, event LogEvent) {
	switch ev := event.(type) {
	case LogConnecting:
		log.Printf("valkeypipe: connecting to %s", conn.Addr())
	case LogConnected:
		log.Printf("valkeypipe: connected to %s (localAddr: %s, remAddr: %s)",
			conn.Addr(), ev.LocalAddr, ev.RemoteAddr)
	case LogConnectFailed:
		log.Printf("valkeypipe: connection to %s failed (next attempt in %s): %s",
			conn.Addr(), ev.Next, ev.Error.Error())
	case LogDisconnected:
		log.Printf("valkeypipe: connection to %s broken: %s", conn.Addr(), ev.Reason)
	case LogDropped:
		log.Printf("valkeypipe: connection to %s dropped", conn.Addr())
	case LogContextClosed:
		log.Printf("valkeypipe: connection to %s explicitly closed: %s", conn.Addr(), ev.Error)
	default:
		log.Printf("valkeypipe: unexpected event for %s: %#v", conn.Addr(), event)
	}
}

// NoopLogger is a logger which does nothing.
type NoopLogger struct{}

// Report implements Logger.Report
func (d NoopLogger) Report(*ReconnectingConnection, LogEvent) {}
