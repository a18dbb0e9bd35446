package redisconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/joomcode/errorx"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/redisretry"
)

const (
	defaultConnectionTimeout = 250 * time.Millisecond
	defaultIOTimeout         = 1 * time.Second
	defaultKeepAlive         = 300 * time.Millisecond
)

// Opts - options for ReconnectingConnection
type Opts struct {
	// Password for AUTH
	Password string
	// ClientName is set with CLIENT SETNAME
	ClientName string
	// DB - database number
	DB int
	// Retry is a backoff used for connection attempts.
	// Connect makes Retry.NumberOfRetries attempts after first one, background
	// reconnection is never stopped.
	Retry redisretry.Opts
	// ConnectionTimeout - timeout for single connection attempt, including handshake and PING.
	// If ConnectionTimeout == 0, then it is set to 250ms.
	// If ConnectionTimeout < 0, then timeout is disabled.
	ConnectionTimeout time.Duration
	// IOTimeout - timeout on read/write to socket (used by DefaultDialer).
	// If IOTimeout == 0, then it is set to 1s.
	// If IOTimeout < 0, then timeout is disabled.
	IOTimeout time.Duration
	// TCPKeepAlive - KeepAlive parameter for net.Dialer.
	// If TCPKeepAlive == 0, then it is set to 300ms.
	// If TCPKeepAlive < 0, then keepalive is disabled.
	TCPKeepAlive time.Duration
	// Dialer establishes transport. Default is DefaultDialer.
	Dialer Dialer
	// Logger
	Logger Logger
	// Metrics
	Metrics Metrics
	// OnDisconnect is called every time connection goes into reconnecting state.
	OnDisconnect func(conn *ReconnectingConnection, reason Reason)
	// Handle is returned with ReconnectingConnection.Handle()
	Handle interface{}
}

// ConnState is a state of ReconnectingConnection.
type ConnState int

const (
	// StateInitializedDisconnected - initial state, no connection established yet.
	StateInitializedDisconnected ConnState = iota
	// StateReconnecting - background loop tries to connect.
	StateReconnecting
	// StateConnected - transport is ready.
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateInitializedDisconnected:
		return "initialized_disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Reason is a reason of reconnection.
type Reason int

const (
	// ReasonCreateError - Connect failed to establish connection.
	ReasonCreateError Reason = iota
	// ReasonConnectionError - transport failed while sending batch.
	ReasonConnectionError
	// ReasonUserRequest - Reconnect called by user.
	ReasonUserRequest
)

func (r Reason) String() string {
	switch r {
	case ReasonCreateError:
		return "create error"
	case ReasonConnectionError:
		return "connection error"
	case ReasonUserRequest:
		return "user request"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// ReconnectingConnection is a handle to single node which survives disconnects.
type ReconnectingConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	addr string
	id   string
	opts Opts
	rs   redisretry.Strategy

	mutex     sync.Mutex
	state     ConnState
	transport Transport
	available *event

	cfgMutex sync.RWMutex
	cfg      ConnConfig

	dropped atomic.Bool
}

// Connect creates ReconnectingConnection and tries to establish connection with bounded backoff.
//
// If all attempts failed, connection is returned together with error: it is already
// reconnecting in background.
func Connect(ctx context.Context, addr string, opts Opts) (*ReconnectingConnection, error) {
	if ctx == nil {
		return nil, redis.ErrContextIsNil.NewWithNoMessage()
	}
	if addr == "" {
		return nil, redis.ErrNoAddressProvided.NewWithNoMessage()
	}
	conn := &ReconnectingConnection{
		addr:      addr,
		id:        uuid.NewString(),
		opts:      opts,
		rs:        redisretry.New(opts.Retry),
		available: newEvent(),
		cfg: ConnConfig{
			Address:    addr,
			Password:   opts.Password,
			ClientName: opts.ClientName,
			DB:         opts.DB,
		},
	}
	conn.ctx, conn.cancel = context.WithCancel(ctx)

	if conn.opts.ConnectionTimeout == 0 {
		conn.opts.ConnectionTimeout = defaultConnectionTimeout
	}
	if conn.opts.IOTimeout == 0 {
		conn.opts.IOTimeout = defaultIOTimeout
	} else if conn.opts.IOTimeout < 0 {
		conn.opts.IOTimeout = 0
	}
	if conn.opts.TCPKeepAlive == 0 {
		conn.opts.TCPKeepAlive = defaultKeepAlive
	} else if conn.opts.TCPKeepAlive < 0 {
		conn.opts.TCPKeepAlive = 0
	}
	if conn.opts.Dialer == nil {
		conn.opts.Dialer = DefaultDialer{
			IOTimeout:    conn.opts.IOTimeout,
			TCPKeepAlive: conn.opts.TCPKeepAlive,
		}
	}
	if conn.opts.Logger == nil {
		conn.opts.Logger = DefaultLogger{}
	}
	if conn.opts.Metrics == nil {
		conn.opts.Metrics = NoopMetrics{}
	}

	conn.opts.Metrics.ConnectionOpened(addr)
	conn.report(LogConnecting{})

	err := backoff.Retry(func() error {
		t, err := conn.dial()
		if err != nil {
			if errorx.IsOfType(err, redis.ErrAuth) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !conn.setConnected(t) {
			t.Close()
			return backoff.Permanent(redis.ErrDropped.NewWithNoMessage())
		}
		return nil
	}, backoff.WithContext(conn.rs.Bounded(), conn.ctx))

	if err != nil {
		conn.report(LogConnectFailed{Error: err})
		conn.Reconnect(ReasonCreateError)
		return conn, conn.withAddr(err)
	}
	return conn, nil
}

// Addr returns configured address.
func (conn *ReconnectingConnection) Addr() string {
	return conn.addr
}

// ID is a unique identity of connection, used in logs.
func (conn *ReconnectingConnection) ID() string {
	return conn.id
}

// Handle returns user specified handle from Opts
func (conn *ReconnectingConnection) Handle() interface{} {
	return conn.opts.Handle
}

// State returns current state.
func (conn *ReconnectingConnection) State() ConnState {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.state
}

// IsDropped reports whether connection were dropped.
func (conn *ReconnectingConnection) IsDropped() bool {
	return conn.dropped.Load()
}

func (conn *ReconnectingConnection) String() string {
	return fmt.Sprintf("*redisconn.ReconnectingConnection{addr: %s, id: %s}", conn.addr, conn.id)
}

// Config returns snapshot of session attributes.
func (conn *ReconnectingConnection) Config() ConnConfig {
	conn.cfgMutex.RLock()
	defer conn.cfgMutex.RUnlock()
	return conn.cfg
}

// UpdatePassword changes password used by next connection.
func (conn *ReconnectingConnection) UpdatePassword(password string) {
	conn.cfgMutex.Lock()
	defer conn.cfgMutex.Unlock()
	conn.cfg.Password = password
}

// UpdateDatabase changes database selected by next connection.
func (conn *ReconnectingConnection) UpdateDatabase(db int) {
	conn.cfgMutex.Lock()
	defer conn.cfgMutex.Unlock()
	conn.cfg.DB = db
}

// UpdateClientName changes client name set by next connection.
func (conn *ReconnectingConnection) UpdateClientName(name string) {
	conn.cfgMutex.Lock()
	defer conn.cfgMutex.Unlock()
	conn.cfg.ClientName = name
}

// TryGetConnection returns transport only if connection is established now.
func (conn *ReconnectingConnection) TryGetConnection() (Transport, bool) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.state != StateConnected {
		return nil, false
	}
	return conn.transport, true
}

// GetConnection waits until connection is established.
// It fails only if ctx is closed, or connection is dropped or closed.
func (conn *ReconnectingConnection) GetConnection(ctx context.Context) (Transport, error) {
	for {
		if conn.dropped.Load() {
			return nil, conn.withAddr(redis.ErrDropped.NewWithNoMessage())
		}
		conn.mutex.Lock()
		if conn.state == StateConnected {
			t := conn.transport
			conn.mutex.Unlock()
			return t, nil
		}
		ready := conn.available.Done()
		conn.mutex.Unlock()

		select {
		case <-ready:
			// state may be already changed, check it again
		case <-ctx.Done():
			return nil, conn.withAddr(redis.ErrContextClosed.Wrap(ctx.Err(), "waiting for connection"))
		case <-conn.ctx.Done():
			if conn.dropped.Load() {
				continue
			}
			return nil, conn.withAddr(redis.ErrContextClosed.Wrap(conn.ctx.Err(), "connection is closed"))
		}
	}
}

// Reconnect switches connection into reconnecting state and starts background loop.
// It does nothing if connection is already reconnecting or dropped.
func (conn *ReconnectingConnection) Reconnect(reason Reason) {
	conn.reconnect(nil, reason)
}

// reconnect reconnects if stale is still current transport (or stale is nil).
func (conn *ReconnectingConnection) reconnect(stale Transport, reason Reason) {
	conn.mutex.Lock()
	if conn.state == StateReconnecting || conn.dropped.Load() ||
		(stale != nil && stale != conn.transport) {
		conn.mutex.Unlock()
		return
	}
	conn.available.Reset()
	conn.state = StateReconnecting
	t := conn.transport
	conn.transport = nil
	conn.mutex.Unlock()

	if t != nil {
		t.Close()
	}
	conn.report(LogDisconnected{Reason: reason})
	if conn.opts.OnDisconnect != nil {
		conn.opts.OnDisconnect(conn, reason)
	}
	go conn.reconnectLoop()
}

func (conn *ReconnectingConnection) reconnectLoop() {
	op := func() error {
		if conn.dropped.Load() {
			return backoff.Permanent(redis.ErrDropped.NewWithNoMessage())
		}
		t, err := conn.dial()
		conn.opts.Metrics.ReconnectAttempt(conn.addr, err == nil)
		if err != nil {
			return err
		}
		if !conn.setConnected(t) {
			t.Close()
			return backoff.Permanent(redis.ErrDropped.NewWithNoMessage())
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		conn.report(LogConnectFailed{Error: err, Next: next})
	}
	err := backoff.RetryNotify(op, backoff.WithContext(conn.rs.Infinite(), conn.ctx), notify)
	if err != nil && !conn.dropped.Load() {
		conn.report(LogContextClosed{Error: err})
	}
}

// dial makes single connection attempt with config snapshot, and checks it with PING.
func (conn *ReconnectingConnection) dial() (Transport, error) {
	cfg := conn.Config()
	ctx := conn.ctx
	if conn.opts.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conn.opts.ConnectionTimeout)
		defer cancel()
	}
	t, err := conn.opts.Dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err = t.Ping(ctx); err != nil {
		t.Close()
		return nil, redis.ErrInit.Wrap(err, "ping failed")
	}
	return t, nil
}

// setConnected stores transport unless connection were dropped meanwhile.
func (conn *ReconnectingConnection) setConnected(t Transport) bool {
	conn.mutex.Lock()
	if conn.dropped.Load() {
		conn.mutex.Unlock()
		return false
	}
	conn.state = StateConnected
	conn.transport = t
	conn.available.Set()
	conn.mutex.Unlock()

	ev := LogConnected{}
	if a, ok := t.(addresser); ok {
		ev.LocalAddr, ev.RemoteAddr = a.LocalAddr(), a.RemoteAddr()
	}
	conn.report(ev)
	return true
}

// MarkAsDropped marks connection as dropped forever: it will never connect again.
func (conn *ReconnectingConnection) MarkAsDropped() {
	conn.mutex.Lock()
	if conn.dropped.Swap(true) {
		conn.mutex.Unlock()
		return
	}
	t := conn.transport
	conn.transport = nil
	conn.state = StateInitializedDisconnected
	conn.available.Reset()
	conn.mutex.Unlock()

	conn.cancel()
	if t != nil {
		t.Close()
	}
	conn.opts.Metrics.ConnectionDropped(conn.addr)
	conn.report(LogDropped{})
}

// Close is an alias for MarkAsDropped.
func (conn *ReconnectingConnection) Close() {
	conn.MarkAsDropped()
}

// SendBatch sends batch over current transport, waiting for connection if necessary.
// When transport fails, connection is switched to reconnecting state.
func (conn *ReconnectingConnection) SendBatch(ctx context.Context, reqs []redis.Request) ([]interface{}, error) {
	t, err := conn.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	res, err := t.SendBatch(ctx, reqs)
	if err != nil {
		if !errorx.IsOfType(err, redis.ErrArgumentType) {
			conn.reconnect(t, ReasonConnectionError)
		}
		return nil, conn.withAddr(err)
	}
	return res, nil
}

// Ping sends PING and checks response.
func (conn *ReconnectingConnection) Ping(ctx context.Context) error {
	res, err := conn.SendBatch(ctx, []redis.Request{redis.Req("PING")})
	if err != nil {
		return err
	}
	if rerr := redis.AsError(res[0]); rerr != nil {
		return rerr
	}
	if str, ok := res[0].(string); !ok || str != "PONG" {
		return redis.ErrPing.New("ping response mismatch").
			WithProperty(redis.EKResponse, res[0]).
			WithProperty(redis.EKAddress, conn.addr)
	}
	return nil
}

// ExecPipeline implements redis.Sender.
// Atomic pipeline is sent as MULTI/EXEC. Results of ignored requests are dropped.
func (conn *ReconnectingConnection) ExecPipeline(ctx context.Context, p *redis.Pipeline) ([]interface{}, error) {
	if p.Len() == 0 {
		return []interface{}{}, nil
	}
	raw, err := conn.SendBatch(ctx, p.Batch())
	if err != nil {
		return nil, err
	}
	return p.Results(raw)
}

func (conn *ReconnectingConnection) withAddr(err error) error {
	ex := errorx.Cast(err)
	if ex == nil {
		return err
	}
	if _, ok := ex.Property(redis.EKAddress); ok {
		return ex
	}
	return ex.WithProperty(redis.EKAddress, conn.addr)
}
