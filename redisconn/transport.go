package redisconn

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joomcode/errorx"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/resp"
)

// ConnConfig is a session attributes applied to every new connection.
type ConnConfig struct {
	Address    string
	Password   string
	ClientName string
	DB         int
}

// Transport is a single established connection to a server.
type Transport interface {
	// SendBatch writes requests as one batch and returns one reply per request.
	// Server error replies are returned inside of result slice.
	// Returned error means transport is broken and should not be used anymore.
	SendBatch(ctx context.Context, reqs []redis.Request) ([]interface{}, error)
	// Ping is a liveness probe.
	Ping(ctx context.Context) error
	// Close closes transport. It is safe to call it several times.
	Close() error
}

// Dialer establishes new transports.
type Dialer interface {
	Dial(ctx context.Context, cfg ConnConfig) (Transport, error)
}

// DialerFunc adapts function to Dialer.
type DialerFunc func(ctx context.Context, cfg ConnConfig) (Transport, error)

// Dial implements Dialer.Dial
func (f DialerFunc) Dial(ctx context.Context, cfg ConnConfig) (Transport, error) {
	return f(ctx, cfg)
}

// addresser is implemented by transports which know their socket addresses.
type addresser interface {
	LocalAddr() string
	RemoteAddr() string
}

// DefaultDialer connects to tcp or unix socket.
//
// Address is either "host:port", "tcp://host:port", "unix:///path" or path starting with '.' or '/'.
type DefaultDialer struct {
	// IOTimeout - timeout on single read/write to socket. 0 means no timeout.
	IOTimeout time.Duration
	// TCPKeepAlive - KeepAlive parameter for net.Dialer
	TCPKeepAlive time.Duration
}

// Dial implements Dialer.Dial
func (d DefaultDialer) Dial(ctx context.Context, cfg ConnConfig) (Transport, error) {
	network, address := splitAddress(cfg.Address)
	dialer := net.Dialer{KeepAlive: d.TCPKeepAlive}
	c, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, redis.ErrDial.Wrap(err, "dial").WithProperty(redis.EKAddress, cfg.Address)
	}
	t := &netTransport{
		c:  c,
		to: d.IOTimeout,
	}
	t.r = bufio.NewReaderSize(deadlineIO{t}, 64*1024)
	if err = t.setup(ctx, cfg); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func splitAddress(addr string) (string, string) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", addr[len("unix://"):]
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", addr[len("tcp://"):]
	case strings.HasPrefix(addr, ".") || strings.HasPrefix(addr, "/"):
		return "unix", addr
	}
	return "tcp", addr
}

// netTransport serializes batches on single socket.
type netTransport struct {
	mu     sync.Mutex
	c      net.Conn
	r      *bufio.Reader
	buf    []byte
	to     time.Duration
	limit  time.Time
	cancel atomic.Bool
	broken error
}

func (t *netTransport) setup(ctx context.Context, cfg ConnConfig) error {
	var reqs []redis.Request
	if cfg.Password != "" {
		reqs = append(reqs, redis.Req("AUTH", cfg.Password))
	}
	if cfg.ClientName != "" {
		reqs = append(reqs, redis.Req("CLIENT SETNAME", cfg.ClientName))
	}
	if cfg.DB != 0 {
		reqs = append(reqs, redis.Req("SELECT", cfg.DB))
	}
	if len(reqs) == 0 {
		return nil
	}
	res, err := t.SendBatch(ctx, reqs)
	if err != nil {
		return redis.ErrInit.Wrap(err, "connection setup").WithProperty(redis.EKAddress, cfg.Address)
	}
	for i, r := range res {
		rerr := redis.AsError(r)
		if rerr == nil {
			continue
		}
		typ := redis.ErrInit
		if reqs[i].Cmd == "AUTH" {
			typ = redis.ErrAuth
		}
		return typ.Wrap(rerr, "%s failed", reqs[i].Cmd).
			WithProperty(redis.EKAddress, cfg.Address)
	}
	return nil
}

// SendBatch implements Transport.SendBatch
func (t *netTransport) SendBatch(ctx context.Context, reqs []redis.Request) ([]interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken != nil {
		return nil, redis.ErrNotConnected.Wrap(t.broken, "transport is broken")
	}

	var err error
	if t.buf, err = resp.AppendBatch(t.buf[:0], reqs); err != nil {
		return nil, err
	}

	t.limit = time.Time{}
	if dl, ok := ctx.Deadline(); ok {
		t.limit = dl
	}
	t.cancel.Store(false)
	stop := context.AfterFunc(ctx, func() {
		t.cancel.Store(true)
		t.c.SetDeadline(time.Now())
	})
	defer stop()

	if _, err = (deadlineIO{t}).Write(t.buf); err != nil {
		return nil, t.fail(ctx, err, "write")
	}
	res := make([]interface{}, len(reqs))
	for i := range res {
		res[i] = resp.Read(t.r)
		if resp.IsFatal(res[i]) {
			return nil, t.fail(ctx, res[i].(error), "read")
		}
	}
	if len(t.buf) > 1024*1024 {
		t.buf = nil
	}
	return res, nil
}

func (t *netTransport) fail(ctx context.Context, err error, op string) error {
	t.c.Close()
	cerr := ctx.Err()
	if cerr == nil && isTimeout(err) && !t.limit.IsZero() && !time.Now().Before(t.limit) {
		// socket deadline may fire before context timer
		cerr = context.DeadlineExceeded
	}
	if cerr != nil {
		t.broken = cerr
		return redis.ErrRequestCancelled.Wrap(cerr, op)
	}
	t.broken = err
	if ex := errorx.Cast(err); ex != nil && ex.HasTrait(redis.ErrTraitConnectivity) {
		return ex
	}
	if isTimeout(err) {
		return redis.ErrIOTimeout.Wrap(err, op)
	}
	return redis.ErrIO.Wrap(err, op)
}

func isTimeout(err error) bool {
	if errorx.HasTrait(err, errorx.Timeout()) {
		return true
	}
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}

// Ping implements Transport.Ping
func (t *netTransport) Ping(ctx context.Context) error {
	res, err := t.SendBatch(ctx, []redis.Request{redis.Req("PING")})
	if err != nil {
		return err
	}
	if rerr := redis.AsError(res[0]); rerr != nil {
		return rerr
	}
	if str, ok := res[0].(string); !ok || str != "PONG" {
		return redis.ErrPing.New("ping response mismatch").WithProperty(redis.EKResponse, res[0])
	}
	return nil
}

// Close implements Transport.Close
func (t *netTransport) Close() error {
	return t.c.Close()
}

// LocalAddr is outgoing socket addr.
func (t *netTransport) LocalAddr() string {
	return t.c.LocalAddr().String()
}

// RemoteAddr is address of server socket.
func (t *netTransport) RemoteAddr() string {
	return t.c.RemoteAddr().String()
}

// deadlineIO sets deadline before each read and write.
type deadlineIO struct {
	t *netTransport
}

func (d deadlineIO) deadline() time.Time {
	var dl time.Time
	if d.t.to > 0 {
		dl = time.Now().Add(d.t.to)
	}
	if !d.t.limit.IsZero() && (dl.IsZero() || d.t.limit.Before(dl)) {
		dl = d.t.limit
	}
	return dl
}

func (d deadlineIO) Write(b []byte) (int, error) {
	d.t.c.SetWriteDeadline(d.deadline())
	if d.t.cancel.Load() {
		d.t.c.SetWriteDeadline(time.Now())
	}
	return d.t.c.Write(b)
}

func (d deadlineIO) Read(b []byte) (int, error) {
	d.t.c.SetReadDeadline(d.deadline())
	if d.t.cancel.Load() {
		d.t.c.SetReadDeadline(time.Now())
	}
	return d.t.c.Read(b)
}
