// Package testbed contains in-process fake valkey nodes for tests.
//
// Node keeps its data in memory and understands small subset of commands.
// Cluster is a set of nodes with slot ownership: keyed commands for foreign
// slots are answered with MOVED. Both implement redisconn.Dialer, so they are
// plugged into connections with redisconn.Opts.Dialer.
package testbed

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster/redisclusterutil"
	"github.com/joomcode/valkeypipe/redisconn"
)

// Node is a fake server.
type Node struct {
	Addr string

	mu       sync.Mutex
	dbs      map[int]map[string]interface{}
	password string
	down     bool
	delay    time.Duration
	failNext []string
	breakN   int
	owner    func(slot uint16) (string, bool)
	replicas []*Node
	replica  bool
	slots    func() interface{}

	batches int
	dials   int
	cmds    []string
	names   []string
}

// NewNode creates empty node.
func NewNode(addr string) *Node {
	return &Node{Addr: addr, dbs: map[int]map[string]interface{}{}}
}

// SetPassword makes node require AUTH.
func (n *Node) SetPassword(p string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.password = p
}

// SetDown makes node unreachable: dial fails, and established transports fail.
func (n *Node) SetDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

// SetDelay delays every batch.
func (n *Node) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// FailNext makes next commands reply with given error lines (one per command).
func (n *Node) FailNext(errs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext = append(n.failNext, errs...)
}

// BreakNext makes next k batches fail with io error.
func (n *Node) BreakNext(k int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.breakN += k
}

// Batches returns number of batches node received.
func (n *Node) Batches() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.batches
}

// Dials returns number of successful connections.
func (n *Node) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// Commands returns names of executed commands.
func (n *Node) Commands() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.cmds...)
}

// ClientNames returns names set with CLIENT SETNAME.
func (n *Node) ClientNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.names...)
}

// Get returns value stored in db 0.
func (n *Node) Get(key string) (interface{}, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.db(0)[key]
	return v, ok
}

// Set stores value in db 0.
func (n *Node) Set(key string, val interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.db(0)[key] = val
}

func (n *Node) db(i int) map[string]interface{} {
	d, ok := n.dbs[i]
	if !ok {
		d = map[string]interface{}{}
		n.dbs[i] = d
	}
	return d
}

// Dial implements redisconn.Dialer. It ignores cfg.Address.
func (n *Node) Dial(ctx context.Context, cfg redisconn.ConnConfig) (redisconn.Transport, error) {
	n.mu.Lock()
	down := n.down
	if !down {
		n.dials++
	}
	n.mu.Unlock()
	if down {
		return nil, redis.ErrDial.New("connection refused").WithProperty(redis.EKAddress, n.Addr)
	}
	t := &Transport{node: n}
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
	res, err := t.SendBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}
	for i, r := range res {
		if rerr := redis.AsError(r); rerr != nil {
			if reqs[i].Cmd == "AUTH" {
				return nil, redis.ErrAuth.Wrap(rerr, "AUTH failed")
			}
			return nil, redis.ErrInit.Wrap(rerr, "%s failed", reqs[i].Cmd)
		}
	}
	return t, nil
}

// Transport is a connection to fake node.
type Transport struct {
	node   *Node
	mu     sync.Mutex
	db     int
	authed bool
	closed bool
	multi  []redis.Request
	inTx   bool
	dirty  bool
	asking bool
}

// SendBatch implements redisconn.Transport.
func (t *Transport) SendBatch(ctx context.Context, reqs []redis.Request) ([]interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.node

	n.mu.Lock()
	delay := n.delay
	n.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			t.closed = true
			return nil, redis.ErrRequestCancelled.Wrap(ctx.Err(), "fake transport")
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if t.closed {
		return nil, redis.ErrNotConnected.New("transport closed")
	}
	if n.down {
		t.closed = true
		return nil, redis.ErrIO.New("connection reset by peer").WithProperty(redis.EKAddress, n.Addr)
	}
	n.batches++
	if n.breakN > 0 {
		n.breakN--
		t.closed = true
		return nil, redis.ErrIO.New("broken pipe").WithProperty(redis.EKAddress, n.Addr)
	}
	res := make([]interface{}, len(reqs))
	for i, req := range reqs {
		res[i] = t.exec(req)
	}
	return res, nil
}

// Ping implements redisconn.Transport.
func (t *Transport) Ping(ctx context.Context) error {
	res, err := t.SendBatch(ctx, []redis.Request{redis.Req("PING")})
	if err != nil {
		return err
	}
	if rerr := redis.AsError(res[0]); rerr != nil {
		return rerr
	}
	return nil
}

// Close implements redisconn.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func errReply(s string) interface{} {
	return redis.ServerError(s)
}

// exec runs single command. Node mutex is held.
func (t *Transport) exec(req redis.Request) interface{} {
	n := t.node
	req = normalize(req)
	name := req.Name()
	n.cmds = append(n.cmds, name)
	if len(n.failNext) > 0 {
		e := n.failNext[0]
		n.failNext = n.failNext[1:]
		t.dirty = t.inTx
		return errReply(e)
	}
	if n.password != "" && !t.authed && name != "AUTH" {
		return errReply("NOAUTH Authentication required.")
	}
	if t.inTx && name != "EXEC" && name != "DISCARD" && name != "MULTI" {
		if r := t.checkSlotAsking(req, t.asking); r != nil {
			t.dirty = true
			return r
		}
		t.multi = append(t.multi, req)
		return "QUEUED"
	}
	asking := t.asking
	t.asking = false
	switch name {
	case "AUTH":
		if len(req.Args) == 0 {
			return errReply("ERR wrong number of arguments for 'auth' command")
		}
		if p, _ := redis.ArgToString(req.Args[len(req.Args)-1]); p != n.password {
			return errReply("WRONGPASS invalid username-password pair or user is disabled.")
		}
		t.authed = true
		return "OK"
	case "PING":
		if len(req.Args) > 0 {
			return bulk(req.Args[0])
		}
		return "PONG"
	case "ECHO":
		return bulk(req.Args[0])
	case "SELECT":
		db, err := strconv.Atoi(str(req.Args[0]))
		if err != nil || db < 0 || db > 15 {
			return errReply("ERR DB index is out of range")
		}
		t.db = db
		return "OK"
	case "CLIENT SETNAME":
		n.names = append(n.names, str(req.Args[len(req.Args)-1]))
		return "OK"
	case "ASKING":
		t.asking = true
		return "OK"
	case "READONLY", "READWRITE":
		return "OK"
	case "MULTI":
		if t.inTx {
			return errReply("ERR MULTI calls can not be nested")
		}
		t.inTx = true
		t.multi = nil
		// ASKING before MULTI lasts till EXEC
		t.asking = asking
		return "OK"
	case "EXEC":
		if !t.inTx {
			return errReply("ERR EXEC without MULTI")
		}
		queued, dirty := t.multi, t.dirty
		t.inTx, t.multi, t.dirty = false, nil, false
		if dirty {
			return errReply("EXECABORT Transaction discarded because of previous errors.")
		}
		res := make([]interface{}, len(queued))
		for i, q := range queued {
			res[i] = t.execData(q, true)
		}
		return res
	case "DISCARD":
		t.inTx, t.multi, t.dirty = false, nil, false
		return "OK"
	case "CLUSTER SLOTS":
		if n.slots == nil {
			return errReply("ERR This instance has cluster support disabled")
		}
		return n.slots()
	}
	if r := t.checkSlotAsking(req, asking); r != nil {
		return r
	}
	return t.execData(req, false)
}

// checkSlotAsking answers MOVED if key belongs to other node.
func (t *Transport) checkSlotAsking(req redis.Request, asking bool) interface{} {
	n := t.node
	if n.owner == nil || asking {
		return nil
	}
	var slot uint16
	set := false
	for _, key := range keysOf(req) {
		s := redisclusterutil.Slot(key)
		if set && s != slot {
			return errReply("CROSSSLOT Keys in request don't hash to the same slot")
		}
		slot, set = s, true
	}
	if !set {
		return nil
	}
	owner, ok := n.owner(slot)
	if !ok {
		return errReply("CLUSTERDOWN Hash slot not served")
	}
	if owner != n.Addr {
		return errReply("MOVED " + strconv.Itoa(int(slot)) + " " + owner)
	}
	return nil
}

// normalize moves subcommand of container command from Args into Cmd.
func normalize(req redis.Request) redis.Request {
	if strings.IndexByte(req.Cmd, ' ') >= 0 || len(req.Args) == 0 {
		return req
	}
	name := req.Name()
	if strings.IndexByte(name, ' ') < 0 {
		return req
	}
	return redis.Request{Cmd: name, Args: req.Args[1:]}
}

func keysOf(req redis.Request) []string {
	switch req.Name() {
	case "MGET", "DEL", "EXISTS", "UNLINK", "TOUCH":
		keys := make([]string, len(req.Args))
		for i, a := range req.Args {
			keys[i] = str(a)
		}
		return keys
	case "MSET":
		var keys []string
		for i := 0; i < len(req.Args); i += 2 {
			keys = append(keys, str(req.Args[i]))
		}
		return keys
	}
	if k, ok := req.Key(); ok {
		return []string{k}
	}
	return nil
}

func str(v interface{}) string {
	s, _ := redis.ArgToString(v)
	return s
}

func bulk(v interface{}) []byte {
	return []byte(str(v))
}

// execData executes data command.
func (t *Transport) execData(req redis.Request, inTx bool) interface{} {
	n := t.node
	db := n.db(t.db)
	name := req.Name()
	if n.replica && !readonly(name) {
		return errReply("READONLY You can't write against a read only replica.")
	}
	args := req.Args
	switch name {
	case "SET":
		if len(args) < 2 {
			return errReply("ERR wrong number of arguments for 'set' command")
		}
		db[str(args[0])] = bulk(args[1])
		return "OK"
	case "GET":
		if len(args) != 1 {
			return errReply("ERR wrong number of arguments for 'get' command")
		}
		v, ok := db[str(args[0])]
		if !ok {
			return nil
		}
		if b, ok := v.([]byte); ok {
			return b
		}
		return errReply("WRONGTYPE Operation against a key holding the wrong kind of value")
	case "INCR", "INCRBY":
		by := int64(1)
		if name == "INCRBY" {
			v, err := strconv.ParseInt(str(args[1]), 10, 64)
			if err != nil {
				return errReply("ERR value is not an integer or out of range")
			}
			by = v
		}
		key := str(args[0])
		cur := int64(0)
		if v, ok := db[key]; ok {
			x, err := strconv.ParseInt(str(v), 10, 64)
			if err != nil {
				return errReply("ERR value is not an integer or out of range")
			}
			cur = x
		}
		cur += by
		db[key] = []byte(strconv.FormatInt(cur, 10))
		return cur
	case "MGET":
		res := make([]interface{}, len(args))
		for i, a := range args {
			if v, ok := db[str(a)]; ok {
				res[i] = v
			}
		}
		return res
	case "MSET":
		if len(args) == 0 || len(args)%2 != 0 {
			return errReply("ERR wrong number of arguments for 'mset' command")
		}
		for i := 0; i < len(args); i += 2 {
			db[str(args[i])] = bulk(args[i+1])
		}
		return "OK"
	case "DEL", "UNLINK", "EXISTS", "TOUCH":
		cnt := int64(0)
		for _, a := range args {
			if _, ok := db[str(a)]; ok {
				cnt++
				if name == "DEL" || name == "UNLINK" {
					delete(db, str(a))
				}
			}
		}
		return cnt
	case "KEYS":
		keys := make([]string, 0, len(db))
		for k := range db {
			if match(str(args[0]), k) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		res := make([]interface{}, len(keys))
		for i, k := range keys {
			res[i] = []byte(k)
		}
		return res
	case "SCAN":
		return scan(db, args)
	case "DBSIZE":
		return int64(len(db))
	case "RANDOMKEY":
		for k := range db {
			return []byte(k)
		}
		return nil
	case "FLUSHALL", "FLUSHDB":
		for k := range db {
			delete(db, k)
		}
		return "OK"
	case "INFO":
		role := "master"
		if n.replica {
			role = "slave"
		}
		return []byte("# Replication\r\nrole:" + role + "\r\n")
	case "SCRIPT EXISTS":
		res := make([]interface{}, len(args))
		for i := range res {
			res[i] = int64(0)
		}
		return res
	case "WAIT":
		return int64(len(n.replicas))
	case "TIME":
		now := time.Now()
		return []interface{}{
			[]byte(strconv.FormatInt(now.Unix(), 10)),
			[]byte(strconv.Itoa(now.Nanosecond() / 1000)),
		}
	}
	return errReply("ERR unknown command '" + strings.ToLower(req.Cmd) + "'")
}

func readonly(name string) bool {
	switch name {
	case "GET", "MGET", "EXISTS", "KEYS", "SCAN", "DBSIZE", "RANDOMKEY", "INFO", "TIME", "SCRIPT EXISTS", "WAIT":
		return true
	}
	return false
}

// scan walks sorted keys, cursor is a position in that order.
func scan(db map[string]interface{}, args []interface{}) interface{} {
	if len(args) == 0 {
		return errReply("ERR wrong number of arguments for 'scan' command")
	}
	cursor, err := strconv.Atoi(str(args[0]))
	if err != nil || cursor < 0 {
		return errReply("ERR invalid cursor")
	}
	pattern, count := "*", 10
	for i := 1; i+1 < len(args); i += 2 {
		switch strings.ToUpper(str(args[i])) {
		case "MATCH":
			pattern = str(args[i+1])
		case "COUNT":
			if count, err = strconv.Atoi(str(args[i+1])); err != nil || count <= 0 {
				return errReply("ERR syntax error")
			}
		}
	}
	keys := make([]string, 0, len(db))
	for k := range db {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var found []interface{}
	i := cursor
	for ; i < len(keys) && i < cursor+count; i++ {
		if match(pattern, keys[i]) {
			found = append(found, []byte(keys[i]))
		}
	}
	if i >= len(keys) {
		i = 0
	}
	if found == nil {
		found = []interface{}{}
	}
	return []interface{}{[]byte(strconv.Itoa(i)), found}
}

// match supports "*" and prefix "x*" patterns.
func match(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, pattern[:len(pattern)-1])
	}
	return pattern == key
}
