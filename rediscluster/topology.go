package rediscluster

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/joomcode/errorx"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster/redisclusterutil"
	"github.com/joomcode/valkeypipe/redisconn"
	"github.com/joomcode/valkeypipe/routing"
)

// ClusterHandle is used to wrap cluster's handle and set it as connection's handle.
// You can use it in connection's logging.
type ClusterHandle struct {
	Handle  interface{}
	Address string
}

// TopologyOpts - options for Topology.
type TopologyOpts struct {
	// HostOpts - per host options.
	// Note that HostOpts.Handle will be overwritten to ClusterHandle{HostOpts.Handle, address}
	HostOpts redisconn.Opts
	// ReadFromReplica allows ReplicaOptional routes and random commands to go to replicas.
	ReadFromReplica bool
	// OnNodeAdded is called after connection to new node is created.
	// err is an error of initial connection, connection is reconnecting in this case.
	OnNodeAdded func(conn *redisconn.ReconnectingConnection, err error)
	// OnNodeDropped is called after node left topology and its connection were dropped.
	OnNodeDropped func(conn *redisconn.ReconnectingConnection)
}

// Topology is a slot map together with connections to every known node.
//
// Lookups are concurrent; Update and SlotMoved are the only writers.
// Topology doesn't fetch slot map by itself: it is fed with Update.
type Topology struct {
	ctx  context.Context
	opts TopologyOpts

	mu     sync.RWMutex
	slots  []int32    // slot -> index in shards, -1 if slot is not served
	shards [][]string // addresses of shard, primary is first

	nodes   *xsync.MapOf[string, *redisconn.ReconnectingConnection]
	dialing singleflight.Group
}

// NewTopology builds slot map from ranges and connects to every node.
// Connection errors are returned together with topology: connections are
// kept and reconnect in background.
func NewTopology(ctx context.Context, ranges []redisclusterutil.SlotsRange, opts TopologyOpts) (*Topology, error) {
	if ctx == nil {
		return nil, redis.ErrContextIsNil.NewWithNoMessage()
	}
	t := &Topology{
		ctx:   ctx,
		opts:  opts,
		slots: make([]int32, NumSlots),
		nodes: xsync.NewMapOf[string, *redisconn.ReconnectingConnection](),
	}
	for i := range t.slots {
		t.slots[i] = -1
	}
	if err := t.Update(ranges); err != nil {
		if errorx.IsOfType(err, ErrClusterConfigEmpty) {
			return nil, err
		}
		return t, err
	}
	return t, nil
}

// Update replaces slot map. Connections to new nodes are established,
// nodes that are not in ranges anymore are dropped.
func (t *Topology) Update(ranges []redisclusterutil.SlotsRange) error {
	if len(ranges) == 0 {
		return ErrClusterConfigEmpty.New("no slot ranges")
	}
	slots := make([]int32, NumSlots)
	for i := range slots {
		slots[i] = -1
	}
	var shards [][]string
	shardOf := make(map[string]int32)
	known := make(map[string]struct{})
	for _, r := range ranges {
		if len(r.Addrs) == 0 {
			continue
		}
		n, ok := shardOf[r.Addrs[0]]
		if !ok {
			n = int32(len(shards))
			shardOf[r.Addrs[0]] = n
			shards = append(shards, append([]string(nil), r.Addrs...))
		}
		for _, addr := range r.Addrs {
			known[addr] = struct{}{}
		}
		for s := r.From; s <= r.To && s < NumSlots; s++ {
			slots[s] = n
		}
	}
	if len(shards) == 0 {
		return ErrClusterConfigEmpty.New("no addresses in slot ranges")
	}

	t.mu.Lock()
	t.slots, t.shards = slots, shards
	t.mu.Unlock()

	var left []*redisconn.ReconnectingConnection
	t.nodes.Range(func(addr string, conn *redisconn.ReconnectingConnection) bool {
		if _, ok := known[addr]; !ok {
			left = append(left, conn)
		}
		return true
	})
	for _, conn := range left {
		t.nodes.Compute(conn.Addr(), func(cur *redisconn.ReconnectingConnection, loaded bool) (*redisconn.ReconnectingConnection, bool) {
			return cur, !loaded || cur == conn
		})
		conn.MarkAsDropped()
		if t.opts.OnNodeDropped != nil {
			t.opts.OnNodeDropped(conn)
		}
	}

	var g multierror.Group
	for addr := range known {
		if _, ok := t.nodes.Load(addr); ok {
			continue
		}
		addr := addr
		g.Go(func() error {
			_, err, _ := t.dialing.Do(addr, t.dialFunc(addr))
			return err
		})
	}
	return g.Wait().ErrorOrNil()
}

func (t *Topology) dialFunc(addr string) func() (interface{}, error) {
	return func() (interface{}, error) {
		if conn, ok := t.nodes.Load(addr); ok {
			return conn, nil
		}
		opts := t.opts.HostOpts
		opts.Handle = ClusterHandle{Handle: opts.Handle, Address: addr}
		conn, err := redisconn.Connect(t.ctx, addr, opts)
		if conn == nil {
			return nil, err
		}
		conn, loaded := t.nodes.LoadOrStore(addr, conn)
		if !loaded && t.opts.OnNodeAdded != nil {
			t.opts.OnNodeAdded(conn, err)
		}
		return conn, err
	}
}

// SlotMoved applies MOVED redirection: slot now belongs to shard whose primary is addr.
// Unknown primary gets its own single-node shard.
func (t *Topology) SlotMoved(slot uint16, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, sh := range t.shards {
		if sh[0] == addr {
			t.slots[slot] = int32(i)
			return
		}
	}
	t.shards = append(t.shards, []string{addr})
	t.slots[slot] = int32(len(t.shards) - 1)
}

// ConnForAddress returns connection to addr, connecting to it if it is not known yet.
func (t *Topology) ConnForAddress(ctx context.Context, addr string) (*redisconn.ReconnectingConnection, error) {
	if conn, ok := t.nodes.Load(addr); ok {
		return conn, nil
	}
	ch := t.dialing.DoChan(addr, t.dialFunc(addr))
	select {
	case r := <-ch:
		if r.Val == nil {
			return nil, r.Err
		}
		// connection is kept even if first attempt failed
		return r.Val.(*redisconn.ReconnectingConnection), nil
	case <-ctx.Done():
		return nil, redis.ErrContextClosed.Wrap(ctx.Err(), "waiting for connection to %s", addr)
	}
}

// ConnForRoute returns connection to node serving route.
func (t *Topology) ConnForRoute(ctx context.Context, route routing.Route) (*redisconn.ReconnectingConnection, error) {
	addr, err := t.AddrForRoute(route)
	if err != nil {
		return nil, err
	}
	return t.ConnForAddress(ctx, addr)
}

// AddrForRoute returns address of node serving route.
func (t *Topology) AddrForRoute(route routing.Route) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sh := t.slots[route.Slot]
	if sh < 0 {
		return "", ErrNotFound.New("slot is not served").WithProperty(redis.EKSlot, route.Slot)
	}
	addrs := t.shards[sh]
	useReplica := route.SlotAddr == routing.ReplicaRequired ||
		(route.SlotAddr == routing.ReplicaOptional && t.opts.ReadFromReplica)
	if useReplica && len(addrs) > 1 {
		return addrs[1+rand.IntN(len(addrs)-1)], nil
	}
	return addrs[0], nil
}

// SlotOwner returns primary of slot.
func (t *Topology) SlotOwner(slot uint16) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sh := t.slots[slot]
	if sh < 0 {
		return "", false
	}
	return t.shards[sh][0], true
}

// RandomNode returns address of random node.
// Replicas are chosen only if reading from replicas is allowed.
func (t *Topology) RandomNode() (string, error) {
	var addrs []string
	if t.opts.ReadFromReplica {
		addrs = t.AllNodes()
	} else {
		addrs = t.AllPrimaries()
	}
	if len(addrs) == 0 {
		return "", ErrNotFound.New("no nodes known")
	}
	return addrs[rand.IntN(len(addrs))], nil
}

// RandomPrimary returns address of random primary.
func (t *Topology) RandomPrimary() (string, error) {
	addrs := t.AllPrimaries()
	if len(addrs) == 0 {
		return "", ErrNotFound.New("no primaries known")
	}
	return addrs[rand.IntN(len(addrs))], nil
}

// AllPrimaries returns addresses of all primaries.
func (t *Topology) AllPrimaries() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addrs := make([]string, 0, len(t.shards))
	for _, sh := range t.shards {
		addrs = append(addrs, sh[0])
	}
	return addrs
}

// AllNodes returns addresses of all nodes, primaries first.
func (t *Topology) AllNodes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addrs := make([]string, 0, 2*len(t.shards))
	for _, sh := range t.shards {
		addrs = append(addrs, sh[0])
	}
	for _, sh := range t.shards {
		addrs = append(addrs, sh[1:]...)
	}
	return addrs
}

// Conns returns connections to all connected or connecting nodes.
func (t *Topology) Conns() []*redisconn.ReconnectingConnection {
	var conns []*redisconn.ReconnectingConnection
	t.nodes.Range(func(_ string, conn *redisconn.ReconnectingConnection) bool {
		conns = append(conns, conn)
		return true
	})
	return conns
}

// Close drops every connection.
func (t *Topology) Close() {
	t.nodes.Range(func(addr string, conn *redisconn.ReconnectingConnection) bool {
		t.nodes.Delete(addr)
		conn.MarkAsDropped()
		return true
	})
}
