package testbed

import (
	"context"
	"strconv"
	"sync"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster/redisclusterutil"
	"github.com/joomcode/valkeypipe/redisconn"
)

// Cluster is a set of fake nodes sharing slot map.
type Cluster struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	shards   [][]*Node
	owner    [redisclusterutil.NumSlots]int
	primAddr []string
}

// NewCluster creates cluster with `shards` primaries, each having `replicas` replicas.
// Slots are split evenly. Primary of shard i listens on 127.0.0.1:(startport+i),
// replicas get ports after all primaries.
func NewCluster(startport int, shards, replicas int) *Cluster {
	cl := &Cluster{nodes: map[string]*Node{}}
	port := startport
	for i := 0; i < shards; i++ {
		p := cl.newNode(port)
		port++
		cl.shards = append(cl.shards, []*Node{p})
		cl.primAddr = append(cl.primAddr, p.Addr)
	}
	for i := 0; i < shards; i++ {
		for j := 0; j < replicas; j++ {
			r := cl.newNode(port)
			port++
			r.replica = true
			cl.shards[i] = append(cl.shards[i], r)
			cl.shards[i][0].replicas = append(cl.shards[i][0].replicas, r)
		}
	}
	per := redisclusterutil.NumSlots / shards
	for s := range cl.owner {
		sh := s / per
		if sh >= shards {
			sh = shards - 1
		}
		cl.owner[s] = sh
	}
	return cl
}

func (cl *Cluster) newNode(port int) *Node {
	n := NewNode("127.0.0.1:" + strconv.Itoa(port))
	n.owner = cl.slotOwner
	n.slots = cl.slotsReply
	cl.nodes[n.Addr] = n
	return n
}

func (cl *Cluster) slotOwner(slot uint16) (string, bool) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	sh := cl.owner[slot]
	if sh < 0 {
		return "", false
	}
	return cl.primAddr[sh], true
}

// Node returns node by address.
func (cl *Cluster) Node(addr string) *Node {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.nodes[addr]
}

// Primary returns primary of shard.
func (cl *Cluster) Primary(shard int) *Node {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.shards[shard][0]
}

// Nodes returns all nodes, primaries first.
func (cl *Cluster) Nodes() []*Node {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	var res []*Node
	for _, sh := range cl.shards {
		res = append(res, sh[0])
	}
	for _, sh := range cl.shards {
		res = append(res, sh[1:]...)
	}
	return res
}

// Owner returns primary owning the key.
func (cl *Cluster) Owner(key string) *Node {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.shards[cl.owner[redisclusterutil.Slot(key)]][0]
}

// KeyFor returns first key of form prefix+number owned by shard.
func (cl *Cluster) KeyFor(shard int, prefix string) string {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	for i := 0; ; i++ {
		key := prefix + strconv.Itoa(i)
		if cl.owner[redisclusterutil.Slot(key)] == shard {
			return key
		}
	}
}

// Ranges returns slot map in the form of CLUSTER SLOTS.
func (cl *Cluster) Ranges() []redisclusterutil.SlotsRange {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	var ranges []redisclusterutil.SlotsRange
	for s := 0; s < redisclusterutil.NumSlots; {
		sh := cl.owner[s]
		e := s
		for e+1 < redisclusterutil.NumSlots && cl.owner[e+1] == sh {
			e++
		}
		if sh >= 0 {
			r := redisclusterutil.SlotsRange{From: s, To: e}
			for _, n := range cl.shards[sh] {
				r.Addrs = append(r.Addrs, n.Addr)
			}
			ranges = append(ranges, r)
		}
		s = e + 1
	}
	return ranges
}

func (cl *Cluster) slotsReply() interface{} {
	var res []interface{}
	for _, r := range cl.Ranges() {
		row := []interface{}{int64(r.From), int64(r.To)}
		for _, addr := range r.Addrs {
			i := len(addr) - 1
			for addr[i] != ':' {
				i--
			}
			port, _ := strconv.Atoi(addr[i+1:])
			row = append(row, []interface{}{[]byte(addr[:i]), int64(port), []byte("id-" + addr)})
		}
		res = append(res, row)
	}
	return res
}

// MoveSlot reassigns slot to shard and migrates keys of the slot.
func (cl *Cluster) MoveSlot(slot uint16, shard int) {
	cl.mu.Lock()
	from := cl.shards[cl.owner[slot]][0]
	cl.owner[slot] = shard
	to := cl.shards[shard][0]
	cl.mu.Unlock()
	if from == to {
		return
	}

	from.mu.Lock()
	moved := map[int]map[string]interface{}{}
	for dbn, db := range from.dbs {
		for k, v := range db {
			if redisclusterutil.Slot(k) == slot {
				if moved[dbn] == nil {
					moved[dbn] = map[string]interface{}{}
				}
				moved[dbn][k] = v
				delete(db, k)
			}
		}
	}
	from.mu.Unlock()

	to.mu.Lock()
	for dbn, kv := range moved {
		db := to.db(dbn)
		for k, v := range kv {
			db[k] = v
		}
	}
	to.mu.Unlock()
}

// Dial implements redisconn.Dialer.
func (cl *Cluster) Dial(ctx context.Context, cfg redisconn.ConnConfig) (redisconn.Transport, error) {
	n := cl.Node(cfg.Address)
	if n == nil {
		return nil, redis.ErrDial.New("no such host").WithProperty(redis.EKAddress, cfg.Address)
	}
	return n.Dial(ctx, cfg)
}
