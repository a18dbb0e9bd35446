package routing

import (
	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster/redisclusterutil"
)

type fanOut struct {
	kind   Kind
	policy ResponsePolicy
}

// fanOutCommands are keyless commands executed on several nodes.
var fanOutCommands = map[string]fanOut{
	"KEYS":             {AllMasters, CombineArrays},
	"DBSIZE":           {AllMasters, AggregateSum},
	"PING":             {AllNodes, AllSucceeded},
	"FLUSHALL":         {AllMasters, AllSucceeded},
	"FLUSHDB":          {AllMasters, AllSucceeded},
	"SCRIPT EXISTS":    {AllMasters, AggregateLogicalAnd},
	"SCRIPT FLUSH":     {AllMasters, AllSucceeded},
	"SCRIPT LOAD":      {AllMasters, AllSucceeded},
	"SCRIPT KILL":      {AllMasters, OneSucceeded},
	"FUNCTION KILL":    {AllMasters, OneSucceeded},
	"FUNCTION DELETE":  {AllMasters, AllSucceeded},
	"FUNCTION FLUSH":   {AllMasters, AllSucceeded},
	"FUNCTION LOAD":    {AllMasters, AllSucceeded},
	"WAIT":             {AllMasters, AggregateMin},
	"RANDOMKEY":        {AllMasters, FirstSucceededNonEmptyOrAllEmpty},
	"INFO":             {AllNodes, Special},
	"CONFIG SET":       {AllNodes, AllSucceeded},
	"CONFIG RESETSTAT": {AllNodes, AllSucceeded},
	"CLIENT SETNAME":   {AllNodes, AllSucceeded},
	"PUBSUB NUMSUB":    {AllNodes, CombineMaps},
	"PUBSUB CHANNELS":  {AllNodes, CombineArrays},
	"PUBSUB NUMPAT":    {AllNodes, AggregateSum},
	"LASTSAVE":         {AllNodes, Special},
	"TIME":             {RandomPrimary, None},
}

type multiKey struct {
	pattern  ArgPattern
	policy   ResponsePolicy
	readonly bool
}

// multiKeyCommands may be split between slots.
var multiKeyCommands = map[string]multiKey{
	"MGET":      {KeysOnly, CombineArrays, true},
	"EXISTS":    {KeysOnly, AggregateSum, true},
	"TOUCH":     {KeysOnly, AggregateSum, true},
	"DEL":       {KeysOnly, AggregateSum, false},
	"UNLINK":    {KeysOnly, AggregateSum, false},
	"MSET":      {KeyValuePairs, AllSucceeded, false},
	"JSON.MGET": {KeysAndLastArg, CombineArrays, true},
	"JSON.MSET": {KeyWithTwoArgTriples, AllSucceeded, false},
}

// readonlyCommands may be served by replica.
var readonlyCommands = map[string]bool{
	"GET": true, "GETRANGE": true, "STRLEN": true, "MGET": true, "EXISTS": true,
	"TTL": true, "PTTL": true, "TYPE": true, "DUMP": true, "BITCOUNT": true, "GETBIT": true,
	"BITPOS": true, "HGET": true, "HMGET": true, "HGETALL": true, "HKEYS": true, "HVALS": true,
	"HLEN": true, "HEXISTS": true, "HSTRLEN": true, "HSCAN": true, "LRANGE": true, "LLEN": true,
	"LINDEX": true, "LPOS": true, "SMEMBERS": true, "SISMEMBER": true, "SMISMEMBER": true,
	"SCARD": true, "SRANDMEMBER": true, "SSCAN": true, "ZRANGE": true, "ZRANGEBYSCORE": true,
	"ZREVRANGE": true, "ZSCORE": true, "ZMSCORE": true, "ZCARD": true, "ZCOUNT": true,
	"ZRANK": true, "ZREVRANK": true, "ZSCAN": true, "XRANGE": true, "XREVRANGE": true,
	"XLEN": true, "XREAD": true, "PFCOUNT": true, "GEOPOS": true, "GEODIST": true,
	"GEOSEARCH": true, "EVAL_RO": true, "EVALSHA_RO": true, "FCALL_RO": true,
	"JSON.GET": true, "JSON.MGET": true, "JSON.TYPE": true,
}

// ForRequest returns routing of request according to command table.
// Keyed commands are routed to the owner of the key slot; unknown keyless
// commands are routed to random node.
func ForRequest(req redis.Request) RoutingInfo {
	name := req.Name()
	if f, ok := fanOutCommands[name]; ok {
		return RoutingInfo{Kind: f.kind, Policy: f.policy}
	}
	addr := Master
	if readonlyCommands[name] {
		addr = ReplicaOptional
	}
	if mk, ok := multiKeyCommands[name]; ok {
		if ri, ok := multiSlot(req, mk); ok {
			return ri
		}
	}
	slot, ok := redisclusterutil.ReqSlot(req)
	if !ok {
		return RandomNode()
	}
	return Specific(Route{Slot: slot, SlotAddr: addr})
}

// keyIndices returns positions of keys for pattern.
func keyIndices(nargs int, pattern ArgPattern) []int {
	var idx []int
	switch pattern {
	case KeysOnly:
		for i := 0; i < nargs; i++ {
			idx = append(idx, i)
		}
	case KeyValuePairs:
		for i := 0; i+1 < nargs; i += 2 {
			idx = append(idx, i)
		}
	case KeysAndLastArg:
		for i := 0; i < nargs-1; i++ {
			idx = append(idx, i)
		}
	case KeyWithTwoArgTriples:
		for i := 0; i+2 < nargs; i += 3 {
			idx = append(idx, i)
		}
	}
	return idx
}

// multiSlot groups keys by slot. It returns false if command addresses single slot
// (so it is routed as ordinary keyed command) or arguments are malformed.
func multiSlot(req redis.Request, mk multiKey) (RoutingInfo, bool) {
	idx := keyIndices(len(req.Args), mk.pattern)
	if len(idx) < 2 {
		return RoutingInfo{}, false
	}
	addr := Master
	if mk.readonly {
		addr = ReplicaOptional
	}
	ri := RoutingInfo{Kind: MultiSlot, Pattern: mk.pattern, Policy: mk.policy}
	pos := make(map[uint16]int)
	for _, i := range idx {
		key, ok := redis.ArgToString(req.Args[i])
		if !ok {
			return RoutingInfo{}, false
		}
		slot := redisclusterutil.Slot(key)
		n, ok := pos[slot]
		if !ok {
			n = len(ri.Slots)
			pos[slot] = n
			ri.Slots = append(ri.Slots, SlotArgs{Route: Route{Slot: slot, SlotAddr: addr}})
		}
		ri.Slots[n].Indices = append(ri.Slots[n].Indices, i)
	}
	if len(ri.Slots) == 1 {
		return RoutingInfo{}, false
	}
	return ri, true
}

// SplitArgs builds sub-command of multi-slot command containing only keys at indices
// (with their values, according to pattern).
func SplitArgs(req redis.Request, pattern ArgPattern, indices []int) redis.Request {
	var args []interface{}
	switch pattern {
	case KeysOnly:
		args = make([]interface{}, 0, len(indices))
		for _, i := range indices {
			args = append(args, req.Args[i])
		}
	case KeyValuePairs:
		args = make([]interface{}, 0, 2*len(indices))
		for _, i := range indices {
			args = append(args, req.Args[i], req.Args[i+1])
		}
	case KeysAndLastArg:
		args = make([]interface{}, 0, len(indices)+1)
		for _, i := range indices {
			args = append(args, req.Args[i])
		}
		args = append(args, req.Args[len(req.Args)-1])
	case KeyWithTwoArgTriples:
		args = make([]interface{}, 0, 3*len(indices))
		for _, i := range indices {
			args = append(args, req.Args[i], req.Args[i+1], req.Args[i+2])
		}
	}
	return redis.Request{Cmd: req.Cmd, Args: args}
}
