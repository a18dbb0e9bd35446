package rediscluster

import (
	"context"

	"github.com/joomcode/valkeypipe/redisconn"
)

// EachShard calls cb with connection to primary of every shard, until cb returns true.
// If connection to some primary could not be obtained, cb is called with error.
// Finally cb is called with (nil, nil) if iteration were not stopped.
func (c *Cluster) EachShard(ctx context.Context, cb func(*redisconn.ReconnectingConnection, error) bool) {
	for _, addr := range c.topology.AllPrimaries() {
		conn, err := c.topology.ConnForAddress(ctx, addr)
		if err != nil {
			cb(nil, withTarget(err, OperationTarget{Kind: TargetNode, Address: addr}))
			return
		}
		if cb(conn, nil) {
			return
		}
	}
	cb(nil, nil)
}
