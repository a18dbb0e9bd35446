/*
Package rediscluster implements connector for valkey (redis) cluster.

Cluster learns slot map with CLUSTER SLOTS on creation and keeps one
redisconn.ReconnectingConnection per node. Slot map is changed only by
Refresh, Topology.Update and MOVED replies.

Pipeline is executed by splitting it into per-node sub-pipelines:

	p := redis.NewPipeline(false).
		Add("SET", "k1", "v1").
		Add("MGET", "k1", "k2", "k3"). // split by slots, reply is reassembled in key order
		Add("DBSIZE")                  // sent to every primary, replies are summed
	res, err := cluster.ExecPipeline(ctx, p)

Sub-pipelines are executed concurrently, results are returned in original
order. Transaction (atomic pipeline) must address single slot, otherwise
ErrCrossSlot is returned before anything is sent.

PipelineRetryStrategy enables resending of sub-pipelines on retriable server
errors and on connection errors. Sub-pipeline is always resent as a whole, so
commands which already succeeded on the node are executed again.
*/
package rediscluster
