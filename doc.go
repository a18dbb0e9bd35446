/*
Package valkeypipe - pipeline router for Valkey/Redis cluster.

Caller builds a pipeline of commands (optionally a MULTI/EXEC transaction), and
cluster client splits it into per-node sub-pipelines by key slot, sends them to
nodes concurrently, follows MOVED/ASK redirections with bounded retries, and
merges replies back in the original order.

Commands without a single key are routed by their nature:

- multi-key commands (MGET, DEL, EXISTS, MSET, ...) are split by slot and
partial replies are merged back,

- PING, DBSIZE, KEYS, SCRIPT EXISTS and similar are sent to every primary (or
every node) and replies are aggregated (sum, logical and, array concatenation, ...),

- other keyless commands go to a random node.

Every node is served by single reconnecting connection: if transport breaks,
connection reconnects in background with jittered exponential backoff, and
requests wait for it (bounded by context).

Structure

- root package is empty

- common types (Request, Pipeline, errors) are in redis subpackage

- RESP encoding is in resp subpackage

- command routing table and reply aggregation are in routing subpackage

- single connection is in redisconn subpackage

- cluster support is in rediscluster subpackage

- backoff is in redisretry subpackage

- Prometheus metrics are in redismetrics subpackage, and config loading is in redisconfig

- in-process fake nodes for tests are in testbed subpackage

Usage

Both redisconn.Connect and rediscluster.NewCluster create implementations of redis.Sender:

	res, err := sender.ExecPipeline(ctx, redis.NewPipeline(false).
		Add("SET", "key", "value").
		Add("MGET", "key", "other"))

redis.SyncCtx wraps sender with shortcuts for single request, many requests
and transaction.

Types accepted as command arguments: nil, []byte, string, int (and all other integer types),
float64, float32, bool. All arguments are converted to bulk strings as usual (ie
string and bytes - as is; numbers - in decimal notation). bool converted as "0/1",
nil converted to empty string.

No custom types are used for results. Replies are de-serialized into plain go
types and are returned as interface{}:

  valkey       | go
  -------------|-------
  plain string | string
  bulk string  | []byte
  integer      | int64
  array        | []interface{}
  error        | error (*errorx.Error)

Server errors are returned inside of result slice. Error returned from
ExecPipeline means pipeline as a whole failed (connection failure after all
retries, cross-slot transaction, closed context).
*/
package valkeypipe
