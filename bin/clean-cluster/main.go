// Command clean-cluster deletes keys matching pattern from every shard of a cluster.
//
// Cluster options are read with redisconfig (VALKEYPIPE_* variables, .env,
// optional -config file); -addr overrides configured addresses.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster"
	"github.com/joomcode/valkeypipe/redisconfig"
	"github.com/joomcode/valkeypipe/redisconn"
)

var sleep = flag.Duration("sleep", 50*time.Millisecond, "sleep between batches")
var addr = flag.String("addr", "", "address of one of cluster instances")
var match = flag.String("match", "", "match expression to delete (required)")
var config = flag.String("config", "", "config file")
var count = flag.Int("count", 1000, "SCAN COUNT")

func main() {
	flag.Parse()
	if *match == "" {
		log.Fatal("Match argument should be specified and not empty")
	}
	if *addr != "" {
		os.Setenv("VALKEYPIPE_ADDRESSES", *addr)
	}
	cfg, err := redisconfig.Load(*config)
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	cluster, err := cfg.Cluster(ctx, rediscluster.Opts{})
	if err != nil {
		log.Fatal(err)
	}
	defer cluster.Close()

	n, err := clean(ctx, cluster, cleanOpts{Match: *match, Count: *count, Sleep: *sleep, Out: os.Stdout})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("%d keys deleted", n)
}

type cleanOpts struct {
	Match string
	Count int
	Sleep time.Duration
	Out   io.Writer
}

// clean scans primaries concurrently and deletes found keys, returns number of deleted keys.
func clean(ctx context.Context, cluster *rediscluster.Cluster, opts cleanOpts) (int64, error) {
	var g errgroup.Group
	var deleted atomic.Int64
	cluster.EachShard(ctx, func(conn *redisconn.ReconnectingConnection, err error) bool {
		if err != nil {
			g.Go(func() error { return err })
			return true
		}
		if conn == nil {
			return true
		}
		g.Go(func() error {
			n, err := cleanShard(ctx, cluster, conn, opts)
			deleted.Add(n)
			return err
		})
		return false
	})
	err := g.Wait()
	return deleted.Load(), err
}

// cleanShard scans single primary. Keys are deleted through cluster, so DEL is
// split by slots.
func cleanShard(ctx context.Context, cluster *rediscluster.Cluster, conn *redisconn.ReconnectingConnection, opts cleanOpts) (int64, error) {
	sync := redis.SyncCtx{S: conn}
	del := redis.SyncCtx{S: cluster}
	cursor := "0"
	var total int64
	for {
		res := sync.Do(ctx, "SCAN", cursor, "MATCH", opts.Match, "COUNT", opts.Count)
		if err := redis.AsError(res); err != nil {
			return total, err
		}
		next, keys, err := scanReply(res)
		if err != nil {
			return total, err
		}
		if len(keys) != 0 {
			args := make([]interface{}, len(keys))
			for i, key := range keys {
				args[i] = key
			}
			res = del.Do(ctx, "DEL", args...)
			if err := redis.AsError(res); err != nil {
				return total, err
			}
			total += res.(int64)
			fmt.Fprintf(opts.Out, "%s: %q\n", conn.Addr(), keys[0])
		}
		if next == "0" {
			return total, nil
		}
		cursor = next
		if opts.Sleep > 0 {
			select {
			case <-time.After(opts.Sleep):
			case <-ctx.Done():
				return total, redis.ErrContextClosed.Wrap(ctx.Err(), "scan")
			}
		}
	}
}

func scanReply(res interface{}) (string, []string, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return "", nil, redis.ErrResponseUnexpected.New("SCAN reply").WithProperty(redis.EKResponse, res)
	}
	cursor, ok := arr[0].([]byte)
	items, ok2 := arr[1].([]interface{})
	if !ok || !ok2 {
		return "", nil, redis.ErrResponseUnexpected.New("SCAN reply").WithProperty(redis.EKResponse, res)
	}
	keys := make([]string, 0, len(items))
	for _, it := range items {
		if b, ok := it.([]byte); ok {
			keys = append(keys, string(b))
		}
	}
	return string(cursor), keys, nil
}
