package rediscluster_test

import (
	"context"
	"runtime"
	"strconv"
	. "testing"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster"
	"github.com/joomcode/valkeypipe/redisconn"
	"github.com/joomcode/valkeypipe/testbed"
)

func benchCluster(b *B, port int) *rediscluster.Cluster {
	cl := testbed.NewCluster(port, 3, 0)
	c, err := rediscluster.NewCluster(context.Background(), []string{cl.Primary(0).Addr}, rediscluster.Opts{
		HostOpts: redisconn.Opts{Dialer: cl, Logger: redisconn.NoopLogger{}},
		Logger:   rediscluster.NoopLogger{},
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(c.Close)
	return c
}

func BenchmarkSerialGetSet(b *B) {
	sync := redis.SyncCtx{S: benchCluster(b, 45000)}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if res := sync.Do(ctx, "SET", "foo", "bar"); redis.AsError(res) != nil {
			b.Fatal(res)
		}
		if res := sync.Do(ctx, "GET", "foo"); redis.AsError(res) != nil {
			b.Fatal(res)
		}
	}
}

func BenchmarkSpreadPipeline(b *B) {
	c := benchCluster(b, 45100)
	ctx := context.Background()
	p := redis.NewPipeline(false)
	for i := 0; i < 100; i++ {
		p.Add("SET", "key"+strconv.Itoa(i), i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.ExecPipeline(ctx, p); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMultiKey(b *B) {
	c := benchCluster(b, 45200)
	ctx := context.Background()
	keys := make([]interface{}, 30)
	for i := range keys {
		keys[i] = "key" + strconv.Itoa(i)
	}
	p := redis.NewPipeline(false).Add("MGET", keys...)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.ExecPipeline(ctx, p); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParallelGetSet(b *B) {
	sync := redis.SyncCtx{S: benchCluster(b, 45300)}
	ctx := context.Background()
	b.SetParallelism(128 / runtime.GOMAXPROCS(0))
	b.ResetTimer()
	b.RunParallel(func(pb *PB) {
		i := 0
		for pb.Next() {
			key := "foo" + strconv.Itoa(i%1000)
			i++
			if res := sync.Do(ctx, "SET", key, "bar"); redis.AsError(res) != nil {
				b.Fatal(res)
			}
			if res := sync.Do(ctx, "GET", key); redis.AsError(res) != nil {
				b.Fatal(res)
			}
		}
	})
}
