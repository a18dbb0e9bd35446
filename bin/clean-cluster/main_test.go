package main

import (
	"bytes"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster"
	"github.com/joomcode/valkeypipe/rediscluster/redisclusterutil"
	"github.com/joomcode/valkeypipe/redisconn"
	"github.com/joomcode/valkeypipe/testbed"
)

func TestClean(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cl := testbed.NewCluster(49210, 3, 0)
	cluster, err := rediscluster.NewCluster(ctx, []string{cl.Primary(0).Addr}, rediscluster.Opts{
		HostOpts: redisconn.Opts{Dialer: cl, Logger: redisconn.NoopLogger{}},
		Logger:   rediscluster.NoopLogger{},
	})
	require.NoError(t, err)
	defer cluster.Close()

	p := redis.NewPipeline(false)
	for i := 0; i < 20; i++ {
		p.Add("SET", "tmp:"+strconv.Itoa(i), i)
		p.Add("SET", "keep:"+strconv.Itoa(i), i)
	}
	_, err = cluster.ExecPipeline(ctx, p)
	require.NoError(t, err)

	// single SCAN batch of a shard holds keys of different slots
	slots := map[uint16]bool{}
	for i := 0; i < 20; i++ {
		key := "tmp:" + strconv.Itoa(i)
		if cl.Owner(key) == cl.Primary(0) {
			slots[redisclusterutil.Slot(key)] = true
		}
	}
	require.Greater(t, len(slots), 1)

	var out bytes.Buffer
	n, err := clean(ctx, cluster, cleanOpts{Match: "tmp:*", Count: 1000, Out: &out})
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
	assert.NotEmpty(t, out.String())

	sync := redis.SyncCtx{S: cluster}
	assert.Equal(t, int64(20), sync.Do(ctx, "DBSIZE"))
	assert.Equal(t, int64(0), sync.Do(ctx, "EXISTS", "tmp:1", "tmp:7"))
	assert.Equal(t, int64(2), sync.Do(ctx, "EXISTS", "keep:1", "keep:7"))
}

func TestScanReply(t *testing.T) {
	cursor, keys, err := scanReply([]interface{}{[]byte("17"), []interface{}{[]byte("a"), []byte("b")}})
	require.NoError(t, err)
	assert.Equal(t, "17", cursor)
	assert.Equal(t, []string{"a", "b"}, keys)

	_, _, err = scanReply("OK")
	assert.Error(t, err)
}
