package redisconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster"
	"github.com/joomcode/valkeypipe/redisconn"
	"github.com/joomcode/valkeypipe/testbed"
)

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VALKEYPIPE_ADDRESSES", "10.0.0.1:7000, 10.0.0.2:7000")
	t.Setenv("VALKEYPIPE_PASSWORD", "secret")
	t.Setenv("VALKEYPIPE_DB", "2")
	t.Setenv("VALKEYPIPE_REQUEST_TIMEOUT", "500ms")
	t.Setenv("VALKEYPIPE_READ_FROM_REPLICA", "true")
	t.Setenv("VALKEYPIPE_RETRY_NUMBER_OF_RETRIES", "5")
	t.Setenv("VALKEYPIPE_RECONNECT_FACTOR", "10ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, cfg.Addresses)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, 500*time.Millisecond, cfg.RequestTimeout)
	assert.True(t, cfg.ReadFromReplica)
	assert.Equal(t, 5, cfg.Retry.NumberOfRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Reconnect.Factor)
	assert.True(t, cfg.PipelineRetry.RetryServerError)
	assert.False(t, cfg.PipelineRetry.RetryConnectionError)
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, "valkeypipe.yaml", `
name: main
addresses:
  - 127.0.0.1:7000
  - 127.0.0.1:7001
client_name: app
io_timeout: 2s
pipeline_retry:
  retry_connection_error: true
retry:
  factor: 5ms
`)
	t.Setenv("VALKEYPIPE_CLIENT_NAME", "override")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.Name)
	assert.Equal(t, []string{"127.0.0.1:7000", "127.0.0.1:7001"}, cfg.Addresses)
	assert.Equal(t, "override", cfg.ClientName)
	assert.Equal(t, 2*time.Second, cfg.IOTimeout)
	assert.Equal(t, 5*time.Millisecond, cfg.Retry.Factor)
	assert.True(t, cfg.PipelineRetry.RetryServerError)
	assert.True(t, cfg.PipelineRetry.RetryConnectionError)

	opts := cfg.ClusterOpts()
	assert.Equal(t, "main", opts.Name)
	assert.Equal(t, "override", opts.HostOpts.ClientName)
	assert.Equal(t, 2*time.Second, opts.HostOpts.IOTimeout)
	assert.Equal(t, 5*time.Millisecond, opts.Retry.Factor)
	assert.Equal(t, rediscluster.PipelineRetryStrategy{RetryServerError: true, RetryConnectionError: true}, opts.PipelineRetry)
}

func TestLoadDotEnv(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("VALKEYPIPE_ADDRESSES=dotenv:6379\nVALKEYPIPE_CLIENT_NAME=from-dotenv\n"), 0o600))
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		os.Chdir(wd)
		os.Unsetenv("VALKEYPIPE_ADDRESSES")
		os.Unsetenv("VALKEYPIPE_CLIENT_NAME")
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"dotenv:6379"}, cfg.Addresses)
	assert.Equal(t, "from-dotenv", cfg.ClientName)
}

func TestLoadMalformedDotEnv(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("VALKEYPIPE_ADDRESSES=dotenv:6379\nBAD-KEY=1\n"), 0o600))
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		os.Chdir(wd)
		os.Unsetenv("VALKEYPIPE_ADDRESSES")
	})

	_, err = Load("")
	require.Error(t, err)
	assert.True(t, IsConfigError(err), err.Error())
	assert.Empty(t, os.Getenv("VALKEYPIPE_ADDRESSES"))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	path := writeFile(t, "bad.yaml", "db: [1, 2\n")
	_, err = Load(path)
	assert.True(t, IsConfigError(err))

	path = writeFile(t, "empty.yaml", "client_name: x\n")
	_, err = Load(path)
	assert.True(t, errorx.IsOfType(err, redis.ErrNoAddressProvided))
}

func TestConfigConnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	node := testbed.NewNode("single:6379")
	node.SetPassword("pw")
	cfg := &Config{Addresses: []string{node.Addr}, Password: "pw", ClientName: "cfg"}
	conn, err := cfg.Connect(ctx, redisconn.Opts{Dialer: node, Logger: redisconn.NoopLogger{}})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, []string{"cfg"}, node.ClientNames())

	cl := testbed.NewCluster(47210, 3, 0)
	cfg = &Config{Name: "cfg", Addresses: []string{cl.Primary(1).Addr}}
	c, err := cfg.Cluster(ctx, rediscluster.Opts{
		HostOpts: redisconn.Opts{Dialer: cl, Logger: redisconn.NoopLogger{}},
		Logger:   rediscluster.NoopLogger{},
	})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "cfg", c.Name())
	assert.Len(t, c.Topology().AllPrimaries(), 3)

	sc := redis.SyncCtx{S: c}
	assert.Equal(t, "OK", sc.Do(ctx, "SET", "cfg-key", "v"))
}
