// Package redisconfig loads connection and cluster options from environment
// and an optional config file.
//
// Files ".env" and ".env.local" of working directory are loaded into process
// environment first (existing variables are kept). Then config file is read,
// and every key may be overridden with VALKEYPIPE_ prefixed variable:
//
//	VALKEYPIPE_ADDRESSES=10.0.0.1:7000,10.0.0.2:7000
//	VALKEYPIPE_REQUEST_TIMEOUT=500ms
//	VALKEYPIPE_RETRY_NUMBER_OF_RETRIES=5
package redisconfig

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/joomcode/errorx"
	"github.com/spf13/viper"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster"
	"github.com/joomcode/valkeypipe/redisconn"
	"github.com/joomcode/valkeypipe/redisretry"
)

// EnvPrefix is a prefix of environment variables.
const EnvPrefix = "valkeypipe"

// ErrConfig - config could not be read or decoded.
var ErrConfig = redis.ErrOpts.NewType("config")

// Retry mirrors redisretry.Opts.
type Retry struct {
	ExponentBase    int           `mapstructure:"exponent_base"`
	Factor          time.Duration `mapstructure:"factor"`
	NumberOfRetries int           `mapstructure:"number_of_retries"`
	JitterPercent   int           `mapstructure:"jitter_percent"`
}

// PipelineRetry mirrors rediscluster.PipelineRetryStrategy.
type PipelineRetry struct {
	RetryServerError     bool `mapstructure:"retry_server_error"`
	RetryConnectionError bool `mapstructure:"retry_connection_error"`
}

// Config is a flat description of client options.
// Zero values keep defaults of redisconn and rediscluster.
type Config struct {
	Name       string   `mapstructure:"name"`
	Addresses  []string `mapstructure:"addresses"`
	Password   string   `mapstructure:"password"`
	ClientName string   `mapstructure:"client_name"`
	DB         int      `mapstructure:"db"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	IOTimeout         time.Duration `mapstructure:"io_timeout"`
	TCPKeepAlive      time.Duration `mapstructure:"tcp_keepalive"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ReadFromReplica   bool          `mapstructure:"read_from_replica"`

	// Reconnect is a backoff of connection attempts.
	Reconnect Retry `mapstructure:"reconnect"`
	// Retry bounds resending of cluster sub-pipelines.
	Retry         Retry         `mapstructure:"retry"`
	PipelineRetry PipelineRetry `mapstructure:"pipeline_retry"`
}

func setDefaults(v *viper.Viper) {
	// every key has to be known to viper for env override to work in Unmarshal
	v.SetDefault("name", "")
	v.SetDefault("addresses", []string{})
	v.SetDefault("password", "")
	v.SetDefault("client_name", "")
	v.SetDefault("db", 0)
	v.SetDefault("connection_timeout", time.Duration(0))
	v.SetDefault("io_timeout", time.Duration(0))
	v.SetDefault("tcp_keepalive", time.Duration(0))
	v.SetDefault("request_timeout", time.Duration(0))
	v.SetDefault("read_from_replica", false)
	for _, r := range []string{"reconnect", "retry"} {
		v.SetDefault(r+".exponent_base", 0)
		v.SetDefault(r+".factor", time.Duration(0))
		v.SetDefault(r+".number_of_retries", 0)
		v.SetDefault(r+".jitter_percent", 0)
	}
	v.SetDefault("pipeline_retry.retry_server_error", true)
	v.SetDefault("pipeline_retry.retry_connection_error", false)
}

// loadDotEnv loads files into environment, missing files are skipped.
func loadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return ErrConfig.Wrap(err, "load %s", f)
		}
	}
	return nil
}

// Load reads config. path may be empty, then only environment is used.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env", ".env.local"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, ErrConfig.Wrap(err, "read %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, ErrConfig.Wrap(err, "decode")
	}
	cfg.Addresses = splitAddresses(cfg.Addresses)
	if len(cfg.Addresses) == 0 {
		return nil, redis.ErrNoAddressProvided.New("no addresses configured")
	}
	return cfg, nil
}

// splitAddresses accepts both list and comma separated strings.
func splitAddresses(in []string) []string {
	var res []string
	for _, a := range in {
		for _, s := range strings.Split(a, ",") {
			if s = strings.TrimSpace(s); s != "" {
				res = append(res, s)
			}
		}
	}
	return res
}

func (r Retry) opts() redisretry.Opts {
	return redisretry.Opts{
		ExponentBase:    r.ExponentBase,
		Factor:          r.Factor,
		NumberOfRetries: r.NumberOfRetries,
		JitterPercent:   r.JitterPercent,
	}
}

// ConnOpts returns options of single connection.
func (c *Config) ConnOpts() redisconn.Opts {
	return redisconn.Opts{
		Password:          c.Password,
		ClientName:        c.ClientName,
		DB:                c.DB,
		Retry:             c.Reconnect.opts(),
		ConnectionTimeout: c.ConnectionTimeout,
		IOTimeout:         c.IOTimeout,
		TCPKeepAlive:      c.TCPKeepAlive,
	}
}

// ClusterOpts returns cluster options, ConnOpts are used as HostOpts.
func (c *Config) ClusterOpts() rediscluster.Opts {
	return rediscluster.Opts{
		Name:     c.Name,
		HostOpts: c.ConnOpts(),
		Retry:    c.Retry.opts(),
		PipelineRetry: rediscluster.PipelineRetryStrategy{
			RetryServerError:     c.PipelineRetry.RetryServerError,
			RetryConnectionError: c.PipelineRetry.RetryConnectionError,
		},
		RequestTimeout:  c.RequestTimeout,
		ReadFromReplica: c.ReadFromReplica,
	}
}

// Connect connects to the first configured address.
func (c *Config) Connect(ctx context.Context, opts redisconn.Opts) (*redisconn.ReconnectingConnection, error) {
	return redisconn.Connect(ctx, c.Addresses[0], c.merge(opts))
}

// Cluster connects to cluster using configured addresses as seeds.
func (c *Config) Cluster(ctx context.Context, opts rediscluster.Opts) (*rediscluster.Cluster, error) {
	cfg := c.ClusterOpts()
	cfg.HostOpts = c.merge(opts.HostOpts)
	cfg.Handle = opts.Handle
	cfg.Logger = opts.Logger
	cfg.Metrics = opts.Metrics
	return rediscluster.NewCluster(ctx, c.Addresses, cfg)
}

// merge adds runtime-only fields (dialer, logger, hooks) to configured options.
func (c *Config) merge(opts redisconn.Opts) redisconn.Opts {
	res := c.ConnOpts()
	res.Dialer = opts.Dialer
	res.Logger = opts.Logger
	res.Metrics = opts.Metrics
	res.OnDisconnect = opts.OnDisconnect
	res.Handle = opts.Handle
	return res
}

// IsConfigError reports whether err is produced by Load.
func IsConfigError(err error) bool {
	return errorx.IsOfType(err, ErrConfig)
}
