package rediscluster

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster/redisclusterutil"
	"github.com/joomcode/valkeypipe/redisconn"
	"github.com/joomcode/valkeypipe/redisretry"
	"github.com/joomcode/valkeypipe/routing"
)

const defaultPipelineRetries = 3

// Opts is options for Cluster
type Opts struct {
	// HostOpts - per host options
	// Note that HostOpts.Handle will be overwritten to ClusterHandle{ cluster.opts.Handle, conn.address}
	HostOpts redisconn.Opts
	// Retry bounds resending of sub-pipelines.
	// If Retry.NumberOfRetries == 0, then it is set to 3.
	// If Retry.NumberOfRetries < 0, then sub-pipelines are never resent.
	Retry redisretry.Opts
	// PipelineRetry is used by ExecPipeline.
	PipelineRetry PipelineRetryStrategy
	// RequestTimeout - timeout of whole ExecPipeline call.
	// If RequestTimeout <= 0, then only caller's context limits the call.
	RequestTimeout time.Duration
	// ReadFromReplica allows read-only commands and random commands to go to replicas.
	ReadFromReplica bool
	// Handle is returned with Cluster.Handle()
	// Also it is part of per-connection handle
	Handle interface{}
	// Name
	Name string
	// Logger
	Logger Logger
	// Metrics. If it implements redisconn.Metrics too, it is used as HostOpts.Metrics
	// unless the latter is set.
	Metrics Metrics
}

// Cluster is a client of valkey cluster. It implements redis.Sender.
//
// Slot map is fetched on creation and is updated with Refresh or by MOVED
// replies; Cluster doesn't poll it periodically.
type Cluster struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts     Opts
	retry    redisretry.Strategy
	topology *Topology
}

// NewCluster connects to cluster: slot map is requested from the first
// responding seed, then connections to all nodes are established.
//
// If some nodes could not be connected, cluster is returned together with error:
// these connections are reconnecting in background.
func NewCluster(ctx context.Context, seeds []string, opts Opts) (*Cluster, error) {
	if ctx == nil {
		return nil, redis.ErrContextIsNil.New("context should not be nil")
	}
	if len(seeds) == 0 {
		return nil, redis.ErrNoAddressProvided.New("no initial addresses given")
	}
	c := newCluster(ctx, opts)
	ranges, err := c.fetchSlots(ctx, seeds)
	if err != nil {
		c.cancel()
		return nil, err
	}
	return c.init(ranges)
}

// NewClusterWithRanges creates cluster with known slot map.
func NewClusterWithRanges(ctx context.Context, ranges []redisclusterutil.SlotsRange, opts Opts) (*Cluster, error) {
	if ctx == nil {
		return nil, redis.ErrContextIsNil.New("context should not be nil")
	}
	return newCluster(ctx, opts).init(ranges)
}

func newCluster(ctx context.Context, opts Opts) *Cluster {
	c := &Cluster{opts: opts}
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.opts.Logger == nil {
		c.opts.Logger = DefaultLogger{}
	}
	if c.opts.Metrics == nil {
		c.opts.Metrics = NoopMetrics{}
	}
	if c.opts.HostOpts.Logger == nil {
		c.opts.HostOpts.Logger = defaultConnLogger{c}
	}
	if c.opts.HostOpts.Metrics == nil {
		if m, ok := c.opts.Metrics.(redisconn.Metrics); ok {
			c.opts.HostOpts.Metrics = m
		}
	}
	c.opts.HostOpts.Handle = c.opts.Handle
	if c.opts.Retry.NumberOfRetries == 0 {
		c.opts.Retry.NumberOfRetries = defaultPipelineRetries
	} else if c.opts.Retry.NumberOfRetries < 0 {
		c.opts.Retry.NumberOfRetries = 0
	}
	c.retry = redisretry.New(c.opts.Retry)
	return c
}

func (c *Cluster) init(ranges []redisclusterutil.SlotsRange) (*Cluster, error) {
	topology, err := NewTopology(c.ctx, ranges, TopologyOpts{
		HostOpts:        c.opts.HostOpts,
		ReadFromReplica: c.opts.ReadFromReplica,
		OnNodeAdded: func(conn *redisconn.ReconnectingConnection, err error) {
			c.report(LogNodeAdded{Conn: conn, Error: err})
		},
		OnNodeDropped: func(conn *redisconn.ReconnectingConnection) {
			c.report(LogNodeDropped{Conn: conn})
		},
	})
	if topology == nil {
		c.cancel()
		return nil, err
	}
	c.topology = topology
	go c.watch()
	return c, err
}

func (c *Cluster) watch() {
	<-c.ctx.Done()
	c.report(LogContextClosed{Error: c.ctx.Err()})
	c.topology.Close()
}

// Name returns configured name.
func (c *Cluster) Name() string {
	return c.opts.Name
}

// Handle returns configured handle.
func (c *Cluster) Handle() interface{} {
	return c.opts.Handle
}

// Topology returns slot map and node registry of cluster.
func (c *Cluster) Topology() *Topology {
	return c.topology
}

func (c *Cluster) String() string {
	return fmt.Sprintf("*rediscluster.Cluster{name: %s}", c.opts.Name)
}

// Close closes all connections.
func (c *Cluster) Close() {
	c.cancel()
}

// Refresh requests CLUSTER SLOTS from known primaries (in random order) and updates topology.
func (c *Cluster) Refresh(ctx context.Context) error {
	addrs := c.topology.AllPrimaries()
	rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	ranges, err := c.fetchSlots(ctx, addrs)
	if err != nil {
		return err
	}
	return c.topology.Update(ranges)
}

// fetchSlots asks nodes for CLUSTER SLOTS one by one until first success.
func (c *Cluster) fetchSlots(ctx context.Context, addrs []string) ([]redisclusterutil.SlotsRange, error) {
	var merr *multierror.Error
	for _, addr := range addrs {
		ranges, err := c.fetchSlotsFrom(ctx, addr)
		if err == nil {
			return ranges, nil
		}
		c.report(LogClusterSlotsError{Address: addr, Error: err})
		merr = multierror.Append(merr, err)
	}
	return nil, ErrClusterSlots.Wrap(merr.ErrorOrNil(), "no node returned slots")
}

func (c *Cluster) fetchSlotsFrom(ctx context.Context, addr string) ([]redisclusterutil.SlotsRange, error) {
	var conn *redisconn.ReconnectingConnection
	if c.topology != nil {
		var err error
		if conn, err = c.topology.ConnForAddress(ctx, addr); err != nil {
			return nil, err
		}
	} else {
		// bootstrap connection, it is not a part of topology
		opts := c.opts.HostOpts
		opts.Handle = ClusterHandle{Handle: c.opts.Handle, Address: addr}
		var err error
		conn, err = redisconn.Connect(c.ctx, addr, opts)
		if conn != nil {
			defer conn.MarkAsDropped()
		}
		if err != nil {
			return nil, err
		}
	}
	res, err := conn.SendBatch(ctx, []redis.Request{redis.Req("CLUSTER SLOTS")})
	if err != nil {
		return nil, err
	}
	if rerr := redis.AsError(res[0]); rerr != nil {
		return nil, rerr
	}
	ranges, err := redisclusterutil.ParseSlotsInfo(res[0])
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		return nil, ErrClusterConfigEmpty.New("empty CLUSTER SLOTS reply").WithProperty(redis.EKAddress, addr)
	}
	return ranges, nil
}

// ExecPipeline implements redis.Sender.
// It uses Opts.PipelineRetry for retries.
func (c *Cluster) ExecPipeline(ctx context.Context, p *redis.Pipeline) ([]interface{}, error) {
	return c.ExecPipelineRouted(ctx, p, nil, c.opts.PipelineRetry)
}

// ExecPipelineWithRetry executes pipeline with explicit retry strategy.
func (c *Cluster) ExecPipelineWithRetry(ctx context.Context, p *redis.Pipeline, rs PipelineRetryStrategy) ([]interface{}, error) {
	return c.ExecPipelineRouted(ctx, p, nil, rs)
}

// ExecPipelineRouted executes pipeline. routes overrides routing of commands by their
// index in pipeline; other commands are routed according to command table.
//
// Atomic pipeline is sent as MULTI/EXEC to the node of its slot, routes are ignored.
// Non-atomic pipeline is split into per-node sub-pipelines which are executed concurrently;
// results are returned in original order, replies of multi-node commands are aggregated
// according to response policy. Redis errors are returned as values of the result.
func (c *Cluster) ExecPipelineRouted(ctx context.Context, p *redis.Pipeline, routes map[int]routing.RoutingInfo, rs PipelineRetryStrategy) ([]interface{}, error) {
	if ctx == nil {
		return nil, redis.ErrContextIsNil.New("context should not be nil")
	}
	if p.Len() == 0 {
		return []interface{}{}, nil
	}
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	start := time.Now()
	var res []interface{}
	var err error
	nodes := 1
	if p.IsAtomic() {
		res, err = c.execAtomic(ctx, p, rs)
	} else {
		res, nodes, err = c.execNonAtomic(ctx, p, routes, rs)
	}
	c.opts.Metrics.PipelineExecuted(c.opts.Name, nodes, time.Since(start), err)
	return res, err
}
