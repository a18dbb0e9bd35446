package rediscluster

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joomcode/errorx"
	"golang.org/x/sync/errgroup"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/redisconn"
	"github.com/joomcode/valkeypipe/routing"
)

// PipelineRetryStrategy tells which sub-pipeline failures are retried.
//
// Sub-pipeline is resent to its node as a whole: commands that were already
// executed by the node are executed again. Non-idempotent commands (INCR,
// LPUSH, ...) may be applied twice when retries are enabled.
// Commands redirected with MOVED or ASK are the exception: only they are sent
// to redirection target, other replies of sub-pipeline are kept.
// Commands of node that left cluster are routed again regardless of strategy,
// since they were not sent.
type PipelineRetryStrategy struct {
	// RetryServerError resends sub-pipeline if some reply is a retriable server error
	// (MOVED, ASK, TRYAGAIN, LOADING, CLUSTERDOWN, MASTERDOWN).
	RetryServerError bool
	// RetryConnectionError resends sub-pipeline after transport failure.
	// It is unknown whether the node executed the commands in this case.
	RetryConnectionError bool
}

// RouteForPipeline returns slot route of atomic pipeline.
// It returns nil for non-atomic pipeline and for transaction without keys.
// Keys of transaction must belong to single slot, otherwise ErrCrossSlot is returned.
func RouteForPipeline(p *redis.Pipeline) (*routing.Route, error) {
	if !p.IsAtomic() {
		return nil, nil
	}
	var route *routing.Route
	for i := 0; i < p.Len(); i++ {
		req := p.Command(i)
		ri := routing.ForRequest(*req)
		switch ri.Kind {
		case routing.SpecificNode:
			if route == nil {
				route = &routing.Route{Slot: ri.Route.Slot, SlotAddr: routing.Master}
			} else if route.Slot != ri.Route.Slot {
				return nil, ErrCrossSlot.New("transaction keys belong to slots %d and %d", route.Slot, ri.Route.Slot).
					WithProperty(redis.EKRequest, *req)
			}
		case routing.MultiSlot:
			return nil, ErrCrossSlot.New("command keys belong to different slots").
				WithProperty(redis.EKRequest, *req)
		}
		// RandomPrimary and keyless commands are served by any primary,
		// so they never conflict with slot route.
	}
	return route, nil
}

type cmdIndex struct {
	orig  int
	inner int // position among replies of multi-node command, -1 for single node command
}

type nodePipelineContext struct {
	sub     *redis.SubPipeline
	conn    *redisconn.ReconnectingConnection
	indices []cmdIndex
	routes  []routing.RoutingInfo
}

type nodePipelineMap map[string]*nodePipelineContext

type aggregationInfo struct {
	index int
	info  routing.RoutingInfo
}

// mapPipelineToNodes splits non-atomic pipeline into per-node sub-pipelines.
// routes overrides routing of commands by their index.
func (c *Cluster) mapPipelineToNodes(ctx context.Context, p *redis.Pipeline, routes map[int]routing.RoutingInfo) (nodePipelineMap, []aggregationInfo, error) {
	nodes := make(nodePipelineMap)
	var order []string
	var aggs []aggregationInfo

	add := func(conn *redisconn.ReconnectingConnection, req *redis.Request, idx cmdIndex, ri routing.RoutingInfo) {
		addr := conn.Addr()
		nc, ok := nodes[addr]
		if !ok {
			nc = &nodePipelineContext{sub: redis.NewSubPipeline(), conn: conn}
			nodes[addr] = nc
			order = append(order, addr)
		}
		nc.sub.AddShared(req)
		nc.indices = append(nc.indices, idx)
		nc.routes = append(nc.routes, ri)
	}
	notFound := func(err error) (nodePipelineMap, []aggregationInfo, error) {
		return nil, nil, withTarget(err, OperationTarget{Kind: TargetNotFound})
	}

	for i := 0; i < p.Len(); i++ {
		req := p.Command(i)
		ri, ok := routes[i]
		if !ok {
			ri = routing.ForRequest(*req)
		}
		single := cmdIndex{orig: i, inner: -1}
		switch ri.Kind {
		case routing.Random:
			if len(order) > 0 {
				nc := nodes[order[rand.IntN(len(order))]]
				add(nc.conn, req, single, ri)
				continue
			}
			fallthrough
		case routing.SpecificNode, routing.RandomPrimary, routing.ByAddress:
			conn, err := c.connForSingle(ctx, ri)
			if err != nil {
				return notFound(err)
			}
			add(conn, req, single, ri)
		case routing.AllNodes, routing.AllMasters:
			addrs := c.topology.AllPrimaries()
			if ri.Kind == routing.AllNodes {
				addrs = c.topology.AllNodes()
			}
			if len(addrs) == 0 {
				return notFound(ErrNotFound.New("no nodes for %s", ri.Kind).WithProperty(redis.EKRequest, *req))
			}
			for k, addr := range addrs {
				conn, err := c.topology.ConnForAddress(ctx, addr)
				if err != nil {
					return notFound(err)
				}
				add(conn, req, cmdIndex{orig: i, inner: k}, ri)
			}
			aggs = append(aggs, aggregationInfo{index: i, info: ri})
		case routing.MultiSlot:
			for k, sa := range ri.Slots {
				conn, err := c.topology.ConnForRoute(ctx, sa.Route)
				if err != nil {
					return notFound(err)
				}
				sub := routing.SplitArgs(*req, ri.Pattern, sa.Indices)
				add(conn, &sub, cmdIndex{orig: i, inner: k}, routing.Specific(sa.Route))
			}
			aggs = append(aggs, aggregationInfo{index: i, info: ri})
		default:
			return notFound(ErrNotFound.New("unknown routing %s", ri.Kind))
		}
	}
	return nodes, aggs, nil
}

func (c *Cluster) connForSingle(ctx context.Context, ri routing.RoutingInfo) (*redisconn.ReconnectingConnection, error) {
	var addr string
	var err error
	switch ri.Kind {
	case routing.Random:
		addr, err = c.topology.RandomNode()
	case routing.SpecificNode:
		addr, err = c.topology.AddrForRoute(ri.Route)
	case routing.RandomPrimary:
		addr, err = c.topology.RandomPrimary()
	case routing.ByAddress:
		addr = ri.Addr()
	}
	if err != nil {
		return nil, err
	}
	return c.topology.ConnForAddress(ctx, addr)
}

// nodeBatch is a part of sub-pipeline addressed to a single node.
type nodeBatch struct {
	conn   *redisconn.ReconnectingConnection
	idx    []int // positions in sub-pipeline
	asking bool
}

// executePipelineOnNode sends non-atomic sub-pipeline to conn and retries it according to rs.
// Every reply is paired with address of the node which produced it.
// routes holds routing of every command of p: commands of node that left
// topology are routed again with it.
func (c *Cluster) executePipelineOnNode(ctx context.Context, conn *redisconn.ReconnectingConnection, p *redis.Pipeline, routes []routing.RoutingInfo, rs PipelineRetryStrategy) ([]routing.AddressedValue, error) {
	out := make([]routing.AddressedValue, p.Len())
	all := make([]int, p.Len())
	for i := range all {
		all[i] = i
	}
	queue := []nodeBatch{{conn: conn, idx: all}}
	bo := c.retry.Bounded()
	for attempt := 1; len(queue) > 0; attempt++ {
		b := queue[0]
		queue = queue[1:]
		addr := b.conn.Addr()
		res, err := sendPipeline(ctx, b.conn, subPipeline(p, b.idx), b.asking)
		d := retryFor(res, err, rs)
		var wait time.Duration
		if d.cause != nil {
			wait = bo.NextBackOff()
		}
		if d.cause == nil || wait == backoff.Stop {
			if err != nil {
				c.opts.Metrics.NodeTaskFailed(addr)
				return nil, withTarget(err, OperationTarget{Kind: TargetNode, Address: addr})
			}
			for j, i := range b.idx {
				out[i] = routing.AddressedValue{Value: res[j], Address: addr}
			}
			continue
		}

		c.opts.Metrics.SubPipelineRetried(addr, d.reason)
		c.report(LogPipelineRetry{Address: addr, Redirect: redirectTarget(d.redirect, addr), Attempt: attempt, Error: d.cause})

		var next []nodeBatch
		var rerr error
		switch {
		case err != nil && (b.conn.IsDropped() || errorx.IsOfType(err, redis.ErrDropped)):
			next, rerr = c.routeAgain(ctx, routes, b.idx)
			wait = 0
		case err != nil:
			next = []nodeBatch{b}
		default:
			next, rerr = c.splitReplies(ctx, b, res, out)
			if d.redirect != nil {
				wait = 0
			}
		}
		if rerr != nil {
			c.opts.Metrics.NodeTaskFailed(addr)
			return nil, withTarget(rerr, OperationTarget{Kind: TargetNotFound})
		}
		queue = append(queue, next...)
		if err = sleep(ctx, wait); err != nil {
			return nil, withTarget(err, OperationTarget{Kind: TargetNode, Address: addr})
		}
	}
	return out, nil
}

// splitReplies stores replies of b into out, and returns batches to resend.
// Commands redirected with MOVED or ASK go to redirection target. The rest of
// batch is resent to the same node as a whole if some of its replies is retriable.
func (c *Cluster) splitReplies(ctx context.Context, b nodeBatch, res []interface{}, out []routing.AddressedValue) ([]nodeBatch, error) {
	addr := b.conn.Addr()
	var stay []int
	retryStay := false
	var next []nodeBatch
	redirected := make(map[string]int)
	for j, i := range b.idx {
		out[i] = routing.AddressedValue{Value: res[j], Address: addr}
		ex, ok := res[j].(*errorx.Error)
		if !ok || !ex.HasTrait(redis.ErrTraitRetriable) {
			stay = append(stay, i)
			continue
		}
		if !ex.HasTrait(redis.ErrTraitClusterMove) {
			stay = append(stay, i)
			retryStay = true
			continue
		}
		target := redirectTarget(ex, addr)
		asking := !ex.IsOfType(redis.ErrMoved)
		if !asking {
			if slot, ok := ex.Property(redis.EKSlot); ok {
				c.topology.SlotMoved(slot.(uint16), target)
			}
		}
		key := target
		if asking {
			key = "ask " + target
		}
		n, ok := redirected[key]
		if !ok {
			conn, err := c.topology.ConnForAddress(ctx, target)
			if err != nil {
				return nil, err
			}
			n = len(next)
			redirected[key] = n
			next = append(next, nodeBatch{conn: conn, asking: asking})
		}
		next[n].idx = append(next[n].idx, i)
	}
	if retryStay {
		next = append(next, nodeBatch{conn: b.conn, idx: stay})
	}
	return next, nil
}

// routeAgain routes commands of batch through current topology.
// Commands addressed to exact nodes can not be moved to other node.
func (c *Cluster) routeAgain(ctx context.Context, routes []routing.RoutingInfo, idx []int) ([]nodeBatch, error) {
	var next []nodeBatch
	byAddr := make(map[string]int)
	for _, i := range idx {
		ri := routes[i]
		switch ri.Kind {
		case routing.SpecificNode, routing.Random, routing.RandomPrimary:
		default:
			return nil, ErrNotFound.New("node of %s command left cluster", ri.Kind)
		}
		conn, err := c.connForSingle(ctx, ri)
		if err != nil {
			return nil, err
		}
		n, ok := byAddr[conn.Addr()]
		if !ok {
			n = len(next)
			byAddr[conn.Addr()] = n
			next = append(next, nodeBatch{conn: conn})
		}
		next[n].idx = append(next[n].idx, i)
	}
	return next, nil
}

// executeAtomicOnNode sends transaction and retries it as a whole according to rs.
// MOVED and ASK send it to redirection target, transaction of dropped node
// is routed again with ri.
// It returns address of the node which produced the result.
func (c *Cluster) executeAtomicOnNode(ctx context.Context, conn *redisconn.ReconnectingConnection, p *redis.Pipeline, ri routing.RoutingInfo, rs PipelineRetryStrategy) (string, []interface{}, error) {
	bo := c.retry.Bounded()
	asking := false
	for attempt := 1; ; attempt++ {
		addr := conn.Addr()
		res, err := sendPipeline(ctx, conn, p, asking)
		d := retryFor(res, err, rs)
		var wait time.Duration
		if d.cause != nil {
			wait = bo.NextBackOff()
		}
		if d.cause == nil || wait == backoff.Stop {
			if err != nil {
				c.opts.Metrics.NodeTaskFailed(addr)
				return addr, nil, withTarget(err, OperationTarget{Kind: TargetNode, Address: addr})
			}
			return addr, res, nil
		}

		c.opts.Metrics.SubPipelineRetried(addr, d.reason)
		target := redirectTarget(d.redirect, addr)
		c.report(LogPipelineRetry{Address: addr, Redirect: target, Attempt: attempt, Error: d.cause})

		asking = false
		var nconn *redisconn.ReconnectingConnection
		switch {
		case d.redirect != nil:
			if d.redirect.IsOfType(redis.ErrMoved) {
				if slot, ok := d.redirect.Property(redis.EKSlot); ok {
					c.topology.SlotMoved(slot.(uint16), target)
				}
			} else {
				asking = true
			}
			wait = 0
			nconn, err = c.topology.ConnForAddress(ctx, target)
		case conn.IsDropped() || errorx.IsOfType(err, redis.ErrDropped):
			wait = 0
			nconn, err = c.connForSingle(ctx, ri)
		default:
			nconn, err = conn, nil
		}
		if err != nil {
			c.opts.Metrics.NodeTaskFailed(addr)
			return addr, nil, withTarget(err, OperationTarget{Kind: TargetNotFound})
		}
		conn = nconn
		if err = sleep(ctx, wait); err != nil {
			return addr, nil, withTarget(err, OperationTarget{Kind: TargetNode, Address: addr})
		}
	}
}

func sleep(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return redis.ErrContextClosed.Wrap(ctx.Err(), "retry interrupted")
	}
}

func redirectTarget(redirect *errorx.Error, addr string) string {
	if redirect == nil {
		return addr
	}
	movedTo, _ := redirect.Property(redis.EKMovedTo)
	if target, ok := movedTo.(string); ok {
		return target
	}
	return addr
}

// subPipeline returns commands of p at positions idx.
func subPipeline(p *redis.Pipeline, idx []int) *redis.Pipeline {
	if len(idx) == p.Len() {
		return p
	}
	sub := redis.NewSubPipeline()
	for _, i := range idx {
		sub.AddShared(p.Command(i))
	}
	return &sub.Pipeline
}

func sendPipeline(ctx context.Context, conn *redisconn.ReconnectingConnection, p *redis.Pipeline, asking bool) ([]interface{}, error) {
	batch := p.Batch()
	if asking {
		batch = withAsking(batch, p.IsAtomic())
	}
	raw, err := conn.SendBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	if asking {
		raw = withoutAsking(raw, p.IsAtomic())
	}
	return p.Results(raw)
}

// withAsking prefixes commands with ASKING. Flag set before MULTI lasts till EXEC,
// otherwise it applies to single command.
func withAsking(batch []redis.Request, atomic bool) []redis.Request {
	asking := redis.Req("ASKING")
	if atomic {
		return append([]redis.Request{asking}, batch...)
	}
	res := make([]redis.Request, 0, 2*len(batch))
	for _, req := range batch {
		res = append(res, asking, req)
	}
	return res
}

func withoutAsking(raw []interface{}, atomic bool) []interface{} {
	if atomic {
		if len(raw) == 0 {
			return raw
		}
		return raw[1:]
	}
	res := make([]interface{}, 0, len(raw)/2)
	for i := 1; i < len(raw); i += 2 {
		res = append(res, raw[i])
	}
	return res
}

type retryDecision struct {
	reason   string
	cause    error
	redirect *errorx.Error // MOVED or ASK
}

func retryFor(res []interface{}, err error, rs PipelineRetryStrategy) retryDecision {
	if err != nil {
		ex := errorx.Cast(err)
		switch {
		case ex == nil:
		case ex.IsOfType(redis.ErrDropped):
			// request is not sent, node left topology
			return retryDecision{reason: "dropped", cause: err}
		case ex.HasTrait(redis.ErrTraitConnectivity):
			if rs.RetryConnectionError {
				return retryDecision{reason: "connection", cause: err}
			}
		case ex.HasTrait(redis.ErrTraitRetriable):
			// transaction failed on queueing
			if rs.RetryServerError {
				d := retryDecision{reason: "server", cause: err}
				if ex.HasTrait(redis.ErrTraitClusterMove) {
					d.redirect = ex
				}
				return d
			}
		}
		return retryDecision{}
	}
	var d retryDecision
	if !rs.RetryServerError {
		return d
	}
	for _, v := range res {
		if !redis.Retriable(v) {
			continue
		}
		ex := v.(*errorx.Error)
		if d.cause == nil {
			d.reason, d.cause = "server", ex
		}
		if d.redirect == nil && ex.HasTrait(redis.ErrTraitClusterMove) {
			d.redirect = ex
		}
	}
	return d
}

// collectPipelineTasks executes every sub-pipeline concurrently and gathers replies
// by original command index. It waits for all tasks, and returns first error.
//
// Tasks are detached from ctx cancellation: if ctx is done earlier, ctx error is
// returned and tasks continue in background, their results are discarded.
func (c *Cluster) collectPipelineTasks(ctx context.Context, nodes nodePipelineMap, n int, rs PipelineRetryStrategy) ([][]routing.AddressedValue, error) {
	responses := make([][]routing.AddressedValue, n)
	var mu sync.Mutex

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.ctx, cancel)

	var g errgroup.Group
	for _, nc := range nodes {
		nc := nc
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = ErrFanOut.New("node task panicked: %v", r).
						WithProperty(EKTarget, OperationTarget{Kind: TargetFanOut})
				}
			}()
			res, err := c.executePipelineOnNode(taskCtx, nc.conn, &nc.sub.Pipeline, nc.routes, rs)
			if err != nil {
				return err
			}
			if len(res) != len(nc.indices) {
				return ErrFanOut.New("node returned %d replies for %d commands", len(res), len(nc.indices)).
					WithProperty(EKTarget, OperationTarget{Kind: TargetFanOut})
			}
			mu.Lock()
			defer mu.Unlock()
			for j, idx := range nc.indices {
				v := res[j]
				if idx.inner < 0 {
					responses[idx.orig] = []routing.AddressedValue{v}
					continue
				}
				slot := responses[idx.orig]
				for len(slot) <= idx.inner {
					slot = append(slot, routing.AddressedValue{})
				}
				slot[idx.inner] = v
				responses[idx.orig] = slot
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		stop()
		cancel()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return responses, nil
	case <-ctx.Done():
		return nil, redis.ErrContextClosed.Wrap(ctx.Err(), "pipeline is not finished")
	}
}

// checkFilled reports command that got no reply.
func checkFilled(responses [][]routing.AddressedValue) error {
	for i, r := range responses {
		if len(r) == 0 {
			return ErrIncomplete.New("command %d got no reply", i)
		}
		for k, v := range r {
			if v.Address == "" {
				return ErrIncomplete.New("command %d got no reply #%d", i, k)
			}
		}
	}
	return nil
}

// execNonAtomic routes every command separately, executes sub-pipelines and
// reassembles results in original order.
func (c *Cluster) execNonAtomic(ctx context.Context, p *redis.Pipeline, routes map[int]routing.RoutingInfo, rs PipelineRetryStrategy) ([]interface{}, int, error) {
	nodes, aggs, err := c.mapPipelineToNodes(ctx, p, routes)
	if err != nil {
		return nil, 0, err
	}
	responses, err := c.collectPipelineTasks(ctx, nodes, p.Len(), rs)
	if err != nil {
		return nil, len(nodes), err
	}
	if err = checkFilled(responses); err != nil {
		return nil, len(nodes), err
	}
	res := make([]interface{}, p.Len())
	for i, r := range responses {
		res[i] = r[0].Value
	}
	for _, a := range aggs {
		res[a.index] = routing.Aggregate(a.info, responses[a.index])
	}
	return p.FilterIgnored(res), len(nodes), nil
}

// execAtomic sends transaction to the node owning its slot.
func (c *Cluster) execAtomic(ctx context.Context, p *redis.Pipeline, rs PipelineRetryStrategy) ([]interface{}, error) {
	route, err := RouteForPipeline(p)
	if err != nil {
		return nil, err
	}
	ri := routing.AnyPrimary()
	if route != nil {
		ri = routing.Specific(*route)
	}
	conn, err := c.connForSingle(ctx, ri)
	if err != nil {
		return nil, withTarget(err, OperationTarget{Kind: TargetNotFound})
	}
	_, res, err := c.executeAtomicOnNode(ctx, conn, p, ri, rs)
	return res, err
}
