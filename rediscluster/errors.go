package rediscluster

import (
	"github.com/joomcode/errorx"

	"github.com/joomcode/valkeypipe/redis"
)

var (
	// ErrCluster - cluster related errors.
	ErrCluster = redis.Errors.NewSubNamespace("cluster")
	// ErrClusterSlots - fetching slots configuration failed
	ErrClusterSlots = ErrCluster.NewType("cluster_slots")
	// ErrClusterConfigEmpty - no slot ranges found in config.
	ErrClusterConfigEmpty = ErrCluster.NewType("cluster_config_empty")
	// ErrNotFound - no node serves the route.
	ErrNotFound = ErrCluster.NewType("not_found", redis.ErrTraitNotSent)
	// ErrCrossSlot - keys of a transaction belong to different slots.
	ErrCrossSlot = ErrCluster.NewType("cross_slot", redis.ErrTraitNotSent)

	// ErrPipeline - failures of pipeline execution as a whole.
	ErrPipeline = redis.Errors.NewSubNamespace("pipeline")
	// ErrFanOut - node task failed for a reason not related to the node (ie panicked).
	ErrFanOut = ErrPipeline.NewType("fan_out")
	// ErrIncomplete - some command got no reply after all node tasks finished.
	ErrIncomplete = ErrPipeline.NewType("incomplete")
)

var (
	// EKTarget - OperationTarget of failed operation.
	EKTarget = errorx.RegisterPrintableProperty("target")
	// EKReason - reason of retry.
	EKReason = errorx.RegisterPrintableProperty("reason")
)

// TargetKind classifies what failed.
type TargetKind int

const (
	// TargetNode - sub-pipeline of a specific node failed.
	TargetNode TargetKind = iota
	// TargetNotFound - route could not be resolved to a node.
	TargetNotFound
	// TargetFanOut - failure not attributable to a single node.
	TargetFanOut
)

// OperationTarget describes failed part of pipeline execution.
type OperationTarget struct {
	Kind    TargetKind
	Address string
}

func (t OperationTarget) String() string {
	switch t.Kind {
	case TargetNode:
		return "node(" + t.Address + ")"
	case TargetNotFound:
		return "not_found"
	case TargetFanOut:
		return "fan_out"
	}
	return "unknown"
}

// Target extracts OperationTarget from error.
func Target(err error) (OperationTarget, bool) {
	ex := errorx.Cast(err)
	if ex == nil {
		return OperationTarget{}, false
	}
	v, ok := ex.Property(EKTarget)
	if !ok {
		return OperationTarget{}, false
	}
	t, ok := v.(OperationTarget)
	return t, ok
}

func withTarget(err error, target OperationTarget) error {
	ex := errorx.Cast(err)
	if ex == nil {
		ex = ErrFanOut.Wrap(err, "unexpected error")
	}
	return ex.WithProperty(EKTarget, target)
}
