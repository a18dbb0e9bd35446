// Package routing describes where cluster commands are sent and how replies of
// multi-node commands are reduced into single value.
package routing

import (
	"fmt"
	"net"
	"strconv"
)

// SlotAddr selects node of a shard.
type SlotAddr int

const (
	// Master - primary of the shard.
	Master SlotAddr = iota
	// ReplicaOptional - replica if reading from replicas is allowed, primary otherwise.
	ReplicaOptional
	// ReplicaRequired - replica of the shard, primary only if shard has no replica.
	ReplicaRequired
)

// Route is a resolved target for single-slot command.
type Route struct {
	Slot     uint16
	SlotAddr SlotAddr
}

func (r Route) String() string {
	return fmt.Sprintf("Route{slot: %d, addr: %d}", r.Slot, r.SlotAddr)
}

// Kind is a kind of RoutingInfo.
type Kind int

const (
	// Random - any node.
	Random Kind = iota
	// SpecificNode - node owning Route.
	SpecificNode
	// RandomPrimary - any primary.
	RandomPrimary
	// ByAddress - node with given host and port.
	ByAddress
	// AllNodes - every node including replicas.
	AllNodes
	// AllMasters - every primary.
	AllMasters
	// MultiSlot - command is split into one sub-command per slot.
	MultiSlot
)

func (k Kind) String() string {
	switch k {
	case Random:
		return "random"
	case SpecificNode:
		return "specific_node"
	case RandomPrimary:
		return "random_primary"
	case ByAddress:
		return "by_address"
	case AllNodes:
		return "all_nodes"
	case AllMasters:
		return "all_masters"
	case MultiSlot:
		return "multi_slot"
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// ArgPattern describes layout of keys among arguments of multi-key command.
type ArgPattern int

const (
	// KeysOnly - every argument is a key (MGET, DEL).
	KeysOnly ArgPattern = iota
	// KeyValuePairs - key value key value ... (MSET).
	KeyValuePairs
	// KeysAndLastArg - keys followed by single shared argument (JSON.MGET).
	KeysAndLastArg
	// KeyWithTwoArgTriples - key arg arg key arg arg ... (JSON.MSET).
	KeyWithTwoArgTriples
)

// ResponsePolicy is a rule for reducing replies of multi-node command.
type ResponsePolicy int

const (
	// None - replies are returned as map from node address to reply.
	None ResponsePolicy = iota
	// OneSucceeded - first successful reply, error only if all failed.
	OneSucceeded
	// FirstSucceededNonEmptyOrAllEmpty - first successful non-nil reply, nil if all are nil.
	FirstSucceededNonEmptyOrAllEmpty
	// AllSucceeded - first reply if all succeeded, first error otherwise.
	AllSucceeded
	// CombineArrays - concatenation of array replies.
	CombineArrays
	// CombineMaps - union of map replies.
	CombineMaps
	// Special - command specific handling, replies are returned by node address.
	Special
	// AggregateLogicalAnd - element-wise logical and of integer replies.
	AggregateLogicalAnd
	// AggregateMin - minimum of integer replies.
	AggregateMin
	// AggregateSum - sum of integer replies.
	AggregateSum
)

func (p ResponsePolicy) String() string {
	switch p {
	case None:
		return "none"
	case OneSucceeded:
		return "one_succeeded"
	case FirstSucceededNonEmptyOrAllEmpty:
		return "first_succeeded_non_empty_or_all_empty"
	case AllSucceeded:
		return "all_succeeded"
	case CombineArrays:
		return "combine_arrays"
	case CombineMaps:
		return "combine_maps"
	case Special:
		return "special"
	case AggregateLogicalAnd:
		return "aggregate_logical_and"
	case AggregateMin:
		return "aggregate_min"
	case AggregateSum:
		return "aggregate_sum"
	}
	return "ResponsePolicy(" + strconv.Itoa(int(p)) + ")"
}

// SlotArgs is a part of multi-slot command addressed to one slot.
type SlotArgs struct {
	Route Route
	// Indices are positions of keys (in command arguments) hashed to Route.Slot.
	Indices []int
}

// RoutingInfo tells where command should be sent.
// Zero value is a Random single node routing.
type RoutingInfo struct {
	Kind Kind
	// Route is set for SpecificNode.
	Route Route
	// Host and Port are set for ByAddress.
	Host string
	Port int
	// Slots and Pattern are set for MultiSlot.
	Slots   []SlotArgs
	Pattern ArgPattern
	// Policy is used for multi-node commands.
	Policy ResponsePolicy
}

// RandomNode routes to any node.
func RandomNode() RoutingInfo { return RoutingInfo{Kind: Random} }

// Specific routes to node owning route.
func Specific(route Route) RoutingInfo { return RoutingInfo{Kind: SpecificNode, Route: route} }

// AnyPrimary routes to random primary.
func AnyPrimary() RoutingInfo { return RoutingInfo{Kind: RandomPrimary} }

// Address routes to node host:port.
func Address(host string, port int) RoutingInfo {
	return RoutingInfo{Kind: ByAddress, Host: host, Port: port}
}

// Nodes routes to every node.
func Nodes(policy ResponsePolicy) RoutingInfo { return RoutingInfo{Kind: AllNodes, Policy: policy} }

// Masters routes to every primary.
func Masters(policy ResponsePolicy) RoutingInfo { return RoutingInfo{Kind: AllMasters, Policy: policy} }

// IsMultiNode reports whether command may be sent to several nodes.
func (ri RoutingInfo) IsMultiNode() bool {
	return ri.Kind == AllNodes || ri.Kind == AllMasters || ri.Kind == MultiSlot
}

// Addr returns host:port for ByAddress routing.
func (ri RoutingInfo) Addr() string {
	return net.JoinHostPort(ri.Host, strconv.Itoa(ri.Port))
}
