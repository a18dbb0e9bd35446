package routing

import (
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/joomcode/errorx"

	"github.com/joomcode/valkeypipe/redis"
)

// AddressedValue is a reply of single node.
type AddressedValue struct {
	Value   interface{}
	Address string
}

// Aggregate reduces replies of one command into single value.
// For MultiSlot routing values[i] must be a reply for info.Slots[i].
// Aggregation failure is returned as *errorx.Error value.
func Aggregate(info RoutingInfo, values []AddressedValue) interface{} {
	if !info.IsMultiNode() {
		if len(values) == 1 {
			return values[0].Value
		}
		return aggErr("single node command got %d replies", len(values))
	}
	switch info.Policy {
	case None, Special:
		if len(values) == 1 {
			return values[0].Value
		}
		byAddr := make(map[string]interface{}, len(values))
		for _, v := range values {
			byAddr[v.Address] = v.Value
		}
		return byAddr
	case OneSucceeded:
		if len(values) == 0 {
			return aggErr("no replies")
		}
		var merr *multierror.Error
		for _, v := range values {
			if err := redis.AsError(v.Value); err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			return v.Value
		}
		return redis.ErrAggregation.Wrap(merr.ErrorOrNil(), "all nodes failed")
	case FirstSucceededNonEmptyOrAllEmpty:
		var firstErr error
		for _, v := range values {
			if err := redis.AsError(v.Value); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if v.Value != nil {
				return v.Value
			}
		}
		if firstErr != nil {
			return firstErr
		}
		return nil
	}

	if err := firstError(values); err != nil {
		return err
	}
	switch info.Policy {
	case AllSucceeded:
		if len(values) == 0 {
			return aggErr("no replies")
		}
		return values[0].Value
	case CombineArrays:
		return combineArrays(info, values)
	case CombineMaps:
		return combineMaps(values)
	case AggregateLogicalAnd:
		return logicalAnd(values)
	case AggregateMin:
		return reduceInts(values, func(a, b int64) int64 {
			if b < a {
				return b
			}
			return a
		})
	case AggregateSum:
		return reduceInts(values, func(a, b int64) int64 { return a + b })
	}
	return aggErr("unknown response policy %s", info.Policy)
}

func aggErr(msg string, args ...interface{}) *errorx.Error {
	return redis.ErrAggregation.New(msg, args...)
}

func firstError(values []AddressedValue) error {
	for _, v := range values {
		if err := redis.AsError(v.Value); err != nil {
			return err
		}
	}
	return nil
}

func combineArrays(info RoutingInfo, values []AddressedValue) interface{} {
	arrays := make([][]interface{}, len(values))
	total := 0
	for i, v := range values {
		arr, ok := v.Value.([]interface{})
		if !ok {
			return aggErr("reply of %s is not an array", v.Address).WithProperty(redis.EKResponse, v.Value)
		}
		arrays[i] = arr
		total += len(arr)
	}
	if info.Kind != MultiSlot {
		res := make([]interface{}, 0, total)
		for _, arr := range arrays {
			res = append(res, arr...)
		}
		return res
	}
	if len(arrays) != len(info.Slots) {
		return aggErr("got %d replies for %d slots", len(arrays), len(info.Slots))
	}
	// restore original order of keys
	ordinal := make(map[int]int)
	for _, sa := range info.Slots {
		for _, idx := range sa.Indices {
			ordinal[idx] = 0
		}
	}
	for n, idx := range sortedKeys(ordinal) {
		ordinal[idx] = n
	}
	res := make([]interface{}, len(ordinal))
	for i, sa := range info.Slots {
		if len(arrays[i]) != len(sa.Indices) {
			return aggErr("reply of %s has %d elements for %d keys",
				values[i].Address, len(arrays[i]), len(sa.Indices))
		}
		for j, idx := range sa.Indices {
			res[ordinal[idx]] = arrays[i][j]
		}
	}
	return res
}

func sortedKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func combineMaps(values []AddressedValue) interface{} {
	res := make(map[string]interface{})
	put := func(k string, v interface{}) {
		if old, ok := res[k]; ok {
			oi, ok1 := old.(int64)
			vi, ok2 := v.(int64)
			if ok1 && ok2 {
				res[k] = oi + vi
				return
			}
		}
		res[k] = v
	}
	for _, v := range values {
		switch m := v.Value.(type) {
		case map[string]interface{}:
			for k, val := range m {
				put(k, val)
			}
		case []interface{}:
			if len(m)%2 != 0 {
				return aggErr("reply of %s is not a map", v.Address).WithProperty(redis.EKResponse, v.Value)
			}
			for i := 0; i < len(m); i += 2 {
				k, ok := redis.ArgToString(m[i])
				if !ok {
					return aggErr("reply of %s has non-string key", v.Address).WithProperty(redis.EKResponse, v.Value)
				}
				put(k, m[i+1])
			}
		default:
			return aggErr("reply of %s is not a map", v.Address).WithProperty(redis.EKResponse, v.Value)
		}
	}
	return res
}

func logicalAnd(values []AddressedValue) interface{} {
	if len(values) == 0 {
		return aggErr("no replies")
	}
	if _, ok := values[0].Value.(int64); ok {
		return reduceInts(values, func(a, b int64) int64 {
			if a != 0 && b != 0 {
				return 1
			}
			return 0
		})
	}
	var res []interface{}
	for n, v := range values {
		arr, ok := v.Value.([]interface{})
		if !ok {
			return aggErr("reply of %s is not an array", v.Address).WithProperty(redis.EKResponse, v.Value)
		}
		if n == 0 {
			res = make([]interface{}, len(arr))
			for i := range res {
				res[i] = int64(1)
			}
		} else if len(arr) != len(res) {
			return aggErr("reply of %s has length %d, expected %d", v.Address, len(arr), len(res))
		}
		for i, el := range arr {
			x, ok := el.(int64)
			if !ok {
				return aggErr("reply of %s is not an array of integers", v.Address).WithProperty(redis.EKResponse, v.Value)
			}
			if x == 0 {
				res[i] = int64(0)
			}
		}
	}
	return res
}

func reduceInts(values []AddressedValue, f func(a, b int64) int64) interface{} {
	if len(values) == 0 {
		return aggErr("no replies")
	}
	var acc int64
	for i, v := range values {
		x, ok := v.Value.(int64)
		if !ok {
			return aggErr("reply of %s is not an integer", v.Address).WithProperty(redis.EKResponse, v.Value)
		}
		if i == 0 {
			acc = x
		} else {
			acc = f(acc, x)
		}
	}
	return acc
}
