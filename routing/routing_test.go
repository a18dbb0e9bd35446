package routing_test

import (
	"testing"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster/redisclusterutil"
	. "github.com/joomcode/valkeypipe/routing"
)

// keys "a", "b", "c" hash to different slots, "{a}x" shares slot with "a".
func TestForRequest(t *testing.T) {
	ri := ForRequest(redis.Req("GET", "a"))
	assert.Equal(t, SpecificNode, ri.Kind)
	assert.Equal(t, Route{Slot: redisclusterutil.Slot("a"), SlotAddr: ReplicaOptional}, ri.Route)

	ri = ForRequest(redis.Req("SET", "a", 1))
	assert.Equal(t, Route{Slot: redisclusterutil.Slot("a"), SlotAddr: Master}, ri.Route)

	assert.Equal(t, Random, ForRequest(redis.Req("ECHO", "x")).Kind)
	assert.Equal(t, RandomPrimary, ForRequest(redis.Req("TIME")).Kind)

	ri = ForRequest(redis.Req("KEYS", "*"))
	assert.Equal(t, AllMasters, ri.Kind)
	assert.Equal(t, CombineArrays, ri.Policy)

	ri = ForRequest(redis.Req("script", "exists", "sha1", "sha2"))
	assert.Equal(t, AllMasters, ri.Kind)
	assert.Equal(t, AggregateLogicalAnd, ri.Policy)

	ri = ForRequest(redis.Req("INFO"))
	assert.Equal(t, AllNodes, ri.Kind)
	assert.Equal(t, Special, ri.Policy)
}

func TestForRequestMultiSlot(t *testing.T) {
	ri := ForRequest(redis.Req("MGET", "a", "{a}x"))
	assert.Equal(t, SpecificNode, ri.Kind, "same slot keys are not split")

	ri = ForRequest(redis.Req("MGET", "a", "b", "{a}x", "c"))
	require.Equal(t, MultiSlot, ri.Kind)
	assert.True(t, ri.IsMultiNode())
	assert.Equal(t, KeysOnly, ri.Pattern)
	assert.Equal(t, CombineArrays, ri.Policy)
	require.Len(t, ri.Slots, 3)
	assert.Equal(t, redisclusterutil.Slot("a"), ri.Slots[0].Route.Slot)
	assert.Equal(t, []int{0, 2}, ri.Slots[0].Indices)
	assert.Equal(t, []int{1}, ri.Slots[1].Indices)
	assert.Equal(t, []int{3}, ri.Slots[2].Indices)

	ri = ForRequest(redis.Req("MSET", "a", 1, "b", 2))
	require.Equal(t, MultiSlot, ri.Kind)
	assert.Equal(t, KeyValuePairs, ri.Pattern)
	assert.Equal(t, []int{0}, ri.Slots[0].Indices)
	assert.Equal(t, []int{2}, ri.Slots[1].Indices)
	assert.Equal(t, Master, ri.Slots[0].Route.SlotAddr)

	ri = ForRequest(redis.Req("DEL", "a", "b"))
	assert.Equal(t, AggregateSum, ri.Policy)
}

func TestSplitArgs(t *testing.T) {
	req := redis.Req("MSET", "a", 1, "b", 2, "c", 3)
	assert.Equal(t, redis.Req("MSET", "a", 1, "c", 3), SplitArgs(req, KeyValuePairs, []int{0, 4}))

	req = redis.Req("JSON.MGET", "a", "b", "$.x")
	assert.Equal(t, redis.Req("JSON.MGET", "b", "$.x"), SplitArgs(req, KeysAndLastArg, []int{1}))

	req = redis.Req("JSON.MSET", "a", "$", "1", "b", "$", "2")
	assert.Equal(t, redis.Req("JSON.MSET", "b", "$", "2"), SplitArgs(req, KeyWithTwoArgTriples, []int{3}))

	req = redis.Req("DEL", "a", "b", "c")
	assert.Equal(t, redis.Req("DEL", "a", "c"), SplitArgs(req, KeysOnly, []int{0, 2}))
}

func av(addr string, v interface{}) AddressedValue {
	return AddressedValue{Value: v, Address: addr}
}

func isAggErr(t *testing.T, v interface{}) {
	err, ok := v.(*errorx.Error)
	if assert.True(t, ok, "%#v is not error", v) {
		assert.True(t, err.IsOfType(redis.ErrAggregation), "%v", err)
	}
}

func TestAggregateCombineArrays(t *testing.T) {
	ri := Nodes(CombineArrays)
	res := Aggregate(ri, []AddressedValue{
		av("n1", []interface{}{"a"}),
		av("n2", []interface{}{}),
		av("n3", []interface{}{"b", "c"}),
	})
	assert.Equal(t, []interface{}{"a", "b", "c"}, res)

	isAggErr(t, Aggregate(ri, []AddressedValue{
		av("n1", []interface{}{"a"}),
		av("n2", "OK"),
		av("n3", []interface{}{"b"}),
	}))

	serverErr := redis.ServerError("ERR oops")
	assert.Equal(t, serverErr, Aggregate(ri, []AddressedValue{av("n1", serverErr), av("n2", []interface{}{})}))
}

func TestAggregateMultiSlotOrder(t *testing.T) {
	ri := ForRequest(redis.Req("MGET", "a", "b", "{a}x", "c"))
	require.Len(t, ri.Slots, 3)
	res := Aggregate(ri, []AddressedValue{
		av("n1", []interface{}{"va", "vx"}),
		av("n2", []interface{}{"vb"}),
		av("n1", []interface{}{nil}),
	})
	assert.Equal(t, []interface{}{"va", "vb", "vx", nil}, res)

	isAggErr(t, Aggregate(ri, []AddressedValue{
		av("n1", []interface{}{"va"}),
		av("n2", []interface{}{"vb"}),
		av("n1", []interface{}{nil}),
	}))
}

func TestAggregateNumeric(t *testing.T) {
	vals := []AddressedValue{av("n1", int64(3)), av("n2", int64(1)), av("n3", int64(2))}
	assert.Equal(t, int64(6), Aggregate(Masters(AggregateSum), vals))
	assert.Equal(t, int64(1), Aggregate(Masters(AggregateMin), vals))
	isAggErr(t, Aggregate(Masters(AggregateSum), []AddressedValue{av("n1", int64(1)), av("n2", "x")}))

	res := Aggregate(Masters(AggregateLogicalAnd), []AddressedValue{
		av("n1", []interface{}{int64(1), int64(1), int64(0)}),
		av("n2", []interface{}{int64(1), int64(0), int64(1)}),
	})
	assert.Equal(t, []interface{}{int64(1), int64(0), int64(0)}, res)
}

func TestAggregateSucceeded(t *testing.T) {
	e1 := redis.ServerError("NOTBUSY No scripts in execution right now.")
	e2 := redis.ServerError("NOTBUSY No scripts in execution right now.")

	assert.Equal(t, "OK", Aggregate(Masters(OneSucceeded), []AddressedValue{av("n1", e1), av("n2", "OK")}))
	isAggErr(t, Aggregate(Masters(OneSucceeded), []AddressedValue{av("n1", e1), av("n2", e2)}))

	assert.Equal(t, "OK", Aggregate(Masters(AllSucceeded), []AddressedValue{av("n1", "OK"), av("n2", "OK")}))
	assert.Equal(t, e1, Aggregate(Masters(AllSucceeded), []AddressedValue{av("n1", "OK"), av("n2", e1)}))

	pol := Masters(FirstSucceededNonEmptyOrAllEmpty)
	assert.Equal(t, []byte("k"), Aggregate(pol, []AddressedValue{av("n1", nil), av("n2", e1), av("n3", []byte("k"))}))
	assert.Nil(t, Aggregate(pol, []AddressedValue{av("n1", nil), av("n2", nil)}))
	assert.Equal(t, e1, Aggregate(pol, []AddressedValue{av("n1", nil), av("n2", e1)}))
}

func TestAggregateMapsAndSpecial(t *testing.T) {
	res := Aggregate(Nodes(CombineMaps), []AddressedValue{
		av("n1", []interface{}{[]byte("ch1"), int64(1), []byte("ch2"), int64(0)}),
		av("n2", []interface{}{[]byte("ch1"), int64(2)}),
	})
	assert.Equal(t, map[string]interface{}{"ch1": int64(3), "ch2": int64(0)}, res)

	res = Aggregate(Nodes(Special), []AddressedValue{av("n1", []byte("i1")), av("n2", []byte("i2"))})
	assert.Equal(t, map[string]interface{}{"n1": []byte("i1"), "n2": []byte("i2")}, res)

	assert.Equal(t, "v", Aggregate(Specific(Route{}), []AddressedValue{av("n1", "v")}))
}
