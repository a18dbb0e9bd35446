package rediscluster

import (
	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/rediscluster/redisclusterutil"
)

// Request is an alias for redis.Request
type Request = redis.Request

// NumSlots is a number of cluster slots.
const NumSlots = redisclusterutil.NumSlots

// Slot is a "shortcut" for redisclusterutil.Slot
func Slot(key string) uint16 { return redisclusterutil.Slot(key) }
