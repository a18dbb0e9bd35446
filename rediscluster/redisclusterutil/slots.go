package redisclusterutil

import (
	"github.com/joomcode/valkeypipe/redis"
)

// ReqSlot returns slot number targeted by this command.
func ReqSlot(req redis.Request) (uint16, bool) {
	key, ok := req.Key()
	if !ok {
		return 0, false
	}
	return Slot(key), true
}

// BatchSlot returns slot common for all requests in batch (if there is such common slot).
func BatchSlot(reqs []redis.Request) (uint16, bool) {
	var slot uint16
	var set bool
	for _, req := range reqs {
		s, ok := ReqSlot(req)
		if !ok {
			continue
		}
		if !set {
			slot = s
			set = true
		} else if slot != s {
			return 0, false
		}
	}
	return slot, set
}
