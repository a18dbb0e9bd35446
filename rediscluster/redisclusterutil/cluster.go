package redisclusterutil

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/joomcode/valkeypipe/redis"
)

// SlotsRange represents slice of slots
type SlotsRange struct {
	From  int
	To    int
	Addrs []string // addresses of hosts hosting this range of slots. First address is a master, and other are slaves.
}

// ParseSlotsInfo parses result of CLUSTER SLOTS command.
// Hosts with unknown address are skipped, as well as ranges without known hosts.
func ParseSlotsInfo(res interface{}) ([]SlotsRange, error) {
	if err := redis.AsError(res); err != nil {
		return nil, err
	}

	errf := func(f string, args ...interface{}) ([]SlotsRange, error) {
		msg := fmt.Sprintf(f, args...)
		err := redis.ErrResponseUnexpected.New(msg)
		return nil, err
	}

	var rawranges []interface{}
	var ok bool
	if rawranges, ok = res.([]interface{}); !ok {
		return errf("type is not array: %+v", res)
	}
	if len(rawranges) == 0 {
		return errf("host doesn't know about slots (probably it is not in cluster)")
	}

	ranges := make([]SlotsRange, 0, len(rawranges))
	for i, rawelem := range rawranges {
		var rawrange []interface{}
		var i64 int64
		r := SlotsRange{}
		if rawrange, ok = rawelem.([]interface{}); !ok || len(rawrange) < 3 {
			return errf("format mismatch: res[%d]=%+v", i, rawelem)
		}
		if i64, ok = rawrange[0].(int64); !ok || i64 < 0 || i64 >= NumSlots {
			return errf("format mismatch: res[%d][0]=%+v", i, rawrange[0])
		}
		r.From = int(i64)
		if i64, ok = rawrange[1].(int64); !ok || i64 < 0 || i64 >= NumSlots {
			return errf("format mismatch: res[%d][1]=%+v", i, rawrange[1])
		}
		r.To = int(i64)
		if r.From > r.To {
			return errf("range wrong: res[%d]=%+v", i, rawrange)
		}
		for j := 2; j < len(rawrange); j++ {
			rawaddr, ok := rawrange[j].([]interface{})
			if !ok || len(rawaddr) < 2 {
				return errf("address format mismatch: res[%d][%d] = %+v",
					i, j, rawrange[j])
			}
			host := hostString(rawaddr[0])
			port, ok := rawaddr[1].(int64)
			if !ok || port < 0 || port+10000 > 65535 {
				return errf("address format mismatch: res[%d][%d] = %+v",
					i, j, rawaddr)
			}
			if host == "" || host == "?" || port == 0 {
				continue
			}
			r.Addrs = append(r.Addrs, host+":"+strconv.Itoa(int(port)))
		}
		if len(r.Addrs) == 0 {
			continue
		}
		sort.Strings(r.Addrs[1:])
		ranges = append(ranges, r)
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].From < ranges[j].From
	})
	return ranges, nil
}

func hostString(v interface{}) string {
	switch h := v.(type) {
	case []byte:
		return string(h)
	case string:
		return h
	}
	return ""
}
