package resp

import (
	"strings"

	"github.com/joomcode/valkeypipe/redis"
)

// AppendRequest appends request to buffer in RESP format.
// Words of multi-word command ("CLIENT SETNAME") are sent as separate bulk strings.
func AppendRequest(buf []byte, req redis.Request) ([]byte, error) {
	words := strings.Fields(req.Cmd)
	buf = appendHead(buf, '*', int64(len(words)+len(req.Args)))
	for _, w := range words {
		buf = appendBulk(buf, w)
	}
	for i, val := range req.Args {
		switch v := val.(type) {
		case string:
			buf = appendBulk(buf, v)
		case []byte:
			buf = appendHead(buf, '$', int64(len(v)))
			buf = append(buf, v...)
			buf = append(buf, '\r', '\n')
		default:
			str, ok := redis.ArgToString(val)
			if !ok {
				return nil, redis.ErrArgumentType.New("argument type %T is not supported", val).
					WithProperty(redis.EKVal, val).
					WithProperty(redis.EKArgPos, i).
					WithProperty(redis.EKRequest, req)
			}
			buf = appendBulk(buf, str)
		}
	}
	return buf, nil
}

// AppendBatch appends all requests of batch.
func AppendBatch(buf []byte, reqs []redis.Request) ([]byte, error) {
	var err error
	for i, req := range reqs {
		if buf, err = AppendRequest(buf, req); err != nil {
			if ex := redis.AsErrorx(err); ex != nil {
				return nil, ex.WithProperty(redis.EKRequests, reqs[i:i+1])
			}
			return nil, err
		}
	}
	return buf, nil
}

func appendBulk(b []byte, s string) []byte {
	b = appendHead(b, '$', int64(len(s)))
	b = append(b, s...)
	return append(b, '\r', '\n')
}

func appendInt(b []byte, i int64) []byte {
	var u uint64
	if i == 0 {
		return append(b, '0')
	}
	if i > 0 {
		u = uint64(i)
	} else {
		b = append(b, '-')
		u = uint64(-i)
	}
	digits := [20]byte{}
	p := 20
	for u > 0 {
		n := u / 10
		p--
		digits[p] = byte(u-n*10) + '0'
		u = n
	}
	return append(b, digits[p:]...)
}

func appendHead(b []byte, t byte, i int64) []byte {
	b = append(b, t)
	b = appendInt(b, i)
	return append(b, '\r', '\n')
}
