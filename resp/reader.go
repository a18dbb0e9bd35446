package resp

import (
	"bufio"
	"io"

	"github.com/joomcode/errorx"

	"github.com/joomcode/valkeypipe/redis"
)

// Read reads single RESP reply from bufio.Reader.
//
// Server error replies are returned as *errorx.Error values of redis.ErrResult
// type (and its subtypes). Other errors mean the stream is broken and the
// connection should not be used anymore.
func Read(b *bufio.Reader) interface{} {
	line, isPrefix, err := b.ReadLine()
	if err != nil {
		return ioError(err)
	}

	if isPrefix {
		return redis.ErrHeaderlineTooLarge.NewWithNoMessage().WithProperty(redis.EKLine, line)
	}

	if len(line) == 0 {
		return redis.ErrHeaderlineEmpty.NewWithNoMessage()
	}

	var v int64
	switch line[0] {
	case '+':
		return string(line[1:])
	case '-':
		return redis.ServerError(string(line[1:]))
	case ':':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		return v
	case '$':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		if v < 0 {
			return nil
		}
		buf := make([]byte, v+2)
		if _, err = io.ReadFull(b, buf); err != nil {
			return ioError(err)
		}
		if buf[v] != '\r' || buf[v+1] != '\n' {
			return redis.ErrNoFinalRN.NewWithNoMessage()
		}
		return buf[:v:v]
	case '*':
		if v, err = parseInt(line[1:]); err != nil {
			return err
		}
		if v < 0 {
			return nil
		}
		result := make([]interface{}, v)
		for i := int64(0); i < v; i++ {
			result[i] = Read(b)
			if IsFatal(result[i]) {
				return result[i]
			}
		}
		return result
	default:
		return redis.ErrUnknownHeaderType.NewWithNoMessage().WithProperty(redis.EKLine, line)
	}
}

// IsFatal reports whether reply is a stream error (not a server error reply).
func IsFatal(res interface{}) bool {
	err, ok := res.(*errorx.Error)
	return ok && !err.IsOfType(redis.ErrResult)
}

func ioError(err error) *errorx.Error {
	if nerr, ok := err.(interface{ Timeout() bool }); ok && nerr.Timeout() {
		return redis.ErrIOTimeout.Wrap(err, "read")
	}
	return redis.ErrIO.Wrap(err, "read")
}

func parseInt(buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, redis.ErrIntegerParsing.NewWithNoMessage()
	}

	neg := buf[0] == '-'
	if neg {
		buf = buf[1:]
	}
	if len(buf) == 0 {
		return 0, redis.ErrIntegerParsing.NewWithNoMessage()
	}
	v := int64(0)
	for _, b := range buf {
		if b < '0' || b > '9' {
			return 0, redis.ErrIntegerParsing.NewWithNoMessage().WithProperty(redis.EKLine, string(buf))
		}
		v *= 10
		v += int64(b - '0')
	}
	if neg {
		v = -v
	}
	return v, nil
}
