package resp_test

import (
	"testing"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/assert"

	. "github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/resp"
)

func TestAppendRequestArgument(t *testing.T) {
	var k []byte
	var err error

	k, err = resp.AppendRequest(nil, Req("CMD", int(0)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$1\r\n0\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", uint(1)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$1\r\n1\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", int8(6)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$1\r\n6\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", int8(-31)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$3\r\n-31\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", uint8(156)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$3\r\n156\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", int16(781)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$3\r\n781\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", int16(-3906)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$5\r\n-3906\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", uint16(19351)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$5\r\n19351\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", int32(97656)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$5\r\n97656\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", int32(-488281)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$7\r\n-488281\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", uint32(2441406)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$7\r\n2441406\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", int64(12207031)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$8\r\n12207031\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", int64(-61035156)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$9\r\n-61035156\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", uint64(305175781)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$9\r\n305175781\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", int64(9223372036854775807)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$19\r\n9223372036854775807\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", int64(-9223372036854775808)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$20\r\n-9223372036854775808\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", uint64(18446744073709551615)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$20\r\n18446744073709551615\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", float32(0.0)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$1\r\n0\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", float32(0.25)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$4\r\n0.25\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", float32(-10000.25)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$9\r\n-10000.25\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", float64(0.0)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$1\r\n0\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", float64(0.25)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$4\r\n0.25\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", float64(-10000.25)))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$9\r\n-10000.25\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", true))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$1\r\n1\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", false))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$1\r\n0\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", nil))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$0\r\n\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", "asdf"))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$4\r\nasdf\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", []byte("asdf")))
	assert.Equal(t, []byte("*2\r\n$3\r\nCMD\r\n$4\r\nasdf\r\n"), k)
	assert.Nil(t, err)

	k, err = resp.AppendRequest(nil, Req("CMD", make(chan int)))
	assert.Nil(t, k)
	if assert.Error(t, err) {
		assert.True(t, errorx.IsOfType(err, ErrArgumentType))
	}
}

func TestAppendRequestMultiWordCommand(t *testing.T) {
	k, err := resp.AppendRequest(nil, Req("CLIENT SETNAME", "app"))
	assert.Nil(t, err)
	assert.Equal(t, []byte("*3\r\n$6\r\nCLIENT\r\n$7\r\nSETNAME\r\n$3\r\napp\r\n"), k)
}

func TestAppendBatch(t *testing.T) {
	k, err := resp.AppendBatch(nil, WrapTransaction([]Request{Req("INCR", "a")}))
	assert.Nil(t, err)
	assert.Equal(t, []byte("*1\r\n$5\r\nMULTI\r\n*2\r\n$4\r\nINCR\r\n$1\r\na\r\n*1\r\n$4\r\nEXEC\r\n"), k)

	k, err = resp.AppendBatch(nil, []Request{Req("GET", "a"), Req("GET", struct{}{})})
	assert.Nil(t, k)
	assert.True(t, errorx.IsOfType(err, ErrArgumentType))
}
