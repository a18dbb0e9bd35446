package redis

import (
	"fmt"
	"strconv"
	"strings"
)

// Req - convenient wrapper to create Request.
func Req(cmd string, args ...interface{}) Request {
	return Request{cmd, args}
}

// Request represents request to be passed to redis.
// Cmd may contain several words separated by space ("CLIENT SETNAME"),
// they are sent as separate bulk strings.
type Request struct {
	// Cmd is a redis command name.
	Cmd string
	// Args are command arguments.
	Args []interface{}
}

func (r Request) String() string {
	args := r.Args
	if len(args) > 5 {
		args = args[:5]
	}
	argss := make([]string, 0, 1+len(args))
	for _, arg := range args {
		argStr := fmt.Sprintf("%v", arg)
		if len(argStr) > 32 {
			argStr = argStr[:32] + "..."
		}
		argss = append(argss, argStr)
	}
	if len(r.Args) > 5 {
		argss = append(argss, "...")
	}
	return fmt.Sprintf("Req(%q, %q)", r.Cmd, argss)
}

// containerCommands have mandatory subcommand which is a part of command name.
var containerCommands = map[string]bool{
	"ACL": true, "CLIENT": true, "CLUSTER": true, "COMMAND": true, "CONFIG": true,
	"FUNCTION": true, "LATENCY": true, "MEMORY": true, "MODULE": true, "OBJECT": true,
	"PUBSUB": true, "SCRIPT": true, "SLOWLOG": true, "XGROUP": true, "XINFO": true,
}

// Name returns upper-cased command name including subcommand for container
// commands: Req("script", "exists", sha).Name() == "SCRIPT EXISTS".
func (r Request) Name() string {
	name := strings.ToUpper(r.Cmd)
	if strings.IndexByte(name, ' ') >= 0 || !containerCommands[name] || len(r.Args) == 0 {
		return name
	}
	if sub, ok := ArgToString(r.Args[0]); ok {
		return name + " " + strings.ToUpper(sub)
	}
	return name
}

// keyless commands never carry a key regardless of their arguments.
var keyless = map[string]bool{
	"ACL": true, "AUTH": true, "BGREWRITEAOF": true, "BGSAVE": true, "CLIENT": true,
	"CLUSTER": true, "COMMAND": true, "CONFIG": true, "DBSIZE": true, "DEBUG": true,
	"DISCARD": true, "ECHO": true, "EXEC": true, "FAILOVER": true, "FLUSHALL": true,
	"FLUSHDB": true, "FUNCTION": true, "HELLO": true, "INFO": true, "KEYS": true,
	"LASTSAVE": true, "LATENCY": true, "LOLWUT": true, "MODULE": true, "MONITOR": true,
	"MULTI": true, "PING": true, "PUBLISH": true, "PUBSUB": true, "QUIT": true,
	"RANDOMKEY": true, "READONLY": true, "READWRITE": true, "REPLICAOF": true,
	"RESET": true, "ROLE": true, "SAVE": true, "SCAN": true, "SCRIPT": true,
	"SELECT": true, "SHUTDOWN": true, "SLAVEOF": true, "SLOWLOG": true, "SWAPDB": true,
	"TIME": true, "UNWATCH": true, "WAIT": true, "WAITAOF": true,
}

// KeyIndex returns position in Args of the first key of request.
func KeyIndex(req Request) (int, bool) {
	name := req.Name()
	first := name
	if i := strings.IndexByte(name, ' '); i >= 0 {
		first = name[:i]
	}
	n := 0
	switch name {
	case "EVAL", "EVALSHA", "EVAL_RO", "EVALSHA_RO", "FCALL", "FCALL_RO":
		if len(req.Args) < 3 {
			return 0, false
		}
		if numkeys, ok := ArgToString(req.Args[1]); !ok || numkeys == "0" {
			return 0, false
		}
		n = 2
	case "BITOP", "MEMORY USAGE", "OBJECT ENCODING", "OBJECT FREQ", "OBJECT IDLETIME",
		"OBJECT REFCOUNT", "XINFO STREAM", "XINFO GROUPS", "XINFO CONSUMERS",
		"XGROUP CREATE", "XGROUP DESTROY", "XGROUP SETID", "XGROUP CREATECONSUMER",
		"XGROUP DELCONSUMER":
		n = 1
		if first != "BITOP" && strings.IndexByte(req.Cmd, ' ') >= 0 {
			// subcommand is a part of Cmd, not of Args
			n = 0
		}
	case "XREAD", "XREADGROUP":
		n = -1
		for i, arg := range req.Args {
			if s, ok := ArgToString(arg); ok && strings.EqualFold(s, "STREAMS") {
				n = i + 1
				break
			}
		}
		if n < 0 {
			return 0, false
		}
	default:
		if keyless[first] || containerCommands[first] {
			return 0, false
		}
	}
	if len(req.Args) <= n {
		return 0, false
	}
	return n, true
}

// Key returns first field of request that should be used as a key for redis cluster.
func (req Request) Key() (string, bool) {
	n, ok := KeyIndex(req)
	if !ok {
		return "", false
	}
	return ArgToString(req.Args[n])
}

// ArgToString returns string representation of an argument.
// Used in cluster to determine cluster slot.
// Have to be in sync with AppendRequest
func ArgToString(arg interface{}) (string, bool) {
	var keybuf [32]byte
	var key []byte
	switch v := arg.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case int:
		key = strconv.AppendInt(keybuf[:0], int64(v), 10)
	case uint:
		key = strconv.AppendUint(keybuf[:0], uint64(v), 10)
	case int64:
		key = strconv.AppendInt(keybuf[:0], v, 10)
	case uint64:
		key = strconv.AppendUint(keybuf[:0], v, 10)
	case int32:
		key = strconv.AppendInt(keybuf[:0], int64(v), 10)
	case uint32:
		key = strconv.AppendUint(keybuf[:0], uint64(v), 10)
	case int16:
		key = strconv.AppendInt(keybuf[:0], int64(v), 10)
	case uint16:
		key = strconv.AppendUint(keybuf[:0], uint64(v), 10)
	case int8:
		key = strconv.AppendInt(keybuf[:0], int64(v), 10)
	case uint8:
		key = strconv.AppendUint(keybuf[:0], uint64(v), 10)
	case float32:
		key = strconv.AppendFloat(keybuf[:0], float64(v), 'f', -1, 32)
	case float64:
		key = strconv.AppendFloat(keybuf[:0], v, 'f', -1, 64)
	case bool:
		if v {
			key = append(keybuf[:0], '1')
		} else {
			key = append(keybuf[:0], '0')
		}
	case nil:
		return "", true
	default:
		return "", false
	}
	return string(key), true
}
