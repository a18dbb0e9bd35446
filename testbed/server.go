package testbed

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/joomcode/errorx"

	"github.com/joomcode/valkeypipe/redis"
	"github.com/joomcode/valkeypipe/resp"
)

// Server serves Node over tcp using RESP protocol.
type Server struct {
	Node *Node

	l     net.Listener
	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Serve starts server on random local port.
func Serve(node *Node) (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{Node: node, l: l, conns: map[net.Conn]struct{}{}}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Addr returns listening address.
func (s *Server) Addr() string {
	return s.l.Addr().String()
}

// DropConnections closes all accepted connections.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops server.
func (s *Server) Close() {
	s.l.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		c, err := s.l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()
	t := &Transport{node: s.Node}
	r := bufio.NewReader(c)
	var buf []byte
	for {
		v := resp.Read(r)
		if resp.IsFatal(v) {
			return
		}
		arr, ok := v.([]interface{})
		if !ok || len(arr) == 0 {
			return
		}
		req := redis.Request{Cmd: str(arr[0]), Args: arr[1:]}
		res, err := t.SendBatch(context.Background(), []redis.Request{req})
		if err != nil {
			return
		}
		buf = AppendReply(buf, res[0])
		// flush when no more pipelined requests are buffered
		if r.Buffered() > 0 {
			continue
		}
		if _, err = c.Write(buf); err != nil {
			return
		}
		buf = buf[:0]
	}
}

// AppendReply serializes reply value in RESP format.
func AppendReply(b []byte, v interface{}) []byte {
	switch x := v.(type) {
	case nil:
		return append(b, "$-1\r\n"...)
	case string:
		b = append(b, '+')
		b = append(b, x...)
	case *errorx.Error:
		b = append(b, '-')
		b = append(b, x.Message()...)
	case error:
		b = append(b, "-ERR "...)
		b = append(b, x.Error()...)
	case int64:
		b = append(b, ':')
		b = strconv.AppendInt(b, x, 10)
	case []byte:
		b = append(b, '$')
		b = strconv.AppendInt(b, int64(len(x)), 10)
		b = append(b, '\r', '\n')
		b = append(b, x...)
	case []interface{}:
		b = append(b, '*')
		b = strconv.AppendInt(b, int64(len(x)), 10)
		b = append(b, '\r', '\n')
		for _, el := range x {
			b = AppendReply(b, el)
		}
		return b
	default:
		b = append(b, '$')
		s := str(x)
		b = strconv.AppendInt(b, int64(len(s)), 10)
		b = append(b, '\r', '\n')
		b = append(b, s...)
	}
	return append(b, '\r', '\n')
}
