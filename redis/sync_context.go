package redis

import "context"

// SyncCtx wraps Sender with convenient blocking methods.
type SyncCtx struct {
	S Sender
}

// Do is a shortcut for Send(ctx, Req(cmd, args...)).
func (s SyncCtx) Do(ctx context.Context, cmd string, args ...interface{}) interface{} {
	return s.Send(ctx, Request{cmd, args})
}

// Send sends single request and returns its result.
// Result is either a value or an error (*errorx.Error).
func (s SyncCtx) Send(ctx context.Context, r Request) interface{} {
	res, err := s.S.ExecPipeline(ctx, NewPipeline(false).AddRequest(r))
	if err != nil {
		return err
	}
	if len(res) != 1 {
		return ErrResponseUnexpected.New("expected single result").WithProperty(EKResponse, res)
	}
	return res[0]
}

// SendMany sends requests as a single non-atomic pipeline.
// On pipeline failure every result is the same error.
func (s SyncCtx) SendMany(ctx context.Context, reqs []Request) []interface{} {
	p := NewPipeline(false)
	for _, r := range reqs {
		p.AddRequest(r)
	}
	res, err := s.S.ExecPipeline(ctx, p)
	if err != nil {
		res = make([]interface{}, len(reqs))
		for i := range res {
			res[i] = err
		}
	}
	return res
}

// SendTransaction sends requests in MULTI/EXEC transaction.
func (s SyncCtx) SendTransaction(ctx context.Context, reqs []Request) ([]interface{}, error) {
	p := NewTransaction()
	for _, r := range reqs {
		p.AddRequest(r)
	}
	return s.S.ExecPipeline(ctx, p)
}
