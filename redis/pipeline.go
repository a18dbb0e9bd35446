package redis

// Pipeline is an ordered batch of requests sent together.
//
// Requests are stored as shared pointers, so splitting a pipeline into per-node
// sub-pipelines never copies unchanged requests. Pipeline must not be modified
// after it is passed to Sender.
type Pipeline struct {
	cmds    []*Request
	atomic  bool
	ignored map[int]struct{}
}

// NewPipeline creates empty pipeline. Atomic pipeline is executed as MULTI/EXEC transaction.
func NewPipeline(atomic bool) *Pipeline {
	return &Pipeline{atomic: atomic}
}

// NewTransaction is a shortcut for NewPipeline(true).
func NewTransaction() *Pipeline {
	return NewPipeline(true)
}

// Add appends command to pipeline.
func (p *Pipeline) Add(cmd string, args ...interface{}) *Pipeline {
	return p.AddRequest(Request{cmd, args})
}

// AddRequest appends request to pipeline.
func (p *Pipeline) AddRequest(req Request) *Pipeline {
	p.cmds = append(p.cmds, &req)
	return p
}

// AddIgnored appends request whose result is discarded from pipeline response.
func (p *Pipeline) AddIgnored(req Request) *Pipeline {
	if p.ignored == nil {
		p.ignored = make(map[int]struct{})
	}
	p.ignored[len(p.cmds)] = struct{}{}
	return p.AddRequest(req)
}

// addShared appends already shared request.
func (p *Pipeline) addShared(req *Request) {
	p.cmds = append(p.cmds, req)
}

// Len returns number of requests in pipeline.
func (p *Pipeline) Len() int {
	return len(p.cmds)
}

// IsAtomic reports whether pipeline is a transaction.
func (p *Pipeline) IsAtomic() bool {
	return p.atomic
}

// IsIgnored reports whether result of i-th request is discarded.
func (p *Pipeline) IsIgnored(i int) bool {
	_, ok := p.ignored[i]
	return ok
}

// Command returns i-th request. Returned request is shared and must not be changed.
func (p *Pipeline) Command(i int) *Request {
	return p.cmds[i]
}

// Requests returns copy of pipeline requests.
func (p *Pipeline) Requests() []Request {
	reqs := make([]Request, len(p.cmds))
	for i, cmd := range p.cmds {
		reqs[i] = *cmd
	}
	return reqs
}

// SubPipeline is a part of Pipeline addressed to a single node.
// It shares requests with parent pipeline, and owns requests built for it
// (i.e. subsets of multi-key commands).
type SubPipeline struct {
	Pipeline
}

// NewSubPipeline returns empty non-atomic sub-pipeline.
func NewSubPipeline() *SubPipeline {
	return &SubPipeline{}
}

// AddShared appends request without copying it.
func (s *SubPipeline) AddShared(req *Request) {
	s.addShared(req)
}

// Batch returns requests to be written to the wire. For atomic pipelines the
// batch is wrapped into MULTI/EXEC.
func (p *Pipeline) Batch() []Request {
	reqs := p.Requests()
	if !p.atomic {
		return reqs
	}
	return WrapTransaction(reqs)
}

// WrapTransaction wraps requests into MULTI ... EXEC.
func WrapTransaction(reqs []Request) []Request {
	batch := make([]Request, 0, len(reqs)+2)
	batch = append(batch, Request{"MULTI", nil})
	batch = append(batch, reqs...)
	batch = append(batch, Request{"EXEC", nil})
	return batch
}

// Results converts raw replies to a batch produced by Batch into pipeline
// results, ie unwraps transaction and drops ignored results.
func (p *Pipeline) Results(raw []interface{}) ([]interface{}, error) {
	var res []interface{}
	if p.atomic {
		if len(raw) != len(p.cmds)+2 {
			return nil, ErrResponseUnexpected.New("transaction reply length mismatch").
				WithProperty(EKResponse, raw)
		}
		var err error
		if res, err = TransactionResponse(raw[len(raw)-1]); err != nil {
			// EXECABORT hides the real reason which is reported on queueing
			for _, r := range raw[1 : len(raw)-1] {
				if qerr := AsError(r); qerr != nil {
					return nil, qerr
				}
			}
			return nil, err
		}
		if len(res) != len(p.cmds) {
			return nil, ErrResponseUnexpected.New("EXEC reply length mismatch").
				WithProperty(EKResponse, res)
		}
	} else {
		if len(raw) != len(p.cmds) {
			return nil, ErrResponseUnexpected.New("pipeline reply length mismatch").
				WithProperty(EKResponse, raw)
		}
		res = raw
	}
	return p.FilterIgnored(res), nil
}

// FilterIgnored drops ignored results.
func (p *Pipeline) FilterIgnored(res []interface{}) []interface{} {
	if len(p.ignored) == 0 {
		return res
	}
	filtered := make([]interface{}, 0, len(res))
	for i, r := range res {
		if !p.IsIgnored(i) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
