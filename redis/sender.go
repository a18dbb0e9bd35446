package redis

import "context"

// Sender is implemented by single connection and cluster client.
//
// ExecPipeline returns one value per not-ignored request, in the order of the
// pipeline. Redis error replies are returned as *errorx.Error values inside of
// the slice; returned error means the pipeline as a whole failed.
type Sender interface {
	ExecPipeline(ctx context.Context, p *Pipeline) ([]interface{}, error)
}
