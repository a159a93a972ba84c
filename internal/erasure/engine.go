package erasure

import (
	"context"

	workerpool "github.com/i5heu/ouroboros-svdb/pkg/workerPool"
)

// Engine runs coding work on a dedicated worker pool so request goroutines
// only wait for completion.
type Engine struct {
	pool *workerpool.WorkerPool
}

func NewEngine(pool *workerpool.WorkerPool) *Engine {
	return &Engine{pool: pool}
}

func (e *Engine) Encode(ctx context.Context, data []byte, p Params) ([][]byte, error) {
	return workerpool.Do(ctx, e.pool, func() ([][]byte, error) {
		return Encode(data, p)
	})
}

func (e *Engine) Reconstruct(ctx context.Context, shards [][]byte, p Params) ([][]byte, error) {
	return workerpool.Do(ctx, e.pool, func() ([][]byte, error) {
		return Reconstruct(shards, p)
	})
}

// Pool exposes the compute pool for batch submissions through rooms.
func (e *Engine) Pool() *workerpool.WorkerPool { return e.pool }
