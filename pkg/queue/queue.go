package queue

import (
	"context"
	"time"

	"github.com/tessellate-io/loom/pkg/types"
)

// DefaultName is the job queue workers and executors share unless
// configured otherwise.
const DefaultName = "default"

// Queue is the minimal job-queue contract: enqueue an operation hash at
// most once, and let workers block for work. Claim returns ok=false when
// the timeout elapses with nothing to do.
type Queue interface {
	Enqueue(ctx context.Context, op types.Hash) error
	Claim(ctx context.Context, timeout time.Duration) (op types.Hash, ok bool, err error)
	Len(ctx context.Context) (int64, error)
	Close() error
}
