package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessellate-io/loom/pkg/graph"
	"github.com/tessellate-io/loom/pkg/log"
	"github.com/tessellate-io/loom/pkg/queue"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
)

// DefaultPoll bounds how long a wait survives a missed wake notification.
const DefaultPoll = 500 * time.Millisecond

// Executor drives a target set to terminal state: sweep the dependency
// closure, enqueue whatever is ready, and wait on the wake channel until
// every target is terminal. It never executes operations itself, so any
// number of executors may drive overlapping graphs concurrently.
type Executor struct {
	store  storage.Store
	queue  queue.Queue
	poll   time.Duration
	logger zerolog.Logger
}

// New creates an executor with the default poll interval.
func New(store storage.Store, q queue.Queue) *Executor {
	return &Executor{
		store:  store,
		queue:  q,
		poll:   DefaultPoll,
		logger: log.WithComponent("executor"),
	}
}

// WithPoll overrides the poll fallback interval.
func (e *Executor) WithPoll(d time.Duration) *Executor {
	if d > 0 {
		e.poll = d
	}
	return e
}

// Run blocks until all target artifacts are terminal. Errors are values in
// the store, not failures of Run: a target ending in error still counts as
// terminal. A non-nil return means the wait itself broke (store failure or
// context cancellation).
func (e *Executor) Run(ctx context.Context, targets []types.Hash) error {
	if len(targets) == 0 {
		return nil
	}
	for _, t := range targets {
		if _, err := e.store.ArtifactStatus(ctx, t); err != nil {
			return fmt.Errorf("target %s: %w", t.Short(), err)
		}
	}

	wake, cancel, err := e.store.SubscribeWake(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		done, err := e.pass(ctx, targets)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-wake:
		case <-time.After(e.poll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pass performs one readiness sweep and enqueues runnable operations.
// Short-circuiting of strict operations with errored inputs happens on the
// worker when it claims them; an enqueue is cheap and keeps a single
// commit path.
func (e *Executor) pass(ctx context.Context, targets []types.Hash) (bool, error) {
	sweep, err := graph.SweepTargets(ctx, e.store, targets)
	if err != nil {
		return false, err
	}

	for _, op := range sweep.Ready {
		if err := e.queue.Enqueue(ctx, op); err != nil {
			return false, err
		}
	}

	if len(sweep.Ready) > 0 || sweep.Running > 0 {
		e.logger.Debug().
			Int("enqueued", len(sweep.Ready)).
			Int("running", sweep.Running).
			Int("blocked", sweep.Blocked).
			Msg("Readiness pass")
	}
	return sweep.TargetsTerminal, nil
}
