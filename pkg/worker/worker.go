package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tessellate-io/loom/pkg/log"
	"github.com/tessellate-io/loom/pkg/metrics"
	"github.com/tessellate-io/loom/pkg/queue"
	"github.com/tessellate-io/loom/pkg/runtime"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
)

// Config holds worker configuration
type Config struct {
	// ID identifies the worker in logs and drain targeting. Generated when
	// empty.
	ID string
	// Heartbeat is the liveness stamp interval while executing.
	Heartbeat time.Duration
	// ReclaimAfter is the staleness threshold before another worker may
	// take over a running operation.
	ReclaimAfter time.Duration
	// ClaimWait bounds a single blocking queue claim so control messages
	// are noticed promptly.
	ClaimWait time.Duration
}

const (
	defaultHeartbeat    = 15 * time.Second
	defaultReclaimAfter = 15 * time.Minute
	defaultClaimWait    = 2 * time.Second
)

// Worker is a stateless execution loop: claim an operation from the queue,
// win the pending→running CAS or drop the job, execute, commit, repeat.
// Any number of workers run in parallel against the same store with no
// coordination beyond the store's atomic primitives.
type Worker struct {
	id           string
	store        storage.Store
	queue        queue.Queue
	runtime      *runtime.Runtime
	heartbeat    time.Duration
	reclaimAfter time.Duration
	claimWait    time.Duration
	logger       zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(store storage.Store, q queue.Queue, rt *runtime.Runtime, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = defaultReclaimAfter
	}
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = defaultClaimWait
	}
	return &Worker{
		id:           cfg.ID,
		store:        store,
		queue:        q,
		runtime:      rt,
		heartbeat:    cfg.Heartbeat,
		reclaimAfter: cfg.ReclaimAfter,
		claimWait:    cfg.ClaimWait,
		logger:       log.WithWorkerID(cfg.ID),
		stopCh:       make(chan struct{}),
	}
}

// ID returns the worker's identity.
func (w *Worker) ID() string {
	return w.id
}

// Stop asks the worker to drain: finish the current operation, publish its
// result, then exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Run executes operations until drained or the context ends. Returns nil
// on a clean drain.
func (w *Worker) Run(ctx context.Context) error {
	control, cancelControl, err := w.store.SubscribeControl(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control channel: %w", err)
	}
	defer cancelControl()

	reclaimCtx, cancelReclaim := context.WithCancel(ctx)
	defer cancelReclaim()
	go w.reclaimLoop(reclaimCtx)

	w.logger.Info().Msg("Worker started")
	for {
		select {
		case <-w.stopCh:
			w.logger.Info().Msg("Worker drained")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-control:
			if msg.Drain && (msg.Worker == "" || msg.Worker == w.id) {
				w.logger.Info().Msg("Drain requested")
				w.Stop()
			}
			continue
		default:
		}

		op, ok, err := w.queue.Claim(ctx, w.claimWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error().Err(err).Msg("Queue claim failed")
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		w.process(ctx, op)
	}
}

// process runs one claimed queue entry through the store CAS and the
// runtime.
func (w *Worker) process(ctx context.Context, op types.Hash) {
	claimed, err := w.store.ClaimOp(ctx, op)
	if err != nil {
		w.logger.Error().Err(err).Str("op", op.Short()).Msg("Claim CAS failed")
		return
	}
	if !claimed {
		// Someone else ran it (or is running it) — the memoization hit.
		status, err := w.store.OpStatus(ctx, op)
		if err == nil && status.Terminal() {
			metrics.CacheHitsTotal.Inc()
		}
		w.logger.Debug().Str("op", op.Short()).Msg("Lost claim, dropping job")
		return
	}

	metrics.QueueClaimsTotal.Inc()
	metrics.WorkerBusy.Set(1)
	defer metrics.WorkerBusy.Set(0)

	beatCtx, stopBeat := context.WithCancel(ctx)
	defer stopBeat()
	go w.heartbeatLoop(beatCtx, op)

	w.logger.Info().Str("op", op.Short()).Msg("Executing operation")
	outcome, err := w.runtime.Execute(ctx, op)
	if err != nil {
		// Infrastructure failure: release the claim so the operation is
		// reclaimed instead of wedged in running.
		w.logger.Error().Err(err).Str("op", op.Short()).Msg("Execution failed, releasing claim")
		if _, resetErr := w.store.ResetOp(ctx, op); resetErr != nil {
			w.logger.Error().Err(resetErr).Str("op", op.Short()).Msg("Failed to release claim")
			return
		}
		if enqErr := w.queue.Enqueue(ctx, op); enqErr != nil {
			w.logger.Error().Err(enqErr).Str("op", op.Short()).Msg("Failed to requeue")
		}
		return
	}
	w.logger.Info().
		Str("op", op.Short()).
		Str("status", string(outcome.Status)).
		Int("outputs", len(outcome.Outputs)).
		Msg("Operation committed")
}

// heartbeatLoop stamps liveness while an operation executes
func (w *Worker) heartbeatLoop(ctx context.Context, op types.Hash) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.store.HeartbeatOp(ctx, op); err != nil {
				w.logger.Warn().Err(err).Str("op", op.Short()).Msg("Heartbeat failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// reclaimLoop returns operations abandoned by dead workers to the queue.
func (w *Worker) reclaimLoop(ctx context.Context) {
	interval := w.reclaimAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.reclaim(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Reclaim cycle failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) reclaim(ctx context.Context) error {
	stale, err := w.store.StaleOps(ctx, time.Now().Add(-w.reclaimAfter))
	if err != nil {
		return err
	}
	for _, op := range stale {
		reset, err := w.store.ResetOp(ctx, op)
		if err != nil {
			return err
		}
		if !reset {
			continue
		}
		metrics.ReclaimsTotal.Inc()
		w.logger.Warn().Str("op", op.Short()).Msg("Reclaimed stale operation")
		if err := w.queue.Enqueue(ctx, op); err != nil {
			return err
		}
	}
	return nil
}
