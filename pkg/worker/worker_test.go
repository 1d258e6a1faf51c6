package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-io/loom/pkg/queue"
	"github.com/tessellate-io/loom/pkg/runtime"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
	"github.com/tessellate-io/loom/pkg/workflow"
)

type env struct {
	store   storage.Store
	queue   *queue.MemoryQueue
	runtime *runtime.Runtime
	session *workflow.Session
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })

	return &env{
		store:   store,
		queue:   q,
		runtime: runtime.New(store, q, runtime.NewRegistry(), t.TempDir()),
		session: workflow.Wrap(store, q),
	}
}

func (e *env) echoOp(t *testing.T) *types.Artifact {
	t.Helper()
	outs, err := e.session.PutShell(context.Background(), workflow.ShellSpec{
		Commands: []string{"echo ok"},
	})
	require.NoError(t, err)
	return outs["stdout0"]
}

func waitReady(t *testing.T, store storage.Store, art types.Hash, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		status, err := store.ArtifactStatus(context.Background(), art)
		require.NoError(t, err)
		if status == types.StatusReady {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("artifact %s not ready within %s", art.Short(), within)
}

func TestWorkerExecutesQueuedOp(t *testing.T) {
	e := newEnv(t)
	out := e.echoOp(t)

	w := NewWorker(e.store, e.queue, e.runtime, Config{ClaimWait: 50 * time.Millisecond})
	go func() { _ = w.Run(context.Background()) }()
	defer w.Stop()

	require.NoError(t, e.queue.Enqueue(context.Background(), out.ParentOp))
	waitReady(t, e.store, out.Hash, 5*time.Second)
}

func TestCrashReclaim(t *testing.T) {
	e := newEnv(t)
	out := e.echoOp(t)
	ctx := context.Background()

	// A worker claimed the operation and died: running, heartbeat never
	// stamped again.
	claimed, err := e.store.ClaimOp(ctx, out.ParentOp)
	require.NoError(t, err)
	require.True(t, claimed)

	w := NewWorker(e.store, e.queue, e.runtime, Config{
		ClaimWait:    50 * time.Millisecond,
		ReclaimAfter: 200 * time.Millisecond,
	})
	go func() { _ = w.Run(ctx) }()
	defer w.Stop()

	// After the staleness threshold the surviving worker reclaims, resets
	// to pending, requeues and completes it.
	waitReady(t, e.store, out.Hash, 10*time.Second)

	status, err := e.store.OpStatus(ctx, out.ParentOp)
	require.NoError(t, err)
	assert.Equal(t, types.OpDone, status)
}

func TestLostClaimIsDropped(t *testing.T) {
	e := newEnv(t)
	out := e.echoOp(t)
	ctx := context.Background()

	// Another worker is already running the operation.
	claimed, err := e.store.ClaimOp(ctx, out.ParentOp)
	require.NoError(t, err)
	require.True(t, claimed)

	w := NewWorker(e.store, e.queue, e.runtime, Config{
		ClaimWait:    50 * time.Millisecond,
		ReclaimAfter: time.Hour,
	})
	go func() { _ = w.Run(ctx) }()
	defer w.Stop()

	require.NoError(t, e.queue.Enqueue(ctx, out.ParentOp))
	time.Sleep(500 * time.Millisecond)

	// The loser must not have executed or committed anything.
	status, err := e.store.OpStatus(ctx, out.ParentOp)
	require.NoError(t, err)
	assert.Equal(t, types.OpRunning, status)
}

func TestDrainOnControlMessage(t *testing.T) {
	e := newEnv(t)

	w := NewWorker(e.store, e.queue, e.runtime, Config{ClaimWait: 50 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	// Give the worker a moment to subscribe before signalling.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, e.store.PublishControl(context.Background(), storage.ControlMessage{Drain: true}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain on control message")
	}
}

func TestDrainTargetsWorkerID(t *testing.T) {
	e := newEnv(t)

	w := NewWorker(e.store, e.queue, e.runtime, Config{ID: "w1", ClaimWait: 50 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	time.Sleep(100 * time.Millisecond)

	// A drain addressed to a different worker is ignored.
	require.NoError(t, e.store.PublishControl(context.Background(), storage.ControlMessage{Drain: true, Worker: "w2"}))
	select {
	case <-done:
		t.Fatal("worker drained on a message addressed elsewhere")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, e.store.PublishControl(context.Background(), storage.ControlMessage{Drain: true, Worker: "w1"}))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain on its own drain message")
	}
}
