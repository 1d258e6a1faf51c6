package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-io/loom/pkg/graph"
	"github.com/tessellate-io/loom/pkg/hash"
	"github.com/tessellate-io/loom/pkg/queue"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
)

func newEnv(t *testing.T) (storage.Store, *queue.MemoryQueue) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })
	return store, q
}

func TestRunReturnsOnTerminalTargets(t *testing.T) {
	store, q := newEnv(t)
	ctx := context.Background()

	a, err := graph.PutConst(ctx, store, types.EncodingBytes, []byte("done already"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, New(store, q).Run(ctx, []types.Hash{a.Hash}))
	assert.Less(t, time.Since(start), time.Second)

	// Nothing was enqueued.
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunRejectsUnknownTarget(t *testing.T) {
	store, q := newEnv(t)

	ghost := hash.ForConst(types.EncodingBytes, []byte("ghost"))
	err := New(store, q).Run(context.Background(), []types.Hash{ghost})
	assert.Error(t, err)
}

func TestRunEnqueuesAndWaits(t *testing.T) {
	store, q := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in, err := graph.PutConst(ctx, store, types.EncodingBytes, []byte("seed"))
	require.NoError(t, err)
	fh, err := graph.PutFunsie(ctx, store, &types.Funsie{
		Kind:     types.KindShell,
		Commands: []string{"produce"},
		Inputs:   []types.Slot{{Name: "in", Encoding: types.EncodingBytes}},
		Outputs:  []types.Slot{{Name: "out", Encoding: types.EncodingBytes}},
		Strict:   true,
	})
	require.NoError(t, err)
	op, _, err := graph.PutOperation(ctx, store, fh, map[string]types.Hash{"in": in.Hash})
	require.NoError(t, err)

	// A stand-in worker: claim from the queue, commit a result.
	go func() {
		claimed, ok, err := q.Claim(ctx, 5*time.Second)
		if err != nil || !ok {
			return
		}
		if won, err := store.ClaimOp(ctx, claimed); err != nil || !won {
			return
		}
		data := []byte("result")
		_ = store.CommitOp(ctx, &storage.Commit{
			Op:     claimed,
			Status: types.OpDone,
			Outputs: []storage.OutputResult{{
				Artifact: op.Outputs["out"],
				Status:   types.StatusReady,
				Data:     data,
				Content:  hash.ForContent(types.EncodingBytes, data),
			}},
		})
	}()

	require.NoError(t, New(store, q).WithPoll(50*time.Millisecond).Run(ctx, []types.Hash{op.Outputs["out"]}))

	status, err := store.ArtifactStatus(ctx, op.Outputs["out"])
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, status)
}
