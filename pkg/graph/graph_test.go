package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-io/loom/pkg/hash"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func shellFunsie(commands []string, inputs, outputs []string) *types.Funsie {
	f := &types.Funsie{Kind: types.KindShell, Commands: commands, Strict: true}
	for _, in := range inputs {
		f.Inputs = append(f.Inputs, types.Slot{Name: in, Encoding: types.EncodingBytes})
	}
	for _, out := range outputs {
		f.Outputs = append(f.Outputs, types.Slot{Name: out, Encoding: types.EncodingBytes})
	}
	return f
}

func TestPutConstCollapses(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	a1, err := PutConst(ctx, store, types.EncodingBytes, []byte("same"))
	require.NoError(t, err)
	a2, err := PutConst(ctx, store, types.EncodingBytes, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, a1.Hash, a2.Hash)

	arts, err := store.ListArtifacts(ctx)
	require.NoError(t, err)
	assert.Len(t, arts, 1)
}

func TestPutOperationDeterministic(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	in, err := PutConst(ctx, store, types.EncodingBytes, []byte("x"))
	require.NoError(t, err)
	fh, err := PutFunsie(ctx, store, shellFunsie([]string{"cat in"}, []string{"in"}, []string{"out"}))
	require.NoError(t, err)

	op1, created, err := PutOperation(ctx, store, fh, map[string]types.Hash{"in": in.Hash})
	require.NoError(t, err)
	assert.True(t, created)

	// Rebuilding the same operation anywhere mints the same identities.
	op2, created, err := PutOperation(ctx, store, fh, map[string]types.Hash{"in": in.Hash})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, op1.Hash, op2.Hash)
	assert.Equal(t, op1.Outputs, op2.Outputs)

	// The output identity is derivable from the parent link alone.
	assert.Equal(t, hash.ForOutput(op1.Hash, "out"), op1.Outputs["out"])
}

func TestPutOperationValidatesBindings(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	in, err := PutConst(ctx, store, types.EncodingBytes, []byte("x"))
	require.NoError(t, err)
	fh, err := PutFunsie(ctx, store, shellFunsie([]string{"true"}, []string{"in"}, []string{"out"}))
	require.NoError(t, err)

	_, _, err = PutOperation(ctx, store, fh, nil)
	assert.Error(t, err)

	_, _, err = PutOperation(ctx, store, fh, map[string]types.Hash{"wrong": in.Hash})
	assert.Error(t, err)

	// Binding an artifact that was never stored is refused.
	_, _, err = PutOperation(ctx, store, fh, map[string]types.Hash{"in": hash.ForConst(types.EncodingBytes, []byte("ghost"))})
	assert.Error(t, err)
}

// chain builds const -> opA -> opB and returns both operations.
func chain(t *testing.T, store storage.Store) (*types.Operation, *types.Operation) {
	t.Helper()
	ctx := context.Background()

	in, err := PutConst(ctx, store, types.EncodingBytes, []byte("seed"))
	require.NoError(t, err)

	fhA, err := PutFunsie(ctx, store, shellFunsie([]string{"step-a"}, []string{"in"}, []string{"out"}))
	require.NoError(t, err)
	opA, _, err := PutOperation(ctx, store, fhA, map[string]types.Hash{"in": in.Hash})
	require.NoError(t, err)

	fhB, err := PutFunsie(ctx, store, shellFunsie([]string{"step-b"}, []string{"in"}, []string{"out"}))
	require.NoError(t, err)
	opB, _, err := PutOperation(ctx, store, fhB, map[string]types.Hash{"in": opA.Outputs["out"]})
	require.NoError(t, err)

	return opA, opB
}

func TestSweepTargets(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	opA, opB := chain(t, store)

	sweep, err := SweepTargets(ctx, store, []types.Hash{opB.Outputs["out"]})
	require.NoError(t, err)
	assert.False(t, sweep.TargetsTerminal)
	assert.Equal(t, []types.Hash{opA.Hash}, sweep.Ready)
	assert.Equal(t, 1, sweep.Blocked)

	// Finish opA; the next sweep finds opB ready.
	_, err = store.ClaimOp(ctx, opA.Hash)
	require.NoError(t, err)
	data := []byte("intermediate")
	require.NoError(t, store.CommitOp(ctx, &storage.Commit{
		Op:     opA.Hash,
		Status: types.OpDone,
		Outputs: []storage.OutputResult{{
			Artifact: opA.Outputs["out"],
			Status:   types.StatusReady,
			Data:     data,
			Content:  hash.ForContent(types.EncodingBytes, data),
		}},
	}))

	sweep, err = SweepTargets(ctx, store, []types.Hash{opB.Outputs["out"]})
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{opB.Hash}, sweep.Ready)
	assert.Equal(t, 0, sweep.Blocked)
}

func TestReadyDependents(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	opA, opB := chain(t, store)

	// opA not finished: nothing ready downstream of its output.
	ready, err := ReadyDependents(ctx, store, []types.Hash{opA.Outputs["out"]})
	require.NoError(t, err)
	assert.Empty(t, ready)

	_, err = store.ClaimOp(ctx, opA.Hash)
	require.NoError(t, err)
	data := []byte("done")
	require.NoError(t, store.CommitOp(ctx, &storage.Commit{
		Op:     opA.Hash,
		Status: types.OpDone,
		Outputs: []storage.OutputResult{{
			Artifact: opA.Outputs["out"],
			Status:   types.StatusReady,
			Data:     data,
			Content:  hash.ForContent(types.EncodingBytes, data),
		}},
	}))

	ready, err = ReadyDependents(ctx, store, []types.Hash{opA.Outputs["out"]})
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{opB.Hash}, ready)
}

func TestWriteDOT(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	opA, opB := chain(t, store)

	var sb strings.Builder
	require.NoError(t, WriteDOT(ctx, store, &sb))
	dot := sb.String()

	assert.Contains(t, dot, "digraph provenance")
	assert.Contains(t, dot, opA.Hash.String())
	assert.Contains(t, dot, opB.Hash.String())
	assert.Contains(t, dot, opA.Outputs["out"].String())
	assert.Contains(t, dot, "shape=box")
	assert.Contains(t, dot, "shape=ellipse")
}
