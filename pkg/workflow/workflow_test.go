package workflow_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-io/loom/pkg/queue"
	"github.com/tessellate-io/loom/pkg/runtime"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
	"github.com/tessellate-io/loom/pkg/worker"
	"github.com/tessellate-io/loom/pkg/workflow"
)

// env is a single-process cluster: embedded store, in-process queue, and a
// small worker pool sharing one callable registry.
type env struct {
	store    storage.Store
	queue    *queue.MemoryQueue
	registry *runtime.Registry
	session  *workflow.Session
	workers  []*worker.Worker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })

	return &env{
		store:    store,
		queue:    q,
		registry: runtime.NewRegistry(),
		session:  workflow.Wrap(store, q),
	}
}

// start launches n workers draining them on test cleanup.
func (e *env) start(t *testing.T, n int) {
	t.Helper()
	scratch := t.TempDir()
	for i := 0; i < n; i++ {
		rt := runtime.New(e.store, e.queue, e.registry, scratch)
		w := worker.NewWorker(e.store, e.queue, rt, worker.Config{
			ClaimWait: 50 * time.Millisecond,
		})
		e.workers = append(e.workers, w)
		go func() { _ = w.Run(context.Background()) }()
	}
	t.Cleanup(e.stopWorkers)
}

func (e *env) stopWorkers() {
	for _, w := range e.workers {
		w.Stop()
	}
	e.workers = nil
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHelloWorldShell(t *testing.T) {
	e := newEnv(t)
	e.start(t, 2)
	ctx := testCtx(t)

	c, err := e.session.PutConst(ctx, types.EncodingBytes, []byte("hi"))
	require.NoError(t, err)
	outs, err := e.session.PutShell(ctx, workflow.ShellSpec{
		Commands: []string{"cat in.txt"},
		Inputs:   map[string]*types.Artifact{"in.txt": c},
	})
	require.NoError(t, err)

	require.NoError(t, e.session.Execute(ctx, outs["stdout0"]))

	res, err := e.session.Fetch(ctx, outs["stdout0"])
	require.NoError(t, err)
	require.True(t, res.Ok())
	assert.Equal(t, []byte("hi"), res.Data)
}

func TestReplayPerformsNoWork(t *testing.T) {
	e := newEnv(t)
	e.start(t, 1)
	ctx := testCtx(t)

	c, err := e.session.PutConst(ctx, types.EncodingBytes, []byte("hi"))
	require.NoError(t, err)
	outs, err := e.session.PutShell(ctx, workflow.ShellSpec{
		Commands: []string{"cat in.txt"},
		Inputs:   map[string]*types.Artifact{"in.txt": c},
	})
	require.NoError(t, err)
	require.NoError(t, e.session.Execute(ctx, outs["stdout0"]))

	// Resubmitting the identical workflow mints identical hashes, so the
	// second run finds everything terminal with no worker at all.
	e.stopWorkers()

	outs2, err := e.session.PutShell(ctx, workflow.ShellSpec{
		Commands: []string{"cat in.txt"},
		Inputs:   map[string]*types.Artifact{"in.txt": c},
	})
	require.NoError(t, err)
	assert.Equal(t, outs["stdout0"].Hash, outs2["stdout0"].Hash)

	replayCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.session.Execute(replayCtx, outs2["stdout0"]))

	res, err := e.session.Fetch(ctx, outs2["stdout0"])
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), res.Data)
}

func TestSumCallable(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.registry.Register("sum", func(ctx context.Context, call *runtime.Call) ([]runtime.Value, error) {
		xs := call.Inputs[0].Data.([]any)
		total := 0.0
		for _, x := range xs {
			total += x.(float64)
		}
		return []runtime.Value{{Data: total}}, nil
	}))
	e.start(t, 1)
	ctx := testCtx(t)

	in, err := e.session.PutConstValue(ctx, []int{1, 2, 3})
	require.NoError(t, err)
	outs, err := e.session.PutCallable(ctx, workflow.CallableSpec{
		Name:    "sum",
		Inputs:  []workflow.Binding{{Slot: "xs", Artifact: in}},
		Outputs: []types.Slot{{Name: "total", Encoding: types.EncodingJSON}},
	})
	require.NoError(t, err)

	require.NoError(t, e.session.Execute(ctx, outs[0]))

	res, err := e.session.Fetch(ctx, outs[0])
	require.NoError(t, err)
	require.True(t, res.Ok())
	assert.Equal(t, float64(6), res.Value)
}

func TestErrorPropagationSparesSiblings(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.registry.Register("consume", func(ctx context.Context, call *runtime.Call) ([]runtime.Value, error) {
		return []runtime.Value{{Bytes: call.Inputs[0].Bytes}}, nil
	}))
	e.start(t, 2)
	ctx := testCtx(t)

	failing, err := e.session.PutShell(ctx, workflow.ShellSpec{
		Commands: []string{"exit 1"},
		Outputs:  []string{"x"},
	})
	require.NoError(t, err)

	downstream, err := e.session.PutCallable(ctx, workflow.CallableSpec{
		Name:    "consume",
		Inputs:  []workflow.Binding{{Slot: "x", Artifact: failing["x"]}},
		Outputs: []types.Slot{{Name: "out", Encoding: types.EncodingBytes}},
	})
	require.NoError(t, err)

	sibling, err := e.session.PutShell(ctx, workflow.ShellSpec{
		Commands: []string{"echo ok"},
	})
	require.NoError(t, err)

	// Execute returns once everything is terminal, errors included.
	require.NoError(t, e.session.Execute(ctx, downstream[0], sibling["stdout0"]))

	res, err := e.session.Fetch(ctx, downstream[0])
	require.NoError(t, err)
	require.False(t, res.Ok())
	assert.Equal(t, types.ErrUpstream, res.Err.Kind)
	assert.Equal(t, failing["x"].ParentOp, res.Err.Origin)

	ok, err := e.session.Fetch(ctx, sibling["stdout0"])
	require.NoError(t, err)
	require.True(t, ok.Ok())
	assert.Equal(t, "ok\n", string(ok.Data))
}

// registerMergesort installs a recursive subdag generator and its merge
// callable: split until length <= 1, merge sorted halves on the way up.
func registerMergesort(t *testing.T, reg *runtime.Registry) {
	t.Helper()

	require.NoError(t, reg.Register("merge", func(ctx context.Context, call *runtime.Call) ([]runtime.Value, error) {
		a := call.Inputs[0].Data.([]any)
		b := call.Inputs[1].Data.([]any)
		merged := make([]any, 0, len(a)+len(b))
		i, j := 0, 0
		for i < len(a) && j < len(b) {
			if a[i].(float64) <= b[j].(float64) {
				merged = append(merged, a[i])
				i++
			} else {
				merged = append(merged, b[j])
				j++
			}
		}
		merged = append(merged, a[i:]...)
		merged = append(merged, b[j:]...)
		return []runtime.Value{{Data: merged}}, nil
	}))

	sortedSlot := []types.Slot{{Name: "sorted", Encoding: types.EncodingJSON}}
	require.NoError(t, reg.RegisterGenerator("msort", func(ctx context.Context, call *runtime.Call, ws *workflow.Session) ([]*types.Artifact, error) {
		xs, ok := call.Inputs[0].Data.([]any)
		if !ok {
			return nil, fmt.Errorf("msort expects a list, got %T", call.Inputs[0].Data)
		}
		if len(xs) <= 1 {
			base, err := ws.PutConstValue(ctx, xs)
			if err != nil {
				return nil, err
			}
			return []*types.Artifact{base}, nil
		}

		mid := len(xs) / 2
		left, err := ws.PutConstValue(ctx, xs[:mid])
		if err != nil {
			return nil, err
		}
		right, err := ws.PutConstValue(ctx, xs[mid:])
		if err != nil {
			return nil, err
		}

		ls, err := ws.PutSubdag(ctx, workflow.SubdagSpec{
			Generator: "msort",
			Inputs:    []workflow.Binding{{Slot: "xs", Artifact: left}},
			Outputs:   sortedSlot,
		})
		if err != nil {
			return nil, err
		}
		rs, err := ws.PutSubdag(ctx, workflow.SubdagSpec{
			Generator: "msort",
			Inputs:    []workflow.Binding{{Slot: "xs", Artifact: right}},
			Outputs:   sortedSlot,
		})
		if err != nil {
			return nil, err
		}

		merged, err := ws.PutCallable(ctx, workflow.CallableSpec{
			Name: "merge",
			Inputs: []workflow.Binding{
				{Slot: "a", Artifact: ls[0]},
				{Slot: "b", Artifact: rs[0]},
			},
			Outputs: []types.Slot{{Name: "merged", Encoding: types.EncodingJSON}},
		})
		if err != nil {
			return nil, err
		}
		return []*types.Artifact{merged[0]}, nil
	}))
}

func TestMergesortSubdag(t *testing.T) {
	e := newEnv(t)
	registerMergesort(t, e.registry)
	e.start(t, 2)
	ctx := testCtx(t)

	in, err := e.session.PutConstValue(ctx, []int{8, 3, 5, 1, 7, 2, 6, 4})
	require.NoError(t, err)
	outs, err := e.session.PutSubdag(ctx, workflow.SubdagSpec{
		Generator: "msort",
		Inputs:    []workflow.Binding{{Slot: "xs", Artifact: in}},
		Outputs:   []types.Slot{{Name: "sorted", Encoding: types.EncodingJSON}},
	})
	require.NoError(t, err)

	require.NoError(t, e.session.Execute(ctx, outs[0]))

	res, err := e.session.Fetch(ctx, outs[0])
	require.NoError(t, err)
	require.True(t, res.Ok())
	assert.Equal(t,
		[]any{float64(1), float64(2), float64(3), float64(4), float64(5), float64(6), float64(7), float64(8)},
		res.Value)

	// The link table lets a cache hit skip the generator entirely.
	generated, err := e.store.SubdagOps(ctx, outs[0].ParentOp)
	require.NoError(t, err)
	assert.NotEmpty(t, generated)

	// Replay: all hashes identical, nothing left to run.
	e.stopWorkers()
	replayCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.session.Execute(replayCtx, outs[0]))
}

func TestIdenticalBytesDeduplicate(t *testing.T) {
	e := newEnv(t)
	e.start(t, 1)
	ctx := testCtx(t)

	// Same command, different extra: two distinct operations by identity
	// producing identical bytes.
	v1, err := e.session.PutShell(ctx, workflow.ShellSpec{
		Commands: []string{"echo same"},
		Extra:    []byte("v1"),
	})
	require.NoError(t, err)
	v2, err := e.session.PutShell(ctx, workflow.ShellSpec{
		Commands: []string{"echo same"},
		Extra:    []byte("v2"),
	})
	require.NoError(t, err)
	require.NotEqual(t, v1["stdout0"].Hash, v2["stdout0"].Hash)

	require.NoError(t, e.session.Execute(ctx, v1["stdout0"], v2["stdout0"]))

	s1, err := e.store.ArtifactStatus(ctx, v1["stdout0"].Hash)
	require.NoError(t, err)
	s2, err := e.store.ArtifactStatus(ctx, v2["stdout0"].Hash)
	require.NoError(t, err)

	// One stores the bytes, the other links to it.
	statuses := []types.ArtifactStatus{s1, s2}
	assert.Contains(t, statuses, types.StatusReady)
	assert.Contains(t, statuses, types.StatusLinked)

	for _, a := range []*types.Artifact{v1["stdout0"], v2["stdout0"]} {
		res, err := e.session.Fetch(ctx, a)
		require.NoError(t, err)
		require.True(t, res.Ok())
		assert.Equal(t, "same\n", string(res.Data))
	}
}

func TestFetchNonTerminalFails(t *testing.T) {
	e := newEnv(t)
	ctx := testCtx(t)

	outs, err := e.session.PutShell(ctx, workflow.ShellSpec{Commands: []string{"echo hi"}})
	require.NoError(t, err)

	_, err = e.session.Fetch(ctx, outs["stdout0"])
	assert.Error(t, err)
}

func TestResolvePrefix(t *testing.T) {
	e := newEnv(t)
	ctx := testCtx(t)

	a, err := e.session.PutConst(ctx, types.EncodingBytes, []byte("addressable"))
	require.NoError(t, err)

	got, err := e.session.ResolvePrefix(ctx, a.Hash.String()[:10])
	require.NoError(t, err)
	assert.Equal(t, a.Hash, got)

	_, err = e.session.ResolvePrefix(ctx, "ff")
	assert.Error(t, err)
}
