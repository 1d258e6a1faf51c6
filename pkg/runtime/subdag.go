package runtime

import (
	"context"
	"fmt"

	"github.com/tessellate-io/loom/pkg/graph"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
	"github.com/tessellate-io/loom/pkg/workflow"
)

// Generator is a user-registered sub-graph builder. It receives decoded
// inputs and a recording workflow session, creates operations through the
// session, and returns the artifacts standing in for the subdag's declared
// outputs, in order.
type Generator func(ctx context.Context, call *Call, ws *workflow.Session) ([]*types.Artifact, error)

// runSubdag executes a subdag operation: run the generator, attach the
// generated sub-graph, rebind the declared outputs as links onto the
// generated artifacts, and schedule whatever became runnable.
func (r *Runtime) runSubdag(ctx context.Context, f *types.Funsie, op *types.Operation, states *graph.InputStates) (*Outcome, error) {
	gen, ok := r.registry.generator(f.Callable)
	if !ok {
		return nil, fmt.Errorf("subdag generator %q is not registered on this worker", f.Callable)
	}

	values, rec, err := r.resolveValues(ctx, f, op, states)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return r.commitUniformError(ctx, f, op, rec)
	}

	ws := workflow.Wrap(r.store, r.queue).WithRecorder()
	call := &Call{Op: op, Funsie: f, Inputs: values}

	arts, rec := invokeGenerator(ctx, op, gen, call, ws)
	if rec != nil {
		return r.commitUniformError(ctx, f, op, rec)
	}

	if len(arts) != len(f.Outputs) {
		return r.commitUniformError(ctx, f, op, &types.ErrorRecord{
			Kind:    types.ErrSubdagArity,
			Origin:  op.Hash,
			Message: fmt.Sprintf("generator returned %d outputs, funsie declares %d", len(arts), len(f.Outputs)),
		})
	}

	redirects := make(map[types.Hash]types.Hash, len(f.Outputs))
	targets := make([]types.Hash, 0, len(arts))
	for i, slot := range f.Outputs {
		declared := op.Outputs[slot.Name]
		redirects[declared] = arts[i].Hash
		targets = append(targets, arts[i].Hash)
	}

	recorded := ws.Recorded()
	if err := r.store.AttachSubdag(ctx, op.Hash, &storage.SubdagAttachment{
		Ops:       recorded.Ops,
		Artifacts: recorded.Artifacts,
		Redirects: redirects,
	}); err != nil {
		return nil, err
	}

	if err := r.store.CommitOp(ctx, &storage.Commit{Op: op.Hash, Status: types.OpDone}); err != nil {
		return nil, err
	}

	// Kick off the freshly attached sub-graph; the executor's next sweep
	// would find it too, this just avoids waiting for the wake round-trip.
	sweep, err := graph.SweepTargets(ctx, r.store, targets)
	if err != nil {
		r.logger.Warn().Err(err).Str("op", op.Hash.Short()).Msg("Failed to sweep generated sub-graph")
	} else {
		for _, ready := range sweep.Ready {
			if err := r.queue.Enqueue(ctx, ready); err != nil {
				r.logger.Warn().Err(err).Str("op", ready.Short()).Msg("Failed to enqueue generated op")
			}
		}
	}

	outputs := make([]types.Hash, 0, len(op.Outputs))
	for _, h := range op.Outputs {
		outputs = append(outputs, h)
	}
	return &Outcome{Status: types.OpDone, Outputs: outputs}, nil
}

// invokeGenerator runs generator code with panic containment and timeout
// enforcement.
func invokeGenerator(ctx context.Context, op *types.Operation, gen Generator, call *Call, ws *workflow.Session) ([]*types.Artifact, *types.ErrorRecord) {
	type result struct {
		arts []*types.Artifact
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				resCh <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		arts, err := gen(ctx, call, ws)
		resCh <- result{arts: arts, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, &types.ErrorRecord{
				Kind:    types.ErrCallableRaised,
				Origin:  op.Hash,
				Message: res.err.Error(),
			}
		}
		return res.arts, nil
	case <-ctx.Done():
		return nil, &types.ErrorRecord{
			Kind:    types.ErrTimeout,
			Origin:  op.Hash,
			Message: ctx.Err().Error(),
		}
	}
}
