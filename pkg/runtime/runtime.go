package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessellate-io/loom/pkg/codec"
	"github.com/tessellate-io/loom/pkg/graph"
	"github.com/tessellate-io/loom/pkg/hash"
	"github.com/tessellate-io/loom/pkg/log"
	"github.com/tessellate-io/loom/pkg/metrics"
	"github.com/tessellate-io/loom/pkg/queue"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
)

// Runtime executes one claimed operation end-to-end: resolve inputs,
// dispatch by kind, write results back, commit atomically, and enqueue
// dependents that became ready.
type Runtime struct {
	store       storage.Store
	queue       queue.Queue
	registry    *Registry
	scratchBase string
	logger      zerolog.Logger
}

// New creates a runtime. scratchBase roots the per-attempt scratch
// directories of shell operations.
func New(store storage.Store, q queue.Queue, registry *Registry, scratchBase string) *Runtime {
	return &Runtime{
		store:       store,
		queue:       q,
		registry:    registry,
		scratchBase: scratchBase,
		logger:      log.WithComponent("runtime"),
	}
}

// Outcome reports a committed execution.
type Outcome struct {
	Status  types.OpStatus
	Outputs []types.Hash
}

// outValue is one produced output before write-back.
type outValue struct {
	data []byte
	err  *types.ErrorRecord
}

// extraOptions are the recognized keys of a funsie's opaque extra payload.
// Unparseable extras are identity salt only.
type extraOptions struct {
	TimeoutMS int64 `json:"timeout_ms"`
}

func timeoutFromExtra(extra []byte) time.Duration {
	if len(extra) == 0 {
		return 0
	}
	var opts extraOptions
	if err := json.Unmarshal(extra, &opts); err != nil {
		return 0
	}
	return time.Duration(opts.TimeoutMS) * time.Millisecond
}

// Execute runs an operation the caller has already claimed. A nil error
// means a terminal status was committed (possibly error-as-value); a
// non-nil error means infrastructure failure and the claim should be
// released for reclaim.
func (r *Runtime) Execute(ctx context.Context, opHash types.Hash) (*Outcome, error) {
	op, err := r.store.GetOperation(ctx, opHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load operation %s: %w", opHash.Short(), err)
	}
	f, err := r.store.GetFunsie(ctx, op.Funsie)
	if err != nil {
		return nil, fmt.Errorf("failed to load funsie %s: %w", op.Funsie.Short(), err)
	}
	if f.Kind == types.KindDataSource {
		return nil, fmt.Errorf("operation %s is a data source and is never executed", opHash.Short())
	}

	states, err := graph.CollectInputs(ctx, r.store, f, op)
	if err != nil {
		return nil, err
	}
	if !states.AllTerminal {
		return nil, fmt.Errorf("operation %s claimed before its inputs were terminal", opHash.Short())
	}

	// Strict short-circuit: propagate the earliest upstream error without
	// running anything.
	if f.Strict && len(states.Errors) > 0 {
		metrics.ShortCircuitsTotal.Inc()
		first := states.Errors[0]
		rec := first.Record.Upstream(first.Slot)
		return r.commitUniformError(ctx, f, op, rec)
	}

	if timeout := timeoutFromExtra(f.Extra); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	timer := metrics.NewTimer(string(f.Kind))
	defer timer.Stop()

	var (
		results map[string]outValue
		failed  bool
	)
	switch f.Kind {
	case types.KindShell:
		results, failed, err = r.runShell(ctx, f, op)
	case types.KindCallable:
		results, failed, err = r.runCallable(ctx, f, op, states)
	case types.KindSubdag:
		return r.runSubdag(ctx, f, op, states)
	default:
		return nil, fmt.Errorf("unknown funsie kind %q", f.Kind)
	}
	if err != nil {
		return nil, err
	}

	status := types.OpDone
	if failed {
		status = types.OpError
	}
	return r.commit(ctx, f, op, status, results)
}

// commitUniformError marks every declared output with the same record.
func (r *Runtime) commitUniformError(ctx context.Context, f *types.Funsie, op *types.Operation, rec *types.ErrorRecord) (*Outcome, error) {
	results := make(map[string]outValue, len(f.Outputs))
	for _, slot := range f.Outputs {
		results[slot.Name] = outValue{err: rec}
	}
	return r.commit(ctx, f, op, types.OpError, results)
}

// commit writes every output and the operation status in one atomic step,
// then enqueues any dependents whose inputs just became terminal.
func (r *Runtime) commit(ctx context.Context, f *types.Funsie, op *types.Operation, status types.OpStatus, results map[string]outValue) (*Outcome, error) {
	c := &storage.Commit{Op: op.Hash, Status: status}
	outputs := make([]types.Hash, 0, len(f.Outputs))

	for _, slot := range f.Outputs {
		artHash, ok := op.Outputs[slot.Name]
		if !ok {
			return nil, fmt.Errorf("operation %s has no output binding for %q", op.Hash.Short(), slot.Name)
		}
		outputs = append(outputs, artHash)

		res, ok := results[slot.Name]
		if !ok {
			res = outValue{err: &types.ErrorRecord{
				Kind:    types.ErrMissingOutput,
				Origin:  op.Hash,
				Message: fmt.Sprintf("no result produced for output %q", slot.Name),
			}}
		}

		if res.err != nil {
			c.Outputs = append(c.Outputs, storage.OutputResult{
				Artifact: artHash,
				Status:   types.StatusError,
				Err:      res.err,
			})
			continue
		}
		c.Outputs = append(c.Outputs, storage.OutputResult{
			Artifact: artHash,
			Status:   types.StatusReady,
			Data:     res.data,
			Content:  hash.ForContent(slot.Encoding, res.data),
		})
		metrics.ArtifactBytesTotal.Add(float64(len(res.data)))
	}

	if err := r.store.CommitOp(ctx, c); err != nil {
		return nil, err
	}
	metrics.OperationsTotal.WithLabelValues(string(f.Kind), string(status)).Inc()

	if err := r.enqueueReadyDependents(ctx, outputs); err != nil {
		// Dependents will be rediscovered by the executor's next sweep;
		// log and keep the committed result.
		r.logger.Warn().Err(err).Str("op", op.Hash.Short()).Msg("Failed to enqueue dependents")
	}
	return &Outcome{Status: status, Outputs: outputs}, nil
}

func (r *Runtime) enqueueReadyDependents(ctx context.Context, arts []types.Hash) error {
	ready, err := graph.ReadyDependents(ctx, r.store, arts)
	if err != nil {
		return err
	}
	for _, opHash := range ready {
		if err := r.queue.Enqueue(ctx, opHash); err != nil {
			return err
		}
	}
	return nil
}

// resolveValues decodes the operation's inputs for callable-style dispatch.
// Errored inputs arrive as error values (the strict case never reaches
// here). A decode failure poisons the whole operation.
func (r *Runtime) resolveValues(ctx context.Context, f *types.Funsie, op *types.Operation, states *graph.InputStates) ([]Value, *types.ErrorRecord, error) {
	errBySlot := make(map[string]*types.ErrorRecord, len(states.Errors))
	for _, se := range states.Errors {
		errBySlot[se.Slot] = se.Record
	}

	values := make([]Value, 0, len(f.Inputs))
	for _, slot := range f.Inputs {
		if rec, ok := errBySlot[slot.Name]; ok {
			values = append(values, Value{Slot: slot.Name, Encoding: slot.Encoding, Err: rec})
			continue
		}

		artHash := op.Inputs[slot.Name]
		resolved, err := r.store.ResolveLink(ctx, artHash)
		if err != nil {
			return nil, nil, err
		}
		data, err := r.store.GetArtifactData(ctx, resolved)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read input %q of %s: %w", slot.Name, op.Hash.Short(), err)
		}

		v := Value{Slot: slot.Name, Encoding: slot.Encoding, Bytes: data}
		if slot.Encoding == types.EncodingJSON {
			decoded, err := codec.Decode(data)
			if err != nil {
				return nil, &types.ErrorRecord{
					Kind:    types.ErrDecode,
					Origin:  op.Hash,
					Message: fmt.Sprintf("input %q: %v", slot.Name, err),
				}, nil
			}
			v.Data = decoded
		}
		values = append(values, v)
	}
	return values, nil, nil
}

// encodeOutputs turns callable return values into stored bytes per the
// declared output encodings.
func encodeOutputs(f *types.Funsie, op *types.Operation, returned []Value) (map[string]outValue, *types.ErrorRecord) {
	if len(returned) != len(f.Outputs) {
		return nil, &types.ErrorRecord{
			Kind:    types.ErrCallableRaised,
			Origin:  op.Hash,
			Message: fmt.Sprintf("callable returned %d values, funsie declares %d outputs", len(returned), len(f.Outputs)),
		}
	}

	results := make(map[string]outValue, len(f.Outputs))
	for i, slot := range f.Outputs {
		v := returned[i]
		if v.Err != nil {
			results[slot.Name] = outValue{err: v.Err}
			continue
		}

		data := v.Bytes
		if data == nil && slot.Encoding == types.EncodingJSON {
			encoded, err := codec.Encode(v.Data)
			if err != nil {
				return nil, &types.ErrorRecord{
					Kind:    types.ErrCallableRaised,
					Origin:  op.Hash,
					Message: fmt.Sprintf("output %q: %v", slot.Name, err),
				}
			}
			data = encoded
		}
		results[slot.Name] = outValue{data: data}
	}
	return results, nil
}

// runCallable dispatches a registered in-process callable.
func (r *Runtime) runCallable(ctx context.Context, f *types.Funsie, op *types.Operation, states *graph.InputStates) (map[string]outValue, bool, error) {
	fn, ok := r.registry.callable(f.Callable)
	if !ok {
		return nil, false, fmt.Errorf("callable %q is not registered on this worker", f.Callable)
	}

	values, rec, err := r.resolveValues(ctx, f, op, states)
	if err != nil {
		return nil, false, err
	}
	if rec != nil {
		return uniformResults(f, rec), true, nil
	}

	call := &Call{Op: op, Funsie: f, Inputs: values}
	returned, rec := invokeCallable(ctx, op, fn, call)
	if rec != nil {
		return uniformResults(f, rec), true, nil
	}

	results, rec := encodeOutputs(f, op, returned)
	if rec != nil {
		return uniformResults(f, rec), true, nil
	}
	return results, false, nil
}

// invokeCallable runs user code with panic containment and timeout
// enforcement.
func invokeCallable(ctx context.Context, op *types.Operation, fn Callable, call *Call) ([]Value, *types.ErrorRecord) {
	type result struct {
		values []Value
		err    error
	}
	resCh := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				resCh <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		values, err := fn(ctx, call)
		resCh <- result{values: values, err: err}
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
		return res.values, nil
	case <-ctx.Done():
		return nil, &types.ErrorRecord{
			Kind:    types.ErrTimeout,
			Origin:  op.Hash,
			Message: ctx.Err().Error(),
		}
	}
}

func uniformResults(f *types.Funsie, rec *types.ErrorRecord) map[string]outValue {
	results := make(map[string]outValue, len(f.Outputs))
	for _, slot := range f.Outputs {
		results[slot.Name] = outValue{err: rec}
	}
	return results
}
