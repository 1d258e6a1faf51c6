package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
)

// TerminalStatus resolves an artifact through link redirects and reports
// its effective status.
func TerminalStatus(ctx context.Context, st storage.Store, art types.Hash) (types.ArtifactStatus, types.Hash, error) {
	resolved, err := st.ResolveLink(ctx, art)
	if err != nil {
		return "", types.Hash{}, err
	}
	status, err := st.ArtifactStatus(ctx, resolved)
	if err != nil {
		return "", types.Hash{}, err
	}
	return status, resolved, nil
}

// SlotError is an errored input, in funsie slot order.
type SlotError struct {
	Slot   string
	Record *types.ErrorRecord
}

// InputStates summarizes an operation's inputs for readiness and
// short-circuit decisions.
type InputStates struct {
	// AllTerminal is true when every input is ready or errored.
	AllTerminal bool
	// Errors lists errored inputs in declared slot order; "earliest" error
	// semantics follow from that order.
	Errors []SlotError
}

// CollectInputs inspects the inputs of an operation against its funsie's
// declared slot order.
func CollectInputs(ctx context.Context, st storage.Store, f *types.Funsie, op *types.Operation) (*InputStates, error) {
	states := &InputStates{AllTerminal: true}
	for _, slot := range f.Inputs {
		art, ok := op.Inputs[slot.Name]
		if !ok {
			return nil, fmt.Errorf("operation %s has no binding for input %q", op.Hash.Short(), slot.Name)
		}
		status, resolved, err := TerminalStatus(ctx, st, art)
		if err != nil {
			return nil, err
		}
		switch status {
		case types.StatusReady:
		case types.StatusError:
			rec, err := st.ArtifactError(ctx, resolved)
			if err != nil {
				return nil, err
			}
			states.Errors = append(states.Errors, SlotError{Slot: slot.Name, Record: rec})
		default:
			states.AllTerminal = false
		}
	}
	return states, nil
}

// Sweep is the result of one readiness pass over the dependency closure of
// a target set.
type Sweep struct {
	// Ready holds pending operations whose inputs are all terminal.
	Ready []types.Hash
	// Running counts operations currently claimed by a worker.
	Running int
	// Blocked counts pending operations still waiting on inputs.
	Blocked int
	// TargetsTerminal is true when every target artifact is terminal.
	TargetsTerminal bool
}

// SweepTargets walks the graph backwards from the target artifacts over
// art:prod and op:deps, classifying every operation on the way. It is a
// pure read; the caller decides what to enqueue or short-circuit.
func SweepTargets(ctx context.Context, st storage.Store, targets []types.Hash) (*Sweep, error) {
	sweep := &Sweep{TargetsTerminal: true}

	seenArts := make(map[types.Hash]bool)
	seenOps := make(map[types.Hash]bool)
	frontier := append([]types.Hash(nil), targets...)

	for _, target := range targets {
		status, _, err := TerminalStatus(ctx, st, target)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", target.Short(), err)
		}
		if !status.Terminal() {
			sweep.TargetsTerminal = false
		}
	}

	for len(frontier) > 0 {
		art := frontier[0]
		frontier = frontier[1:]
		if seenArts[art] {
			continue
		}
		seenArts[art] = true

		status, resolved, err := TerminalStatus(ctx, st, art)
		if err != nil {
			return nil, err
		}
		if status.Terminal() {
			continue
		}

		// Look the producer up through link redirects: a subdag's declared
		// output is linked onto a generated artifact, and it is the
		// generated artifact's producer that still has to run.
		producer, isConst, err := st.Producer(ctx, resolved)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("artifact %s has no producer: %w", resolved.Short(), err)
			}
			return nil, err
		}
		if isConst || seenOps[producer] {
			continue
		}
		seenOps[producer] = true

		opStatus, err := st.OpStatus(ctx, producer)
		if err != nil {
			return nil, err
		}
		switch opStatus {
		case types.OpDone, types.OpError:
			// Outputs became terminal in the same atomic step; the artifact
			// status above was simply read before that commit. Next sweep
			// observes it.
			continue
		case types.OpRunning:
			sweep.Running++
			continue
		}

		op, err := st.GetOperation(ctx, producer)
		if err != nil {
			return nil, err
		}

		allTerminal := true
		for _, in := range op.Inputs {
			inStatus, _, err := TerminalStatus(ctx, st, in)
			if err != nil {
				return nil, err
			}
			if !inStatus.Terminal() {
				allTerminal = false
				frontier = append(frontier, in)
			}
		}
		if allTerminal {
			sweep.Ready = append(sweep.Ready, producer)
		} else {
			sweep.Blocked++
		}
	}
	return sweep, nil
}

// ReadyDependents lists pending consumers of the given artifacts whose
// inputs are now all terminal. Workers call this after a commit to keep the
// DAG flowing without an executor pass.
func ReadyDependents(ctx context.Context, st storage.Store, arts []types.Hash) ([]types.Hash, error) {
	var ready []types.Hash
	seen := make(map[types.Hash]bool)

	for _, art := range arts {
		consumers, err := st.Consumers(ctx, art)
		if err != nil {
			return nil, err
		}
		for _, opHash := range consumers {
			if seen[opHash] {
				continue
			}
			seen[opHash] = true

			status, err := st.OpStatus(ctx, opHash)
			if err != nil {
				return nil, err
			}
			if status != types.OpPending {
				continue
			}

			op, err := st.GetOperation(ctx, opHash)
			if err != nil {
				return nil, err
			}
			allTerminal := true
			for _, in := range op.Inputs {
				inStatus, _, err := TerminalStatus(ctx, st, in)
				if err != nil {
					return nil, err
				}
				if !inStatus.Terminal() {
					allTerminal = false
					break
				}
			}
			if allTerminal {
				ready = append(ready, opHash)
			}
		}
	}
	return ready, nil
}
