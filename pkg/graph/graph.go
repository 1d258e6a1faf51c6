package graph

import (
	"context"
	"fmt"

	"github.com/tessellate-io/loom/pkg/hash"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
)

// PutConst hashes user-provided content and stores it as a ready artifact.
// Identical (encoding, bytes) pairs collapse to one artifact.
func PutConst(ctx context.Context, st storage.Store, enc types.Encoding, data []byte) (*types.Artifact, error) {
	a := &types.Artifact{
		Hash:     hash.ForConst(enc, data),
		Encoding: enc,
	}
	if err := st.PutConstArtifact(ctx, a, data); err != nil {
		return nil, err
	}
	return a, nil
}

// PutFunsie stores an operation descriptor and returns its identity.
func PutFunsie(ctx context.Context, st storage.Store, f *types.Funsie) (types.Hash, error) {
	h := hash.ForFunsie(f)
	if err := st.PutFunsie(ctx, h, f); err != nil {
		return types.Hash{}, err
	}
	return h, nil
}

// PutOperation binds a stored funsie to concrete inputs, minting its output
// artifacts with causal identities. Idempotent: recreating an existing
// operation returns the stored record and created=false.
func PutOperation(ctx context.Context, st storage.Store, funsie types.Hash, inputs map[string]types.Hash) (*types.Operation, bool, error) {
	f, err := st.GetFunsie(ctx, funsie)
	if err != nil {
		return nil, false, fmt.Errorf("funsie %s: %w", funsie.Short(), err)
	}

	if len(inputs) != len(f.Inputs) {
		return nil, false, fmt.Errorf("operation binds %d inputs, funsie %s declares %d", len(inputs), funsie.Short(), len(f.Inputs))
	}
	for _, slot := range f.Inputs {
		if _, ok := inputs[slot.Name]; !ok {
			return nil, false, fmt.Errorf("operation is missing binding for input %q", slot.Name)
		}
	}

	opHash := hash.ForOperation(funsie, inputs)
	if err := refuseCycle(ctx, st, opHash, inputs); err != nil {
		return nil, false, err
	}

	outputs := make([]*types.Artifact, 0, len(f.Outputs))
	bindings := make(map[string]types.Hash, len(f.Outputs))
	for _, slot := range f.Outputs {
		out := &types.Artifact{
			Hash:       hash.ForOutput(opHash, slot.Name),
			Encoding:   slot.Encoding,
			ParentOp:   opHash,
			ParentSlot: slot.Name,
		}
		outputs = append(outputs, out)
		bindings[slot.Name] = out.Hash
	}

	op := &types.Operation{
		Hash:    opHash,
		Funsie:  funsie,
		Inputs:  inputs,
		Outputs: bindings,
	}

	created, err := st.PutOperation(ctx, op, outputs)
	if err != nil {
		return nil, false, err
	}
	return op, created, nil
}

// refuseCycle rejects input bindings whose transitive producer set contains
// the operation being created. The hash scheme makes a cycle impossible to
// build honestly; this guards against a handcrafted one.
func refuseCycle(ctx context.Context, st storage.Store, op types.Hash, inputs map[string]types.Hash) error {
	visited := make(map[types.Hash]bool)
	frontier := make([]types.Hash, 0, len(inputs))
	for _, in := range inputs {
		frontier = append(frontier, in)
	}

	for len(frontier) > 0 {
		art := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if visited[art] {
			continue
		}
		visited[art] = true

		producer, isConst, err := st.Producer(ctx, art)
		if err != nil {
			return fmt.Errorf("unknown input artifact %s: %w", art.Short(), err)
		}
		if isConst {
			continue
		}
		if producer == op {
			return fmt.Errorf("operation %s would consume its own output", op.Short())
		}
		parent, err := st.GetOperation(ctx, producer)
		if err != nil {
			return err
		}
		for _, in := range parent.Inputs {
			frontier = append(frontier, in)
		}
	}
	return nil
}
