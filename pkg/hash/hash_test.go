package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-io/loom/pkg/types"
)

func TestForFunsieDeterministic(t *testing.T) {
	f := &types.Funsie{
		Kind:     types.KindShell,
		Commands: []string{"cat in.txt"},
		Inputs:   []types.Slot{{Name: "in.txt", Encoding: types.EncodingBytes}},
		Outputs:  []types.Slot{{Name: "stdout0", Encoding: types.EncodingBytes}},
		Strict:   true,
	}
	assert.Equal(t, ForFunsie(f), ForFunsie(f))

	clone := *f
	assert.Equal(t, ForFunsie(f), ForFunsie(&clone))
}

func TestForFunsieFieldsParticipate(t *testing.T) {
	base := types.Funsie{
		Kind:     types.KindShell,
		Commands: []string{"echo a", "echo b"},
		Outputs:  []types.Slot{{Name: "out", Encoding: types.EncodingBytes}},
		Strict:   true,
	}

	tests := []struct {
		name   string
		mutate func(f *types.Funsie)
	}{
		{"command order", func(f *types.Funsie) { f.Commands = []string{"echo b", "echo a"} }},
		{"kind", func(f *types.Funsie) { f.Kind = types.KindCallable }},
		{"strictness", func(f *types.Funsie) { f.Strict = false }},
		{"extra", func(f *types.Funsie) { f.Extra = []byte("v2") }},
		{"output encoding", func(f *types.Funsie) { f.Outputs[0].Encoding = types.EncodingJSON }},
		{"input added", func(f *types.Funsie) {
			f.Inputs = []types.Slot{{Name: "x", Encoding: types.EncodingBytes}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := base
			mutated.Commands = append([]string(nil), base.Commands...)
			mutated.Outputs = append([]types.Slot(nil), base.Outputs...)
			tt.mutate(&mutated)
			assert.NotEqual(t, ForFunsie(&base), ForFunsie(&mutated))
		})
	}
}

func TestForOperationBindingOrderIrrelevant(t *testing.T) {
	fh := ForFunsie(&types.Funsie{Kind: types.KindShell, Commands: []string{"true"}})
	a := ForConst(types.EncodingBytes, []byte("a"))
	b := ForConst(types.EncodingBytes, []byte("b"))

	// Maps have no order; identity must come from sorted keys.
	m1 := map[string]types.Hash{"x": a, "y": b}
	m2 := map[string]types.Hash{"y": b, "x": a}
	assert.Equal(t, ForOperation(fh, m1), ForOperation(fh, m2))

	// Swapping which artifact sits in which slot is a different operation.
	m3 := map[string]types.Hash{"x": b, "y": a}
	assert.NotEqual(t, ForOperation(fh, m1), ForOperation(fh, m3))
}

func TestForConstCollapsesIdenticalContent(t *testing.T) {
	h1 := ForConst(types.EncodingBytes, []byte("hi"))
	h2 := ForConst(types.EncodingBytes, []byte("hi"))
	assert.Equal(t, h1, h2)

	// Encoding is part of the content identity.
	h3 := ForConst(types.EncodingJSON, []byte("hi"))
	assert.NotEqual(t, h1, h3)
}

func TestForOutputCausal(t *testing.T) {
	op := ForOperation(ForFunsie(&types.Funsie{Kind: types.KindShell}), nil)

	assert.Equal(t, ForOutput(op, "out"), ForOutput(op, "out"))
	assert.NotEqual(t, ForOutput(op, "out"), ForOutput(op, "stdout0"))

	other := ForOperation(ForFunsie(&types.Funsie{Kind: types.KindShell, Extra: []byte("x")}), nil)
	assert.NotEqual(t, ForOutput(op, "out"), ForOutput(other, "out"))
}

func TestDomainsDisjoint(t *testing.T) {
	// A const artifact and a funsie over the same payload must not collide.
	f := &types.Funsie{Kind: types.KindDataSource}
	assert.NotEqual(t, ForFunsie(f), ForConst(types.EncodingBytes, nil))
}

func TestNormalizePrefix(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"aBcD", "abcd", false},
		{"  deadbeef ", "deadbeef", false},
		{"abc", "", true},
		{"xyzw", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizePrefix(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "prefix %q", tt.in)
			continue
		}
		require.NoError(t, err, "prefix %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}
