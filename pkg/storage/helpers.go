package storage

import (
	"sort"

	"github.com/tessellate-io/loom/pkg/types"
)

// sortedBindings returns binding values in ascending slot-name order so
// script key layouts are deterministic.
func sortedBindings(m map[string]types.Hash) []types.Hash {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]types.Hash, 0, len(m))
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}

// sortedRedirects returns redirect source hashes in ascending hex order.
func sortedRedirects(m map[types.Hash]types.Hash) []types.Hash {
	out := make([]types.Hash, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
