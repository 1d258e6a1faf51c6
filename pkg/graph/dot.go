package graph

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
)

var statusColors = map[types.ArtifactStatus]string{
	types.StatusUnresolved: "gray",
	types.StatusReady:      "green3",
	types.StatusError:      "red",
	types.StatusLinked:     "steelblue",
}

// WriteDOT emits the full provenance graph in Graphviz DOT form: artifacts
// as ellipses colored by status, operations as boxes, subdag generation as
// dashed edges.
func WriteDOT(ctx context.Context, st storage.Store, w io.Writer) error {
	arts, err := st.ListArtifacts(ctx)
	if err != nil {
		return err
	}
	ops, err := st.ListOperations(ctx)
	if err != nil {
		return err
	}
	sortHashes(arts)
	sortHashes(ops)

	if _, err := fmt.Fprintln(w, "digraph provenance {"); err != nil {
		return err
	}
	fmt.Fprintln(w, "  rankdir=LR;")

	for _, a := range arts {
		status, err := st.ArtifactStatus(ctx, a)
		if err != nil {
			return err
		}
		color := statusColors[status]
		if color == "" {
			color = "gray"
		}
		fmt.Fprintf(w, "  %q [shape=ellipse, color=%s, label=\"%s\\n%s\"];\n",
			a.String(), color, a.Short(), status)
	}

	for _, o := range ops {
		op, err := st.GetOperation(ctx, o)
		if err != nil {
			return err
		}
		f, err := st.GetFunsie(ctx, op.Funsie)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %q [shape=box, label=\"%s\\n%s\"];\n", o.String(), o.Short(), f.Kind)

		for _, slot := range sortedKeys(op.Inputs) {
			fmt.Fprintf(w, "  %q -> %q [label=%q];\n", op.Inputs[slot].String(), o.String(), slot)
		}
		for _, slot := range sortedKeys(op.Outputs) {
			fmt.Fprintf(w, "  %q -> %q [label=%q];\n", o.String(), op.Outputs[slot].String(), slot)
		}

		generated, err := st.SubdagOps(ctx, o)
		if err != nil {
			return err
		}
		sortHashes(generated)
		for _, g := range generated {
			fmt.Fprintf(w, "  %q -> %q [style=dashed];\n", o.String(), g.String())
		}
	}

	_, err = fmt.Fprintln(w, "}")
	return err
}

func sortHashes(hs []types.Hash) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].String() < hs[j].String() })
}

func sortedKeys(m map[string]types.Hash) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
