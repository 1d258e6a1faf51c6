package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tessellate-io/loom/pkg/graph"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Emit the provenance graph as DOT",
	Long: `Emit the full provenance graph in Graphviz DOT form: artifacts as
ellipses colored by status, operations as boxes, subdag generation as
dashed edges.

  loom graph | dot -Tsvg -o provenance.svg`,
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().String("out", "", "Write DOT to this file instead of stdout")
}

func runGraph(cmd *cobra.Command, args []string) error {
	ws, _, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer ws.Close()

	out := os.Stdout
	if path, _ := cmd.Flags().GetString("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	return graph.WriteDOT(cmd.Context(), ws.Store(), out)
}
