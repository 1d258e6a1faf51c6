package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tessellate-io/loom/pkg/graph"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/types"
)

var catCmd = &cobra.Command{
	Use:   "cat HASH",
	Short: "Print a ready artifact's bytes to stdout",
	Long: `Print the bytes of a ready artifact to stdout. Linked artifacts are
followed to their storage location.

Exit codes: 0 printed, 1 artifact ended in error, 2 not found.`,
	Args: cobra.ExactArgs(1),
	RunE: runCat,
}

func init() {
	catCmd.Flags().Bool("error", false, "Print the error record of an errored artifact")
	catCmd.SilenceUsage = true
}

func runCat(cmd *cobra.Command, args []string) error {
	ws, _, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer ws.Close()

	ctx := cmd.Context()
	h, err := ws.ResolvePrefix(ctx, args[0])
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Error: no artifact matches %q\n", args[0])
		os.Exit(2)
	}
	if err != nil {
		return err
	}

	status, resolved, err := graph.TerminalStatus(ctx, ws.Store(), h)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Error: %q is not an artifact\n", args[0])
		os.Exit(2)
	}
	if err != nil {
		return err
	}

	switch status {
	case types.StatusReady:
		data, err := ws.Store().GetArtifactData(ctx, resolved)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err

	case types.StatusError:
		rec, err := ws.Store().ArtifactError(ctx, resolved)
		if err != nil {
			return err
		}
		if show, _ := cmd.Flags().GetBool("error"); show {
			out, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		} else {
			fmt.Fprintf(os.Stderr, "Error: artifact %s ended in error: %s\n", h.Short(), rec.Error())
		}
		os.Exit(1)

	default:
		fmt.Fprintf(os.Stderr, "Error: artifact %s is not terminal (status %s)\n", h.Short(), status)
		os.Exit(1)
	}
	return nil
}
