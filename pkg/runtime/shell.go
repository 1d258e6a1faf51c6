package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/tessellate-io/loom/pkg/types"
)

// captureSlot matches the positional stdout/stderr capture names declared
// by shell funsies: stdout0, stderr0, stdout1, ...
var captureSlot = regexp.MustCompile(`^(stdout|stderr)(\d+)$`)

// CaptureName returns the artifact name of a command's captured stream.
func CaptureName(stream string, index int) string {
	return stream + strconv.Itoa(index)
}

// runShell executes a shell funsie inside a private scratch directory:
// materialize inputs as files named after their slots, run the commands in
// sequence, capture per-command stdout/stderr, and collect declared output
// files. The scratch directory is removed on every exit path. Commands run as
// ordinary /bin/sh processes with it as working directory and are not
// otherwise confined, so writes elsewhere on the host are not undone.
func (r *Runtime) runShell(ctx context.Context, f *types.Funsie, op *types.Operation) (map[string]outValue, bool, error) {
	if err := os.MkdirAll(r.scratchBase, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create scratch base: %w", err)
	}
	scratch := filepath.Join(r.scratchBase, "op-"+uuid.NewString())
	if err := os.Mkdir(scratch, 0o700); err != nil {
		return nil, false, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	// Materialize inputs. Shell operations are strict, so every input is
	// ready by the time we run.
	for _, slot := range f.Inputs {
		artHash := op.Inputs[slot.Name]
		resolved, err := r.store.ResolveLink(ctx, artHash)
		if err != nil {
			return nil, false, err
		}
		data, err := r.store.GetArtifactData(ctx, resolved)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read input %q: %w", slot.Name, err)
		}
		path := filepath.Join(scratch, slot.Name)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, false, fmt.Errorf("failed to materialize input %q: %w", slot.Name, err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, false, fmt.Errorf("failed to materialize input %q: %w", slot.Name, err)
		}
	}

	captured := make(map[string][]byte)
	var failRec *types.ErrorRecord

	for i, command := range f.Commands {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Dir = scratch

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		captured[CaptureName("stdout", i)] = stdout.Bytes()
		captured[CaptureName("stderr", i)] = stderr.Bytes()

		if runErr != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				failRec = &types.ErrorRecord{
					Kind:    types.ErrTimeout,
					Origin:  op.Hash,
					Message: fmt.Sprintf("command %d timed out", i),
				}
				break
			}
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				failRec = &types.ErrorRecord{
					Kind:    types.ErrNonzeroExit,
					Origin:  op.Hash,
					Message: fmt.Sprintf("command %d exited %d", i, exitErr.ExitCode()),
				}
				break
			}
			return nil, false, fmt.Errorf("failed to run command %d: %w", i, runErr)
		}
	}

	results := make(map[string]outValue, len(f.Outputs))
	for _, slot := range f.Outputs {
		if captureSlot.MatchString(slot.Name) {
			if data, ok := captured[slot.Name]; ok {
				results[slot.Name] = outValue{data: data}
			} else {
				// The owning command never ran.
				results[slot.Name] = outValue{err: failRec}
			}
			continue
		}

		if failRec != nil {
			results[slot.Name] = outValue{err: failRec}
			continue
		}
		data, err := os.ReadFile(filepath.Join(scratch, slot.Name))
		if err != nil {
			results[slot.Name] = outValue{err: &types.ErrorRecord{
				Kind:    types.ErrMissingOutput,
				Origin:  op.Hash,
				Message: fmt.Sprintf("output file %q was not produced", slot.Name),
			}}
			continue
		}
		results[slot.Name] = outValue{data: data}
	}

	return results, failRec != nil, nil
}
