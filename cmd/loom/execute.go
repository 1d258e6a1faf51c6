package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tessellate-io/loom/pkg/config"
	"github.com/tessellate-io/loom/pkg/executor"
	"github.com/tessellate-io/loom/pkg/graph"
	"github.com/tessellate-io/loom/pkg/runtime"
	"github.com/tessellate-io/loom/pkg/types"
	"github.com/tessellate-io/loom/pkg/worker"
	"github.com/tessellate-io/loom/pkg/workflow"
)

var executeCmd = &cobra.Command{
	Use:   "execute HASH...",
	Short: "Enqueue target artifacts and wait for them",
	Long: `Submit the target artifacts (full hashes or unambiguous prefixes of
at least 4 hex chars) and block until every one is terminal. Exits 0 when
all targets end ready, 1 when any ends in error.

With the bolt backend an in-process worker pool executes the graph; with
redis the fleet's workers do.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExecute,
}

func init() {
	executeCmd.Flags().Duration("timeout", 0, "Give up waiting after this long (0 = wait forever)")
	executeCmd.Flags().Int("local-workers", 2, "In-process workers for the bolt backend")
}

func runExecute(cmd *cobra.Command, args []string) error {
	ws, cfg, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer ws.Close()

	ctx := cmd.Context()
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	targets := make([]types.Hash, 0, len(args))
	for _, arg := range args {
		h, err := ws.ResolvePrefix(ctx, arg)
		if err != nil {
			return fmt.Errorf("target %q: %w", arg, err)
		}
		if _, err := ws.Store().ArtifactStatus(ctx, h); err != nil {
			return fmt.Errorf("target %q is not an artifact", arg)
		}
		targets = append(targets, h)
	}

	// The bolt backend is single-process: nothing else can work the queue,
	// so spin up a local pool for the duration of the wait.
	if cfg.Store.Backend == config.BackendBolt {
		stop := startLocalWorkers(ctx, cmd, cfg, ws)
		defer stop()
	}

	ex := executor.New(ws.Store(), ws.Queue()).WithPoll(cfg.Executor.Poll.Std())
	if err := ex.Run(ctx, targets); err != nil {
		return err
	}

	errored := 0
	for _, t := range targets {
		status, _, err := graph.TerminalStatus(ctx, ws.Store(), t)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", t, status)
		if status == types.StatusError {
			errored++
		}
	}
	if errored > 0 {
		return fmt.Errorf("%d of %d targets ended in error", errored, len(targets))
	}
	return nil
}

func startLocalWorkers(ctx context.Context, cmd *cobra.Command, cfg *config.Config, ws *workflow.Session) func() {
	n, _ := cmd.Flags().GetInt("local-workers")
	if n < 1 {
		n = 1
	}

	workers := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		rt := runtime.New(ws.Store(), ws.Queue(), runtime.NewRegistry(), cfg.Worker.ScratchDir)
		w := worker.NewWorker(ws.Store(), ws.Queue(), rt, worker.Config{
			Heartbeat:    cfg.Worker.Heartbeat.Std(),
			ReclaimAfter: cfg.Worker.ReclaimAfter.Std(),
			ClaimWait:    200 * time.Millisecond,
		})
		workers = append(workers, w)
		go func() { _ = w.Run(ctx) }()
	}
	return func() {
		for _, w := range workers {
			w.Stop()
		}
	}
}
