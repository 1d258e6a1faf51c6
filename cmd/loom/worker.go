package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tessellate-io/loom/pkg/log"
	"github.com/tessellate-io/loom/pkg/metrics"
	"github.com/tessellate-io/loom/pkg/runtime"
	"github.com/tessellate-io/loom/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one worker",
	Long: `Run one stateless worker: claim operations from the job queue,
execute them, commit results, repeat. Any number of workers may run
against the same store. SIGTERM drains: the current operation finishes
and publishes its result before the process exits.

The stock binary executes shell operations; binaries embedding loom
register their callables and subdag generators before starting workers.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("id", "", "Worker ID (generated if empty)")
	workerCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	workerCmd.Flags().String("scratch-dir", "", "Base directory for shell scratch space")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("scratch-dir"); v != "" {
		cfg.Worker.ScratchDir = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.Worker.MetricsAddr = v
	}
	workerID, _ := cmd.Flags().GetString("id")

	store, q, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	defer q.Close()

	metrics.Init()
	if cfg.Worker.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.Worker.MetricsAddr); err != nil {
				log.Errorf("Metrics server failed", err)
			}
		}()
	}

	rt := runtime.New(store, q, runtime.NewRegistry(), cfg.Worker.ScratchDir)
	w := worker.NewWorker(store, q, rt, worker.Config{
		ID:           workerID,
		Heartbeat:    cfg.Worker.Heartbeat.Std(),
		ReclaimAfter: cfg.Worker.ReclaimAfter.Std(),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		fmt.Printf("Received %s, draining worker %s...\n", sig, w.ID())
		w.Stop()
	}()

	fmt.Printf("Worker %s started (queue %q, store %s)\n", w.ID(), cfg.Queue.Name, cfg.Store.Backend)
	return w.Run(cmd.Context())
}
