package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tessellate-io/loom/pkg/storage"
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Signal workers to drain",
	Long: `Ask workers to finish their current operation, publish its result
and exit. With --worker only the named worker drains; the default (--all)
drains every worker listening on the store's control channel.`,
	RunE: runShutdown,
}

func init() {
	shutdownCmd.Flags().Bool("all", true, "Drain all workers")
	shutdownCmd.Flags().String("worker", "", "Drain only the worker with this ID")
}

func runShutdown(cmd *cobra.Command, args []string) error {
	ws, _, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer ws.Close()

	target, _ := cmd.Flags().GetString("worker")
	if err := ws.Store().PublishControl(cmd.Context(), storage.ControlMessage{
		Drain:  true,
		Worker: target,
	}); err != nil {
		return err
	}

	if target == "" {
		fmt.Println("Drain signal sent to all workers")
	} else {
		fmt.Printf("Drain signal sent to worker %s\n", target)
	}
	return nil
}
