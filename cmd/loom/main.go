package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tessellate-io/loom/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - decentralized content-addressed workflow engine",
	Long: `Loom executes computational pipelines described as DAGs of shell
commands and in-process callables across a fleet of stateless workers
backed by a shared key/value store.

Every operation and artifact is identified by a causal content hash, so
identical work collapses across machines and time: caching, deduplication
and incremental re-execution need no scheduler, no locks and no naming
scheme.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Loom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to loom.yaml config file")
	rootCmd.PersistentFlags().String("store", "", "Store backend (redis, bolt)")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address (host:port)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory for the bolt backend")
	rootCmd.PersistentFlags().String("queue", "", "Job queue name")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	// Add subcommands
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Loom version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
