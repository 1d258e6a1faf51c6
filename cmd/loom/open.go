package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tessellate-io/loom/pkg/config"
	"github.com/tessellate-io/loom/pkg/queue"
	"github.com/tessellate-io/loom/pkg/storage"
	"github.com/tessellate-io/loom/pkg/workflow"
)

// loadConfig reads the config file and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	flags := rootCmd.PersistentFlags()

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("store") {
		cfg.Store.Backend, _ = flags.GetString("store")
	}
	if flags.Changed("redis-addr") {
		cfg.Store.Redis.Addr, _ = flags.GetString("redis-addr")
	}
	if flags.Changed("data-dir") {
		cfg.Store.Bolt.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("queue") {
		cfg.Queue.Name, _ = flags.GetString("queue")
	}
	return cfg, cfg.Validate()
}

// openStore builds the configured store and queue.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, queue.Queue, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		store, err := storage.NewRedisStore(ctx, client)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to open redis store at %s: %w", cfg.Store.Redis.Addr, err)
		}
		return store, queue.NewRedisQueue(client, cfg.Queue.Name), nil

	case config.BackendBolt:
		store, err := storage.NewBoltStore(cfg.Store.Bolt.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bolt store in %s: %w", cfg.Store.Bolt.DataDir, err)
		}
		return store, queue.NewMemoryQueue(), nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// openSession builds an owning workflow session for one command invocation.
func openSession(cmd *cobra.Command) (*workflow.Session, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, q, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return workflow.Own(store, q), cfg, nil
}
