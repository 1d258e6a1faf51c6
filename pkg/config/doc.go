// Package config loads loom's YAML configuration: store backend selection
// (shared Redis or embedded bolt), queue name, worker tuning and logging.
// CLI flags override individual fields after loading.
package config
