// Package ioconfig carries the tunable constants of the disk I/O core:
// queue sizing, async-I/O depth, priority reservations, and slab growth
// parameters. A YAML file can override DefaultConfig; the core never reads
// files itself.
package ioconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// MiB is one mebibyte, used to size slab chunk growth.
	MiB = 1024 * 1024

	// AIOHighPrioSlots is the number of async-I/O slots permanently
	// reserved for high-priority (read) traffic. Low-priority write-back
	// requests may never use these slots.
	AIOHighPrioSlots = 7
)

// Config holds every tunable named in the external interfaces section.
// Load starts from DefaultConfig, so fields a YAML file leaves out keep
// their default values.
type Config struct {
	// PageSize is the fixed page buffer size in bytes.
	PageSize int `yaml:"page_size"`

	// AIODepthPerFile is the async-I/O submission depth ceiling for a
	// single disk's service. Must be greater than AIOHighPrioSlots.
	AIODepthPerFile int `yaml:"aio_depth_per_file"`

	// NumDirtyPagesToFetch is the flush budget solicited from the page
	// cache per idle round of the service main loop.
	NumDirtyPagesToFetch int `yaml:"num_dirty_pages_to_fetch"`

	// DiscardFlushThreshold is the flush-score age past which a queued
	// write-back is discarded instead of submitted.
	DiscardFlushThreshold int64 `yaml:"discard_flush_threshold"`

	// IOQueueSize is the bounded capacity of each priority queue.
	IOQueueSize int `yaml:"io_queue_size"`

	// IOMsgSize is the number of messages a disk service drains from a
	// queue in one fetch (diskio.Config.MsgBatchSize).
	IOMsgSize int `yaml:"io_msg_size"`

	// LocalBufSize is the per-goroutine front-end cache size for the slab
	// allocator. Zero disables the front-end entirely.
	LocalBufSize int `yaml:"local_buf_size"`

	// ShrinkNPages is the minimum number of pages solicited from a victim
	// cache during cross-cache reclamation.
	ShrinkNPages int `yaml:"shrink_npages"`

	// IncreaseSize is the slab's chunk growth size in bytes.
	IncreaseSize int64 `yaml:"increase_size"`

	// SlabCeilingBytes is the slab's hard ceiling. Zero means unbounded
	// (grows until the host is out of memory).
	SlabCeilingBytes int64 `yaml:"slab_ceiling_bytes"`

	// StatsIntervalCron is a cron(v3) schedule (with seconds field)
	// controlling how often iometrics reports a stats snapshot.
	StatsIntervalCron string `yaml:"stats_interval_cron"`
}

// DefaultConfig returns the constants named in spec section 6.
func DefaultConfig() *Config {
	return &Config{
		PageSize:              4096,
		AIODepthPerFile:       32,
		NumDirtyPagesToFetch:  288,
		DiscardFlushThreshold: 64,
		IOQueueSize:           1024,
		IOMsgSize:             32,
		LocalBufSize:          16,
		ShrinkNPages:          1024,
		IncreaseSize:          128 * MiB,
		SlabCeilingBytes:      0,
		StatsIntervalCron:     "* * * * * *",
	}
}

// Load reads a YAML config file and layers it over DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the cross-field invariants the core relies on.
func (c *Config) Validate() error {
	if c.AIODepthPerFile <= AIOHighPrioSlots {
		return fmt.Errorf("aio_depth_per_file (%d) must exceed AIOHighPrioSlots (%d)",
			c.AIODepthPerFile, AIOHighPrioSlots)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.IOQueueSize <= 0 {
		return fmt.Errorf("io_queue_size must be positive, got %d", c.IOQueueSize)
	}
	if c.IOMsgSize <= 0 {
		return fmt.Errorf("io_msg_size must be positive, got %d", c.IOMsgSize)
	}
	if c.IncreaseSize <= 0 {
		return fmt.Errorf("increase_size must be positive, got %d", c.IncreaseSize)
	}
	return nil
}

// LowPrioCeiling returns the maximum number of low-priority requests that
// may be in flight simultaneously: AIODepthPerFile - AIOHighPrioSlots.
func (c *Config) LowPrioCeiling() int {
	return c.AIODepthPerFile - AIOHighPrioSlots
}
