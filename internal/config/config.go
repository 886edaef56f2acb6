// Package config holds the tunable constants of the storage core and loads
// overrides from an optional YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the set of tunables named in numstore's persistent-format
// section. Every field has a default matching the spec; a YAML file only
// needs to set the fields it wants to override.
type Config struct {
	// PageSize is the size in bytes of every page in the data file and
	// every page-image slot in the WAL.
	PageSize int `yaml:"page_size"`

	// MemoryPageLen is the number of page frames held by the buffer
	// manager's pool.
	MemoryPageLen int `yaml:"memory_page_len"`

	// WALBufferCap is the size in bytes of the WAL's in-memory write
	// buffer before it must flush.
	WALBufferCap int `yaml:"wal_buffer_cap"`

	// MaxNupdSize bounds the length of a node_updates buffer, i.e. how
	// many sibling pages a single rebalance pass may touch.
	MaxNupdSize int `yaml:"max_nupd_size"`

	// MaxTids bounds the size of the in-memory transaction table.
	MaxTids int `yaml:"max_tids"`

	// InnerMaxKeys bounds how many keys (and children) an INNER_NODE page
	// may hold before it must split. 0 means "derive from PageSize".
	InnerMaxKeys int `yaml:"inner_max_keys"`

	// CheckpointCron is a 6-field (with seconds) CRON expression
	// controlling how often the engine's background scheduler runs a
	// checkpoint. Empty disables the background job; callers may still
	// checkpoint manually.
	CheckpointCron string `yaml:"checkpoint_cron"`

	// EngineWorkers bounds the size of the engine's worker pool, used to
	// run concurrent read operations without serializing them behind a
	// single goroutine.
	EngineWorkers int `yaml:"engine_workers"`
}

// Default returns the built-in defaults from numstore's persistent-format
// section (PAGE_SIZE=2048, MEMORY_PAGE_LEN=100, WAL_BUFFER_CAP=10^6,
// MAX_NUPD_SIZE=200, MAX_TIDS=1000).
func Default() Config {
	return Config{
		PageSize:      2048,
		MemoryPageLen: 100,
		WALBufferCap:  1_000_000,
		MaxNupdSize:   200,
		MaxTids:        1000,
		InnerMaxKeys:   0,
		CheckpointCron: "0 */5 * * * *",
		EngineWorkers:  4,
	}
}

// Load reads a YAML config file and overlays it onto Default(). A missing
// file is not an error: the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that the tunables are in sane ranges.
func (c Config) Validate() error {
	if c.PageSize < 512 {
		return fmt.Errorf("page_size %d too small", c.PageSize)
	}
	if c.MemoryPageLen < 4 {
		return fmt.Errorf("memory_page_len %d too small", c.MemoryPageLen)
	}
	if c.WALBufferCap < c.PageSize {
		return fmt.Errorf("wal_buffer_cap %d smaller than page_size", c.WALBufferCap)
	}
	if c.MaxTids < 1 {
		return fmt.Errorf("max_tids %d too small", c.MaxTids)
	}
	return nil
}

// InnerMaxKeysFor derives the maximum number of keys an INNER_NODE page can
// hold, given the page size, when InnerMaxKeys is left at 0. Mirrors the
// spec's "minimum fanout ~5, derived from the page size".
func (c Config) InnerMaxKeysFor() int {
	if c.InnerMaxKeys > 0 {
		return c.InnerMaxKeys
	}
	// Each child pointer is 8 bytes (pgno), each key is 8 bytes (b_size).
	// usable = PageSize - headerOverhead; nkeys*16 + 8 <= usable.
	const headerOverhead = 13 + 8 + 8 + 4 // common header + next + prev + nkeys
	usable := c.PageSize - headerOverhead
	n := (usable - 8) / 16
	if n < 4 {
		n = 4
	}
	return n
}
