package engine

import (
	"io"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-offload/errors"
)

const (
	// DefaultMemoryPages is 16MB of engine memory per process.
	DefaultMemoryPages = 256
	// MaxMemoryPages is the largest memory whose byte size fits in uint32.
	MaxMemoryPages = 65535

	pageSize = 65536
)

// Config holds configuration for engine creation.
type Config struct {
	// Name is used in log lines only.
	Name string `yaml:"name" env:"WASM_OFFLOAD_NAME"`

	// Nodes is the number of nodes. Valid node ids are 0..Nodes-1.
	Nodes int `yaml:"nodes" env:"WASM_OFFLOAD_NODES,strict"`

	// MaxProcessesPerNode bounds concurrently open processes on one node.
	// 0 means unbounded.
	MaxProcessesPerNode int `yaml:"max_processes_per_node" env:"WASM_OFFLOAD_MAX_PROCESSES_PER_NODE,strict"`

	// MemoryPages is the fixed size of each process's memory in 64KB pages.
	// Engine memory never grows.
	MemoryPages uint32 `yaml:"memory_pages" env:"WASM_OFFLOAD_MEMORY_PAGES,strict"`

	// ReservedBytes keeps [0, ReservedBytes) of each process's memory out of
	// the allocator, for libraries whose static region cannot be read from
	// their image. Regions that can be read are reserved at load time.
	ReservedBytes uint32 `yaml:"reserved_bytes" env:"WASM_OFFLOAD_RESERVED_BYTES,strict"`

	// MaxQueueDepth bounds the operations queued on one stream. 0 means
	// unbounded.
	MaxQueueDepth int `yaml:"max_queue_depth" env:"WASM_OFFLOAD_MAX_QUEUE_DEPTH,strict"`
}

// DefaultConfig returns the configuration used when nil is passed to New.
func DefaultConfig() *Config {
	return &Config{
		Name:        "wasm-offload",
		Nodes:       1,
		MemoryPages: DefaultMemoryPages,
	}
}

// LoadConfig reads a YAML document over the defaults and then applies
// WASM_OFFLOAD_* environment overrides. A nil reader skips the YAML step.
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if r != nil {
		if err := yaml.NewDecoder(r).Decode(cfg); err != nil && err != io.EOF {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode yaml")
		}
	}
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	switch {
	case c.Nodes < 1:
		return errors.InvalidInput(errors.PhaseConfig, "nodes must be at least 1")
	case c.MaxProcessesPerNode < 0:
		return errors.InvalidInput(errors.PhaseConfig, "max_processes_per_node must not be negative")
	case c.MemoryPages == 0 || c.MemoryPages > MaxMemoryPages:
		return errors.InvalidInput(errors.PhaseConfig, "memory_pages must be in 1..65535")
	case uint64(c.ReservedBytes) >= uint64(c.MemoryPages)*pageSize:
		return errors.InvalidInput(errors.PhaseConfig, "reserved_bytes must be below the memory size")
	case c.MaxQueueDepth < 0:
		return errors.InvalidInput(errors.PhaseConfig, "max_queue_depth must not be negative")
	}
	return nil
}
