package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	wasmoffload "github.com/wippyai/wasm-offload"
	"github.com/wippyai/wasm-offload/errors"
)

// Engine implements wasmoffload.Driver. Every process it opens is an
// isolated wazero runtime with its own fixed-size memory.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	counts map[int]int
	procs  map[*Process]struct{}
	closed bool
}

var _ wasmoffload.Driver = (*Engine)(nil)

// New creates an engine. A nil cfg uses DefaultConfig.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	Logger().Debug("engine created",
		zap.String("engine", cfg.Name),
		zap.Int("nodes", cfg.Nodes),
		zap.Uint32("memory_pages", cfg.MemoryPages))
	return &Engine{
		cfg:    *cfg,
		counts: make(map[int]int),
		procs:  make(map[*Process]struct{}),
	}, nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Open implements wasmoffload.Driver.
func (e *Engine) Open(ctx context.Context, node int) (wasmoffload.Transport, error) {
	p, err := e.OpenProcess(ctx, node)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// OpenProcess starts an engine process on node.
func (e *Engine) OpenProcess(ctx context.Context, node int) (*Process, error) {
	if err := e.reserve(node); err != nil {
		return nil, err
	}
	p, err := newProcess(ctx, e, node)
	if err != nil {
		e.unreserve(node)
		return nil, err
	}

	e.mu.Lock()
	e.procs[p] = struct{}{}
	e.mu.Unlock()
	return p, nil
}

func (e *Engine) reserve(node int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || node < 0 || node >= e.cfg.Nodes {
		return errors.Unavailable(node)
	}
	if limit := e.cfg.MaxProcessesPerNode; limit > 0 && e.counts[node] >= limit {
		return errors.ResourceExhausted(errors.PhaseProcess,
			fmt.Sprintf("node %d is at capacity (%d processes)", node, limit))
	}
	e.counts[node]++
	return nil
}

func (e *Engine) unreserve(node int) {
	e.mu.Lock()
	e.counts[node]--
	e.mu.Unlock()
}

// release is called by a process once it is closed.
func (e *Engine) release(p *Process) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.procs[p]; !ok {
		return
	}
	delete(e.procs, p)
	e.counts[p.node]--
}

// Processes returns the number of open processes on node.
func (e *Engine) Processes(node int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[node]
}

// Close closes every process still open and refuses new ones.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	procs := make([]*Process, 0, len(e.procs))
	for p := range e.procs {
		procs = append(procs, p)
	}
	e.mu.Unlock()

	var err error
	for _, p := range procs {
		err = multierr.Append(err, p.Close(ctx))
	}
	return err
}
