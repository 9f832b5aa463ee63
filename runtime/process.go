package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	wasmoffload "github.com/wippyai/wasm-offload"
	"github.com/wippyai/wasm-offload/abi"
	"github.com/wippyai/wasm-offload/errors"
)

// DefaultCloseTimeout bounds Process.Close when the caller's context has no
// deadline.
const DefaultCloseTimeout = 30 * time.Second

// Config holds optional process settings.
type Config struct {
	// Logger receives process logs. Nil uses the package Logger.
	Logger *zap.Logger

	// Metrics receives request and process telemetry. Nil disables it.
	Metrics *Metrics

	// OnStart runs exactly once, synchronously, after the engine process is
	// attached and before Open returns. An error closes the process and
	// fails Open.
	OnStart func(ctx context.Context, p *Process) error

	// CloseTimeout bounds Close when its context has no deadline.
	// 0 means DefaultCloseTimeout.
	CloseTimeout time.Duration
}

// Allocation is an engine memory range returned by AllocMem.
type Allocation struct {
	Addr abi.Addr
	Size uint64
}

// Process owns one engine process: its libraries, contexts and
// allocations. Control operations are serialized by a single mutex; calls
// and transfers go through contexts and never take it for long.
type Process struct {
	id           string
	tr           wasmoffload.Transport
	log          *zap.Logger
	metrics      *Metrics
	closeTimeout time.Duration
	faulted      atomic.Bool

	mu       sync.Mutex
	libs     []*Library
	contexts map[uint64]*Context
	allocs   map[abi.Addr]uint64
	nextCtx  uint64
	closed   bool
}

// Open attaches to an engine process on node.
func Open(ctx context.Context, d wasmoffload.Driver, node int) (*Process, error) {
	return OpenWithConfig(ctx, d, node, nil)
}

// OpenWithConfig attaches to an engine process on node using cfg.
func OpenWithConfig(ctx context.Context, d wasmoffload.Driver, node int, cfg *Config) (*Process, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	tr, err := d.Open(ctx, node)
	if err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}
	p := &Process{
		id:           id,
		tr:           tr,
		log:          log.With(zap.String("process", id), zap.Int("node", node)),
		metrics:      cfg.Metrics,
		closeTimeout: cfg.CloseTimeout,
		contexts:     make(map[uint64]*Context),
		allocs:       make(map[abi.Addr]uint64),
	}
	if p.closeTimeout <= 0 {
		p.closeTimeout = DefaultCloseTimeout
	}
	p.metrics.processOpened()
	p.log.Debug("process opened")

	if cfg.OnStart != nil {
		if err := cfg.OnStart(ctx, p); err != nil {
			closeErr := p.Close(ctx)
			return nil, multierr.Append(
				errors.Wrap(errors.PhaseProcess, errors.KindInvalidInput, err, "start hook"),
				closeErr)
		}
	}
	return p, nil
}

// ID returns the process instance identifier used in logs.
func (p *Process) ID() string { return p.id }

// Node returns the node the process runs on.
func (p *Process) Node() int { return p.tr.Node() }

// check returns handle_invalidated once the process is closed.
func (p *Process) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkLocked()
}

func (p *Process) checkLocked() error {
	if p.closed {
		return errors.HandleInvalidated("process " + p.id)
	}
	return nil
}

// LoadLibrary loads the library image at path into the engine process.
func (p *Process) LoadLibrary(ctx context.Context, path string) (*Library, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	id, err := p.tr.LoadLibrary(ctx, path)
	if err != nil {
		return nil, err
	}

	lib := newLibrary(p, id, path)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(); err != nil {
		return nil, err
	}
	p.libs = append(p.libs, lib)
	p.log.Debug("library loaded", zap.String("path", path))
	return lib, nil
}

// OpenContext creates an execution context with its own ordered stream.
func (p *Process) OpenContext(ctx context.Context) (*Context, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	stream, err := p.tr.OpenStream(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(); err != nil {
		_ = p.tr.CloseStream(stream)
		return nil, err
	}
	p.nextCtx++
	c := newContext(p, p.nextCtx, stream)
	p.contexts[c.id] = c
	return c, nil
}

func (p *Process) forgetContext(id uint64) {
	p.mu.Lock()
	delete(p.contexts, id)
	p.mu.Unlock()
}

// AllocMem reserves size bytes of engine memory. The allocation must be
// released with FreeMem; allocations left at Close are reported as leaked.
//
// An allocation carries no ownership by context. Filling it through one
// context and reading it from another is undefined unless the filling
// request has completed first.
func (p *Process) AllocMem(ctx context.Context, size uint64) (abi.Addr, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	addr, err := p.tr.Alloc(ctx, size)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocs[abi.Addr(addr)] = size
	return abi.Addr(addr), nil
}

// FreeMem releases an allocation made by AllocMem.
func (p *Process) FreeMem(ctx context.Context, addr abi.Addr) error {
	p.mu.Lock()
	if err := p.checkLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	if _, ok := p.allocs[addr]; !ok {
		p.mu.Unlock()
		return errors.NotFound(errors.PhaseProcess, "allocation", fmt.Sprintf("%#x", uint64(addr)))
	}
	delete(p.allocs, addr)
	p.mu.Unlock()

	return p.tr.Free(ctx, uint64(addr))
}

// Allocations returns the live allocations ordered by address.
func (p *Process) Allocations() []Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Allocation, 0, len(p.allocs))
	for a, n := range p.allocs {
		out = append(out, Allocation{Addr: a, Size: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// ReadMem copies len(buf) bytes at addr into buf, blocking the caller only.
// A zero-length read succeeds without touching the engine.
func (p *Process) ReadMem(ctx context.Context, buf []byte, addr abi.Addr) error {
	if err := p.check(); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	if err := p.tr.Read(ctx, uint64(addr), buf); err != nil {
		return err
	}
	p.metrics.transferred(wasmoffload.FromEngine, len(buf))
	return nil
}

// WriteMem copies buf to addr, blocking the caller only. A zero-length
// write succeeds without touching the engine.
func (p *Process) WriteMem(ctx context.Context, addr abi.Addr, buf []byte) error {
	if err := p.check(); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	if err := p.tr.Write(ctx, uint64(addr), buf); err != nil {
		return err
	}
	p.metrics.transferred(wasmoffload.ToEngine, len(buf))
	return nil
}

// FunctionAt returns a function bound to a raw engine code address, such as
// one obtained from Library.Symbol or returned by another call.
func (p *Process) FunctionAt(addr abi.Addr) *Function {
	return &Function{p: p, name: fmt.Sprintf("%#x", uint64(addr)), addr: uint64(addr), resolved: true}
}

// Health returns nil while the engine process is usable. After a remote
// fault it returns the fault, independent of any request.
func (p *Process) Health() error {
	if err := p.check(); err != nil {
		return err
	}
	return p.tr.Health()
}

// Close tears the process down in dependency order: contexts are drained
// and closed, leaked allocations are freed and reported, then the engine
// process is detached. Close after a remote fault still succeeds; requests
// that can never complete are resolved as failed. Child handles are
// invalid afterwards.
func (p *Process) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	contexts := make([]*Context, 0, len(p.contexts))
	for _, c := range p.contexts {
		contexts = append(contexts, c)
	}
	leaked := make([]abi.Addr, 0, len(p.allocs))
	for a := range p.allocs {
		leaked = append(leaked, a)
	}
	p.allocs = make(map[abi.Addr]uint64)
	p.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.closeTimeout)
		defer cancel()
	}

	var err error
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range contexts {
		g.Go(func() error {
			return c.shutdown(gctx)
		})
	}
	err = multierr.Append(err, g.Wait())

	if len(leaked) > 0 {
		sort.Slice(leaked, func(i, j int) bool { return leaked[i] < leaked[j] })
		for _, a := range leaked {
			// best effort; a dead engine cannot free anything
			_ = p.tr.Free(ctx, uint64(a))
		}
		p.metrics.leakedAllocations(len(leaked))
		p.log.Warn("leaked allocations freed at close",
			zap.Int("count", len(leaked)),
			zap.Uint64("first", uint64(leaked[0])))
	}

	err = multierr.Append(err, p.tr.Close(ctx))
	p.metrics.processClosed()
	p.log.Debug("process closed", zap.Error(err))
	return err
}
