package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	wasmoffload "github.com/wippyai/wasm-offload"
	"github.com/wippyai/wasm-offload/errors"
	"github.com/wippyai/wasm-offload/internal/wasmimage"
)

const (
	// MemoryModule is the module name library images import their memory from.
	MemoryModule = "env"
	// MemoryExport is the export name of the process memory.
	MemoryExport = "memory"

	// symbolBase is the first synthetic code address. It lies above every
	// possible data address so calls and pointers cannot be confused.
	symbolBase = uint64(1) << 40
	symbolStep = 0x10
)

type symbol struct {
	lib  wasmoffload.LibraryID
	name string
	mod  api.Module
}

type symbolKey struct {
	lib  wasmoffload.LibraryID
	name string
}

// Process is one engine process. It implements wasmoffload.Transport.
type Process struct {
	engine *Engine
	node   int
	log    *zap.Logger

	rt   wazero.Runtime
	mem  *memory
	heap *heap

	// ctx is passed to every guest call. Cancelling it terminates running
	// calls because the runtime closes modules on context done.
	ctx    context.Context
	cancel context.CancelFunc

	maxQueue int
	tokens   atomic.Uint64
	workers  sync.WaitGroup

	mu         sync.Mutex
	libs       map[wasmoffload.LibraryID]api.Module
	symbols    map[uint64]symbol
	symbolAddr map[symbolKey]uint64
	streams    map[wasmoffload.StreamID]*stream
	ops        map[wasmoffload.Token]*op
	nextLib    wasmoffload.LibraryID
	nextStream wasmoffload.StreamID
	fault      error
	closed     bool
}

var _ wasmoffload.Transport = (*Process)(nil)

func newProcess(ctx context.Context, e *Engine, node int) (*Process, error) {
	cfg := e.cfg
	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(cfg.MemoryPages)
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	envMod, err := rt.InstantiateWithConfig(ctx,
		wasmimage.MemoryModule(MemoryExport, cfg.MemoryPages),
		wazero.NewModuleConfig().WithName(MemoryModule))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseProcess, errors.KindTransport, err, "instantiate engine memory")
	}
	mem := envMod.ExportedMemory(MemoryExport)
	if mem == nil {
		_ = rt.Close(ctx)
		return nil, errors.New(errors.PhaseProcess, errors.KindTransport).Detail("engine memory not exported").Build()
	}

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Process{
		engine:     e,
		node:       node,
		log:        Logger().With(zap.String("engine", cfg.Name), zap.Int("node", node)),
		rt:         rt,
		mem:        &memory{mem: mem},
		heap:       newHeap(cfg.ReservedBytes, mem.Size()),
		ctx:        baseCtx,
		cancel:     cancel,
		maxQueue:   cfg.MaxQueueDepth,
		libs:       make(map[wasmoffload.LibraryID]api.Module),
		symbols:    make(map[uint64]symbol),
		symbolAddr: make(map[symbolKey]uint64),
		streams:    make(map[wasmoffload.StreamID]*stream),
		ops:        make(map[wasmoffload.Token]*op),
	}
	p.log.Debug("engine process started", zap.Uint32("memory_bytes", mem.Size()))
	return p, nil
}

// Node implements wasmoffload.Transport.
func (p *Process) Node() int { return p.node }

// MemorySize returns the size of engine memory in bytes.
func (p *Process) MemorySize() uint32 { return p.mem.size() }

// usable returns the error that forbids new work, if any.
func (p *Process) usable() error {
	if p.closed {
		return errors.HandleInvalidated("engine process")
	}
	return p.fault
}

// LoadLibrary reads a library image from path and instantiates it.
func (p *Process) LoadLibrary(ctx context.Context, path string) (wasmoffload.LibraryID, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err, "read library image")
	}
	return p.LoadImage(ctx, filepath.Base(path), bin)
}

// LoadImage instantiates an in-memory library image. name is used in log
// lines only. The image's static region is taken out of the heap before its
// data segments are written, so allocations never overlap library data.
func (p *Process) LoadImage(ctx context.Context, name string, bin []byte) (wasmoffload.LibraryID, error) {
	p.mu.Lock()
	if err := p.usable(); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	p.mu.Unlock()

	compiled, err := p.rt.CompileModule(ctx, bin)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "compile "+name)
	}
	static, err := wasmimage.StaticEnd(bin)
	if err == nil {
		err = p.heap.reserve(static)
	}
	if err != nil {
		_ = compiled.Close(ctx)
		return 0, err
	}

	mod, err := p.rt.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize"))
	if err != nil {
		_ = compiled.Close(ctx)
		return 0, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "instantiate "+name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		_ = mod.Close(ctx)
		return 0, err
	}
	p.nextLib++
	id := p.nextLib
	p.libs[id] = mod
	p.log.Debug("library loaded",
		zap.String("library", name),
		zap.Uint64("id", uint64(id)),
		zap.Uint32("static_end", static),
		zap.Int("exports", len(mod.ExportedFunctionDefinitions())))
	return id, nil
}

// Symbol resolves an exported function to its code address. The same
// symbol always resolves to the same address.
func (p *Process) Symbol(lib wasmoffload.LibraryID, name string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.usable(); err != nil {
		return 0, err
	}
	mod, ok := p.libs[lib]
	if !ok {
		return 0, errors.NotFound(errors.PhaseDispatch, "library", fmt.Sprint(lib))
	}
	key := symbolKey{lib, name}
	if addr, ok := p.symbolAddr[key]; ok {
		return addr, nil
	}
	if _, ok := mod.ExportedFunctionDefinitions()[name]; !ok {
		return 0, errors.NotFound(errors.PhaseDispatch, "symbol", name)
	}
	addr := symbolBase + uint64(len(p.symbols))*symbolStep
	p.symbols[addr] = symbol{lib: lib, name: name, mod: mod}
	p.symbolAddr[key] = addr
	return addr, nil
}

func (p *Process) lookup(addr uint64) (symbol, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.symbols[addr]
	return s, ok
}

// Alloc implements wasmoffload.Transport.
func (p *Process) Alloc(ctx context.Context, size uint64) (uint64, error) {
	p.mu.Lock()
	err := p.usable()
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	addr, err := p.heap.alloc(size)
	return uint64(addr), err
}

// Free implements wasmoffload.Transport.
func (p *Process) Free(ctx context.Context, addr uint64) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.HandleInvalidated("engine process")
	}
	if addr > math.MaxUint32 {
		return errors.NotFound(errors.PhaseProcess, "allocation", hexAddr(addr))
	}
	return p.heap.release(uint32(addr))
}

// Allocations returns the number of live heap blocks.
func (p *Process) Allocations() int {
	return p.heap.inUse()
}

// Read implements wasmoffload.Transport.
func (p *Process) Read(ctx context.Context, addr uint64, buf []byte) error {
	p.mu.Lock()
	err := p.usable()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.mem.read(addr, buf)
}

// Write implements wasmoffload.Transport.
func (p *Process) Write(ctx context.Context, addr uint64, buf []byte) error {
	p.mu.Lock()
	err := p.usable()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.mem.write(addr, buf)
}

// OpenStream starts a stream and its worker.
func (p *Process) OpenStream(ctx context.Context) (wasmoffload.StreamID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.usable(); err != nil {
		return 0, err
	}
	p.nextStream++
	s := newStream(p.nextStream)
	p.streams[s.id] = s

	p.workers.Add(1)
	go func() {
		defer p.workers.Done()
		p.work(s)
	}()
	return s.id, nil
}

// CloseStream implements wasmoffload.Transport.
func (p *Process) CloseStream(id wasmoffload.StreamID) error {
	p.mu.Lock()
	s, ok := p.streams[id]
	delete(p.streams, id)
	p.mu.Unlock()

	if !ok {
		return errors.NotFound(errors.PhaseContext, "stream", fmt.Sprint(id))
	}
	s.close()
	return nil
}

// SubmitCall implements wasmoffload.Transport.
func (p *Process) SubmitCall(call wasmoffload.Call) (wasmoffload.Token, error) {
	if call.Frame == nil {
		return 0, errors.MalformedFrame("nil frame")
	}
	return p.submit(call.Stream, &op{call: &call})
}

// SubmitTransfer implements wasmoffload.Transport.
func (p *Process) SubmitTransfer(t wasmoffload.Transfer) (wasmoffload.Token, error) {
	return p.submit(t.Stream, &op{transfer: &t})
}

func (p *Process) submit(id wasmoffload.StreamID, o *op) (wasmoffload.Token, error) {
	o.tok = wasmoffload.Token(p.tokens.Add(1))
	o.done = make(chan struct{})

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.HandleInvalidated("engine process")
	}
	s, ok := p.streams[id]
	if !ok {
		return 0, errors.NotFound(errors.PhaseDispatch, "stream", fmt.Sprint(id))
	}
	p.ops[o.tok] = o

	if p.fault != nil {
		p.finishLocked(o, failed(p.fault))
		return o.tok, nil
	}
	if !s.push(o, p.maxQueue) {
		delete(p.ops, o.tok)
		return 0, errors.ResourceExhausted(errors.PhaseDispatch,
			fmt.Sprintf("stream %d queue is full (%d)", id, p.maxQueue))
	}
	return o.tok, nil
}

// Poll implements wasmoffload.Transport.
func (p *Process) Poll(tok wasmoffload.Token) wasmoffload.Completion {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.ops[tok]
	if !ok {
		return failed(errors.NotFound(errors.PhaseDispatch, "token", fmt.Sprint(tok)))
	}
	if !o.finished {
		return wasmoffload.Completion{Status: wasmoffload.StatusPending}
	}
	return o.result
}

// Wait implements wasmoffload.Transport.
func (p *Process) Wait(ctx context.Context, tok wasmoffload.Token) wasmoffload.Completion {
	p.mu.Lock()
	o, ok := p.ops[tok]
	p.mu.Unlock()
	if !ok {
		return failed(errors.NotFound(errors.PhaseDispatch, "token", fmt.Sprint(tok)))
	}

	select {
	case <-o.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return o.result
	case <-ctx.Done():
		return wasmoffload.Completion{Status: wasmoffload.StatusPending, Err: ctx.Err()}
	}
}

// Release implements wasmoffload.Transport.
func (p *Process) Release(tok wasmoffload.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.ops[tok]; ok && o.finished {
		delete(p.ops, tok)
	}
}

func (p *Process) finish(o *op, c wasmoffload.Completion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked(o, c)
}

func (p *Process) finishLocked(o *op, c wasmoffload.Completion) {
	if o.finished {
		return
	}
	o.finished = true
	o.result = c
	close(o.done)
}

// Health implements wasmoffload.Transport.
func (p *Process) Health() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usable()
}

// Kill terminates the engine process as if it had crashed. Running calls
// are interrupted and every unfinished operation fails with a remote fault.
func (p *Process) Kill() {
	p.die(errors.RemoteFault("engine process killed", nil))
}

// die records the first fault, interrupts running calls and fails all
// unfinished operations.
func (p *Process) die(fault error) {
	p.mu.Lock()
	if p.fault != nil || p.closed {
		p.mu.Unlock()
		return
	}
	p.fault = fault
	for _, o := range p.ops {
		p.finishLocked(o, failed(fault))
	}
	p.mu.Unlock()

	p.cancel()
	p.log.Error("engine process faulted", zap.Error(fault))
}

// Close implements wasmoffload.Transport. Queued work is abandoned and
// running calls are interrupted; Close waits for workers until ctx is done.
func (p *Process) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	streams := make([]*stream, 0, len(p.streams))
	for id, s := range p.streams {
		streams = append(streams, s)
		delete(p.streams, id)
	}
	gone := errors.Transport(errors.PhaseProcess, fmt.Errorf("engine process closed"))
	for _, o := range p.ops {
		p.finishLocked(o, failed(gone))
	}
	p.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	p.cancel()

	var err error
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Wrap(errors.PhaseProcess, errors.KindTransport, ctx.Err(), "wait for engine workers")
	}

	err = multierr.Append(err, p.rt.Close(context.WithoutCancel(ctx)))
	p.engine.release(p)
	p.log.Debug("engine process closed")
	return err
}
