// Package enginetest provides a scriptable in-memory wasmoffload.Transport.
// Library functions are Go closures, so tests control durations, results and
// faults directly.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	wasmoffload "github.com/wippyai/wasm-offload"
	"github.com/wippyai/wasm-offload/errors"
)

// Call is what a Func sees. Args are register values with stack-relative
// pointers already rebased to StackBase. Stack is the frame's stack image as
// placed in Mem at StackBase; both may be written.
type Call struct {
	Ctx       context.Context
	Args      []uint64
	Stack     []byte
	StackBase uint64
	Mem       []byte
}

// Func is a library function. A returned error fails the call as a remote
// fault and kills the transport.
type Func func(c *Call) (uint64, error)

// Library maps symbol names to functions.
type Library map[string]Func

// Driver hands out Transports.
type Driver struct {
	mu      sync.Mutex
	Nodes   int
	MemSize int
	libs    map[string]Library
	Opened  []*Transport
	OpenErr error
}

// NewDriver returns a driver with one node and 64KB of memory per transport.
func NewDriver() *Driver {
	return &Driver{Nodes: 1, MemSize: 64 << 10, libs: make(map[string]Library)}
}

// Register makes lib loadable under path.
func (d *Driver) Register(path string, lib Library) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.libs[path] = lib
}

// Open implements wasmoffload.Driver.
func (d *Driver) Open(ctx context.Context, node int) (wasmoffload.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if node < 0 || node >= d.Nodes {
		return nil, errors.Unavailable(node)
	}
	libs := make(map[string]Library, len(d.libs))
	for k, v := range d.libs {
		libs[k] = v
	}
	t := NewTransport(node, d.MemSize, libs)
	d.Opened = append(d.Opened, t)
	return t, nil
}

// Last returns the most recently opened transport.
func (d *Driver) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Opened) == 0 {
		return nil
	}
	return d.Opened[len(d.Opened)-1]
}

type op struct {
	tok      wasmoffload.Token
	call     *wasmoffload.Call
	transfer *wasmoffload.Transfer
	done     chan struct{}
	finished bool
	result   wasmoffload.Completion
}

type symbol struct {
	name string
	fn   Func
}

// Transport is an in-memory wasmoffload.Transport.
type Transport struct {
	node int
	ctx  context.Context
	stop context.CancelFunc

	tokens  atomic.Uint64
	workers sync.WaitGroup

	// SubmitErr, when set, is returned by every submission.
	SubmitErr error

	mu       sync.Mutex
	mem      []byte
	brk      uint64
	allocs   map[uint64]uint64
	libs     map[string]Library
	loaded   map[wasmoffload.LibraryID]Library
	symbols  map[uint64]symbol
	symAddr  map[string]uint64
	streams  map[wasmoffload.StreamID]chan *op
	ops      map[wasmoffload.Token]*op
	nextLib  wasmoffload.LibraryID
	nextStrm wasmoffload.StreamID
	fault    error
	closed   bool
	released int
}

var _ wasmoffload.Transport = (*Transport)(nil)

// NewTransport returns a transport with memSize bytes of memory.
func NewTransport(node, memSize int, libs map[string]Library) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		node:    node,
		ctx:     ctx,
		stop:    cancel,
		mem:     make([]byte, memSize),
		brk:     16,
		allocs:  make(map[uint64]uint64),
		libs:    libs,
		loaded:  make(map[wasmoffload.LibraryID]Library),
		symbols: make(map[uint64]symbol),
		symAddr: make(map[string]uint64),
		streams: make(map[wasmoffload.StreamID]chan *op),
		ops:     make(map[wasmoffload.Token]*op),
	}
}

func (t *Transport) Node() int { return t.node }

// Mem returns a copy of n bytes of memory at addr.
func (t *Transport) Mem(addr uint64, n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.mem[addr:addr+uint64(n)]...)
}

// Released returns how many tokens were released.
func (t *Transport) Released() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) usable() error {
	if t.closed {
		return errors.HandleInvalidated("test transport")
	}
	return t.fault
}

func (t *Transport) LoadLibrary(ctx context.Context, path string) (wasmoffload.LibraryID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return 0, err
	}
	lib, ok := t.libs[path]
	if !ok {
		return 0, errors.NotFound(errors.PhaseLoad, "library", path)
	}
	t.nextLib++
	t.loaded[t.nextLib] = lib
	return t.nextLib, nil
}

func (t *Transport) Symbol(lib wasmoffload.LibraryID, name string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return 0, err
	}
	l, ok := t.loaded[lib]
	if !ok {
		return 0, errors.NotFound(errors.PhaseDispatch, "library", fmt.Sprint(lib))
	}
	fn, ok := l[name]
	if !ok {
		return 0, errors.NotFound(errors.PhaseDispatch, "symbol", name)
	}
	key := fmt.Sprintf("%d/%s", lib, name)
	if addr, ok := t.symAddr[key]; ok {
		return addr, nil
	}
	addr := uint64(1)<<40 + uint64(len(t.symbols))*16
	t.symbols[addr] = symbol{name: name, fn: fn}
	t.symAddr[key] = addr
	return addr, nil
}

// Alloc is a bump allocator; freed memory is not reused.
func (t *Transport) Alloc(ctx context.Context, size uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return 0, err
	}
	n := (size + 15) &^ 15
	if n == 0 {
		n = 16
	}
	if t.brk+n > uint64(len(t.mem)) {
		return 0, errors.ResourceExhausted(errors.PhaseProcess, "test memory exhausted")
	}
	addr := t.brk
	t.brk += n
	t.allocs[addr] = n
	return addr, nil
}

func (t *Transport) Free(ctx context.Context, addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.HandleInvalidated("test transport")
	}
	if _, ok := t.allocs[addr]; !ok {
		return errors.NotFound(errors.PhaseProcess, "allocation", fmt.Sprintf("%#x", addr))
	}
	delete(t.allocs, addr)
	return nil
}

// Live returns the number of unfreed allocations.
func (t *Transport) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.allocs)
}

func (t *Transport) bounds(addr uint64, n int) error {
	if addr+uint64(n) > uint64(len(t.mem)) {
		return errors.Transport(errors.PhaseTransfer, fmt.Errorf("out of bounds: %#x+%d", addr, n))
	}
	return nil
}

func (t *Transport) Read(ctx context.Context, addr uint64, buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	if err := t.bounds(addr, len(buf)); err != nil {
		return err
	}
	copy(buf, t.mem[addr:])
	return nil
}

func (t *Transport) Write(ctx context.Context, addr uint64, buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	if err := t.bounds(addr, len(buf)); err != nil {
		return err
	}
	copy(t.mem[addr:], buf)
	return nil
}

func (t *Transport) OpenStream(ctx context.Context) (wasmoffload.StreamID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return 0, err
	}
	t.nextStrm++
	id := t.nextStrm
	q := make(chan *op, 1024)
	t.streams[id] = q

	t.workers.Add(1)
	go func() {
		defer t.workers.Done()
		for o := range q {
			t.run(o)
		}
	}()
	return id, nil
}

func (t *Transport) CloseStream(id wasmoffload.StreamID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.streams[id]
	if !ok {
		return errors.NotFound(errors.PhaseContext, "stream", fmt.Sprint(id))
	}
	delete(t.streams, id)
	close(q)
	return nil
}

func (t *Transport) SubmitCall(call wasmoffload.Call) (wasmoffload.Token, error) {
	return t.submit(call.Stream, &op{call: &call})
}

func (t *Transport) SubmitTransfer(tr wasmoffload.Transfer) (wasmoffload.Token, error) {
	return t.submit(tr.Stream, &op{transfer: &tr})
}

func (t *Transport) submit(id wasmoffload.StreamID, o *op) (wasmoffload.Token, error) {
	if t.SubmitErr != nil {
		return 0, t.SubmitErr
	}
	o.tok = wasmoffload.Token(t.tokens.Add(1))
	o.done = make(chan struct{})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errors.HandleInvalidated("test transport")
	}
	q, ok := t.streams[id]
	if !ok {
		return 0, errors.NotFound(errors.PhaseDispatch, "stream", fmt.Sprint(id))
	}
	t.ops[o.tok] = o
	if t.fault != nil {
		t.finishLocked(o, failed(t.fault))
		return o.tok, nil
	}
	q <- o
	return o.tok, nil
}

func failed(err error) wasmoffload.Completion {
	return wasmoffload.Completion{Status: wasmoffload.StatusFailed, Err: err}
}

func (t *Transport) run(o *op) {
	t.mu.Lock()
	if o.finished {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if o.transfer != nil {
		t.finish(o, t.runTransfer(o.transfer))
		return
	}
	t.finish(o, t.runCall(o.call))
}

func (t *Transport) runTransfer(tr *wasmoffload.Transfer) wasmoffload.Completion {
	var err error
	if tr.Direction == wasmoffload.ToEngine {
		err = t.Write(t.ctx, tr.Addr, tr.Buf)
	} else {
		err = t.Read(t.ctx, tr.Addr, tr.Buf)
	}
	if err != nil {
		return failed(err)
	}
	return wasmoffload.Completion{Status: wasmoffload.StatusCompleted}
}

func (t *Transport) runCall(call *wasmoffload.Call) wasmoffload.Completion {
	t.mu.Lock()
	sym, ok := t.symbols[call.Addr]
	t.mu.Unlock()
	if !ok {
		fault := errors.RemoteFault(fmt.Sprintf("call to unmapped address %#x", call.Addr), nil)
		t.die(fault)
		return failed(fault)
	}

	frame := call.Frame
	c := &Call{Ctx: t.ctx, Args: make([]uint64, len(frame.Regs))}
	t.mu.Lock()
	c.Mem = t.mem
	t.mu.Unlock()

	if n := len(frame.Stack); n > 0 {
		base, err := t.Alloc(t.ctx, uint64(n))
		if err != nil {
			return failed(err)
		}
		defer func() { _ = t.Free(t.ctx, base) }()
		if err := t.Write(t.ctx, base, frame.Stack); err != nil {
			return failed(err)
		}
		c.StackBase = base
		c.Stack = c.Mem[base : base+uint64(n)]
	}
	for i, r := range frame.Regs {
		c.Args[i] = r.Value(c.StackBase)
	}

	res, err := sym.fn(c)
	if err != nil {
		fault := errors.RemoteFault("fault in "+sym.name, err)
		t.die(fault)
		return failed(fault)
	}
	out := wasmoffload.Completion{Status: wasmoffload.StatusCompleted, Result: res}
	if frame.WantsStackBack() {
		out.Stack = append([]byte(nil), c.Stack...)
	}
	return out
}

func (t *Transport) Poll(tok wasmoffload.Token) wasmoffload.Completion {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.ops[tok]
	if !ok {
		return failed(errors.NotFound(errors.PhaseDispatch, "token", fmt.Sprint(tok)))
	}
	if !o.finished {
		return wasmoffload.Completion{Status: wasmoffload.StatusPending}
	}
	return o.result
}

func (t *Transport) Wait(ctx context.Context, tok wasmoffload.Token) wasmoffload.Completion {
	t.mu.Lock()
	o, ok := t.ops[tok]
	t.mu.Unlock()
	if !ok {
		return failed(errors.NotFound(errors.PhaseDispatch, "token", fmt.Sprint(tok)))
	}
	select {
	case <-o.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return o.result
	case <-ctx.Done():
		return wasmoffload.Completion{Status: wasmoffload.StatusPending, Err: ctx.Err()}
	}
}

func (t *Transport) Release(tok wasmoffload.Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.ops[tok]; ok && o.finished {
		delete(t.ops, tok)
		t.released++
	}
}

func (t *Transport) finish(o *op, c wasmoffload.Completion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(o, c)
}

func (t *Transport) finishLocked(o *op, c wasmoffload.Completion) {
	if o.finished {
		return
	}
	o.finished = true
	o.result = c
	close(o.done)
}

func (t *Transport) Health() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usable()
}

// Kill simulates an engine crash.
func (t *Transport) Kill() {
	t.die(errors.RemoteFault("engine terminated", nil))
}

func (t *Transport) die(fault error) {
	t.mu.Lock()
	if t.fault != nil || t.closed {
		t.mu.Unlock()
		return
	}
	t.fault = fault
	for _, o := range t.ops {
		t.finishLocked(o, failed(fault))
	}
	t.mu.Unlock()
	t.stop()
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for id, q := range t.streams {
		close(q)
		delete(t.streams, id)
	}
	gone := errors.Transport(errors.PhaseProcess, fmt.Errorf("test transport closed"))
	for _, o := range t.ops {
		t.finishLocked(o, failed(gone))
	}
	t.mu.Unlock()
	t.stop()

	done := make(chan struct{})
	go func() {
		t.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
