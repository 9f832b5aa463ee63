package engine

import (
	"sync"

	"github.com/tetratelabs/wazero/api"

	wasmoffload "github.com/wippyai/wasm-offload"
)

// op is one queued call or transfer. finished and result are guarded by the
// owning process's mutex.
type op struct {
	tok      wasmoffload.Token
	call     *wasmoffload.Call
	transfer *wasmoffload.Transfer

	done     chan struct{}
	finished bool
	result   wasmoffload.Completion
}

func failed(err error) wasmoffload.Completion {
	return wasmoffload.Completion{Status: wasmoffload.StatusFailed, Err: err}
}

// stream is a FIFO queue drained by a single worker goroutine, so
// operations on one stream never overlap.
type stream struct {
	id wasmoffload.StreamID

	mu     sync.Mutex
	queue  []*op
	closed bool
	wake   chan struct{}

	// fns caches exported functions per code address. api.Function is not
	// safe for concurrent use, so each worker owns its own.
	fns map[uint64]api.Function
}

func newStream(id wasmoffload.StreamID) *stream {
	return &stream{
		id:   id,
		wake: make(chan struct{}, 1),
		fns:  make(map[uint64]api.Function),
	}
}

// push enqueues o. It fails when the queue already holds limit operations.
func (s *stream) push(o *op, limit int) bool {
	s.mu.Lock()
	if s.closed || (limit > 0 && len(s.queue) >= limit) {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, o)
	s.mu.Unlock()
	s.signal()
	return true
}

// pop returns the next operation. ok is false once the stream is closed
// and empty.
func (s *stream) pop() (o *op, ok bool, more bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		o = s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		return o, true, true
	}
	return nil, false, !s.closed
}

func (s *stream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) function(addr uint64, sym symbol) api.Function {
	if fn, ok := s.fns[addr]; ok {
		return fn
	}
	fn := sym.mod.ExportedFunction(sym.name)
	if fn != nil {
		s.fns[addr] = fn
	}
	return fn
}

// work runs operations of s in order until the stream is closed and
// drained or the process is torn down.
func (p *Process) work(s *stream) {
	for {
		o, ok, more := s.pop()
		if ok {
			p.run(s, o)
			continue
		}
		if !more {
			return
		}
		select {
		case <-s.wake:
		case <-p.ctx.Done():
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			// A dead process keeps draining so queued operations observe
			// the fault; they were already failed by die.
			<-s.wake
		}
	}
}

func (p *Process) run(s *stream, o *op) {
	p.mu.Lock()
	skip := o.finished
	p.mu.Unlock()
	if skip {
		return
	}

	var c wasmoffload.Completion
	if o.call != nil {
		c = p.runCall(s, o.call)
	} else {
		c = p.runTransfer(o.transfer)
	}
	p.finish(o, c)
}

func (p *Process) runTransfer(t *wasmoffload.Transfer) wasmoffload.Completion {
	var err error
	switch t.Direction {
	case wasmoffload.ToEngine:
		err = p.mem.write(t.Addr, t.Buf)
	case wasmoffload.FromEngine:
		err = p.mem.read(t.Addr, t.Buf)
	}
	if err != nil {
		return failed(err)
	}
	return wasmoffload.Completion{Status: wasmoffload.StatusCompleted}
}
