package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	wasmoffload "github.com/wippyai/wasm-offload"
	"github.com/wippyai/wasm-offload/abi"
	"github.com/wippyai/wasm-offload/errors"
)

// Context is an ordered command stream bound to one process. Calls and
// transfers submitted to a context execute in submission order. Different
// contexts of a process run concurrently with no ordering between them.
//
// Context is safe for concurrent use; concurrent submissions are ordered
// by whichever acquires the submission lock first.
type Context struct {
	p      *Process
	id     uint64
	stream wasmoffload.StreamID
	log    *zap.Logger

	// submit serializes sequence assignment with transport submission so
	// request ids and stream order agree.
	submit sync.Mutex
	seq    uint64

	mu          sync.Mutex
	outstanding map[uint64]*Request
	closed      bool
}

func newContext(p *Process, id uint64, stream wasmoffload.StreamID) *Context {
	return &Context{
		p:           p,
		id:          id,
		stream:      stream,
		log:         p.log.With(zap.Uint64("context", id)),
		outstanding: make(map[uint64]*Request),
	}
}

// ID returns the context identifier, unique within its process.
func (c *Context) ID() uint64 { return c.id }

// Process returns the owning process.
func (c *Context) Process() *Process { return c.p }

// usable reports why the context refuses submissions, if it does.
func (c *Context) usable() error {
	if err := c.p.check(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.ContextClosed(c.id)
	}
	return nil
}

// enqueue assigns the next request id and hands the operation to the
// transport. Only submitted requests are tracked as outstanding. A
// submission failure resolves the request as failed instead of being
// returned. A nil send completes the request without the transport.
func (c *Context) enqueue(r *Request, send func() (wasmoffload.Token, error)) (*Request, error) {
	c.submit.Lock()
	defer c.submit.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.ContextClosed(c.id)
	}
	c.seq++
	r.id = c.seq
	r.owner = c
	r.started = time.Now()
	c.mu.Unlock()

	c.p.metrics.submitted()
	if send == nil {
		r.complete(nil)
		return r, nil
	}
	tok, err := send()
	if err != nil {
		r.fail(errors.Transport(errors.PhaseDispatch, err))
		return r, nil
	}
	r.mu.Lock()
	r.tok = tok
	r.submitted = true
	r.mu.Unlock()

	c.mu.Lock()
	c.outstanding[r.id] = r
	c.mu.Unlock()
	c.log.Debug("request submitted", zap.Uint64("request", r.id), zap.String("op", r.op))
	return r, nil
}

// resolved drops a finished request from the outstanding set.
func (c *Context) resolved(r *Request) {
	c.mu.Lock()
	delete(c.outstanding, r.id)
	c.mu.Unlock()
}

func (c *Context) submitCall(addr uint64, frame *abi.Frame) (*Request, error) {
	r := &Request{op: opCall, frame: frame, result: frame.Result}
	return c.enqueue(r, func() (wasmoffload.Token, error) {
		return c.p.tr.SubmitCall(wasmoffload.Call{Stream: c.stream, Addr: addr, Frame: frame})
	})
}

// AsyncWrite submits a copy of buf to addr and returns immediately. buf is
// read when the transfer executes, so it must stay valid and unmodified
// until the request completes. A zero-length write completes immediately.
func (c *Context) AsyncWrite(addr abi.Addr, buf []byte) (*Request, error) {
	return c.transfer(opWrite, wasmoffload.ToEngine, addr, buf)
}

// AsyncRead submits a copy of len(buf) bytes at addr into buf and returns
// immediately. buf must not be touched until the request completes.
func (c *Context) AsyncRead(buf []byte, addr abi.Addr) (*Request, error) {
	return c.transfer(opRead, wasmoffload.FromEngine, addr, buf)
}

func (c *Context) transfer(op string, dir wasmoffload.Direction, addr abi.Addr, buf []byte) (*Request, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	r := &Request{op: op, transfer: true, dir: dir, size: len(buf)}
	if len(buf) == 0 {
		return c.enqueue(r, nil)
	}
	return c.enqueue(r, func() (wasmoffload.Token, error) {
		return c.p.tr.SubmitTransfer(wasmoffload.Transfer{
			Stream:    c.stream,
			Direction: dir,
			Addr:      uint64(addr),
			Buf:       buf,
		})
	})
}

// pending returns the unresolved requests in submission order.
func (c *Context) pending() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, 0, len(c.outstanding))
	for _, r := range c.outstanding {
		out = append(out, r)
	}
	sortRequests(out)
	return out
}

// Outstanding returns the number of unresolved requests.
func (c *Context) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}

// Drain waits for every outstanding request to resolve. Failed requests do
// not make Drain fail; only ctx expiry does.
func (c *Context) Drain(ctx context.Context) error {
	for _, r := range c.pending() {
		if _, err := r.wait(ctx); err != nil && ctx.Err() != nil {
			return errors.Wrap(errors.PhaseContext, errors.KindOutstandingRequests, ctx.Err(), "drain")
		}
	}
	return nil
}

// Close closes the context. It fails with outstanding_requests while any
// submitted request is still running; finished requests that were never
// waited on are resolved first. Use Drain before Close, or CloseForce to
// abandon running requests.
func (c *Context) Close() error {
	if err := c.p.check(); err != nil {
		return err
	}
	for _, r := range c.pending() {
		r.Poll()
	}

	c.submit.Lock()
	defer c.submit.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if n := len(c.outstanding); n > 0 {
		c.mu.Unlock()
		return errors.OutstandingRequests(c.id, n)
	}
	c.closed = true
	c.mu.Unlock()

	c.p.forgetContext(c.id)
	return c.p.tr.CloseStream(c.stream)
}

// CloseForce closes the context without waiting. Requests still running
// are resolved as failed with context_closed; their engine side work runs
// to completion or crash on its own.
func (c *Context) CloseForce() error {
	if err := c.p.check(); err != nil {
		return err
	}
	c.submit.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.submit.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.submit.Unlock()

	abandoned := c.pending()
	for _, r := range abandoned {
		r.Poll()
		r.fail(errors.ContextClosed(c.id))
	}
	if len(abandoned) > 0 {
		c.log.Warn("context closed with running requests", zap.Int("abandoned", len(abandoned)))
	}
	c.p.forgetContext(c.id)
	return c.p.tr.CloseStream(c.stream)
}

// shutdown drains and closes the context during process close. When ctx
// expires first the remaining requests are abandoned.
func (c *Context) shutdown(ctx context.Context) error {
	drainErr := c.Drain(ctx)

	c.submit.Lock()
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	c.submit.Unlock()

	for _, r := range c.pending() {
		r.fail(errors.ContextClosed(c.id))
	}
	c.p.forgetContext(c.id)
	if already {
		return drainErr
	}
	// the transport closes every stream with the process; a stale stream
	// here is not worth failing Close for
	_ = c.p.tr.CloseStream(c.stream)
	return drainErr
}
