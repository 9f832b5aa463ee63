package runtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	wasmoffload "github.com/wippyai/wasm-offload"
	"github.com/wippyai/wasm-offload/abi"
	"github.com/wippyai/wasm-offload/errors"
)

// Request is the future of one call or transfer. It moves from pending to
// exactly one terminal status and never back. Once terminal, Wait, Poll and
// Peek return the same outcome on every invocation.
type Request struct {
	owner     *Context
	id        uint64
	op        string
	tok       wasmoffload.Token
	submitted bool
	started   time.Time

	frame  *abi.Frame
	result abi.Type

	transfer bool
	dir      wasmoffload.Direction
	size     int

	mu     sync.Mutex
	done   bool
	status wasmoffload.Status
	value  any
	err    error
}

// ID returns the request's position in its context's submission order,
// starting at 1.
func (r *Request) ID() uint64 { return r.id }

// Context returns the context the request was submitted to.
func (r *Request) Context() *Context { return r.owner }

// Wait blocks until the request is terminal or ctx expires and returns the
// decoded result or the failure. Call results are typed by the function's
// declared result; transfers yield nil. On ctx expiry the request stays
// pending and ctx's error is returned.
//
// For calls with OUT or INOUT buffers the host buffers hold the post-call
// data by the time Wait returns successfully.
func (r *Request) Wait(ctx context.Context) (any, error) {
	if done, v, err := r.outcome(); done {
		return v, err
	}
	if err := r.owner.p.check(); err != nil {
		return nil, err
	}
	return r.wait(ctx)
}

func (r *Request) wait(ctx context.Context) (any, error) {
	if done, v, err := r.outcome(); done {
		return v, err
	}
	c := r.owner.p.tr.Wait(ctx, r.tok)
	if c.Status == wasmoffload.StatusPending {
		if c.Err != nil {
			return nil, c.Err
		}
		return nil, ctx.Err()
	}
	r.finalize(c)
	_, v, err := r.outcome()
	return v, err
}

// Poll reports the request status without blocking.
func (r *Request) Poll() wasmoffload.Status {
	r.mu.Lock()
	if r.done || !r.submitted {
		s := r.status
		r.mu.Unlock()
		return s
	}
	r.mu.Unlock()

	c := r.owner.p.tr.Poll(r.tok)
	if c.Status.Terminal() {
		r.finalize(c)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Peek returns the outcome if the request is terminal and a pending error
// otherwise.
func (r *Request) Peek() (any, error) {
	if done, v, err := r.outcome(); done {
		return v, err
	}
	if r.Poll().Terminal() {
		_, v, err := r.outcome()
		return v, err
	}
	return nil, errors.Pending(r.id)
}

func (r *Request) outcome() (bool, any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done, r.value, r.err
}

// finalize applies a terminal completion exactly once. The first caller
// wins; later completions for the same request are ignored.
func (r *Request) finalize(c wasmoffload.Completion) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	switch c.Status {
	case wasmoffload.StatusCompleted:
		v, err := r.decode(c)
		if err != nil {
			r.status, r.err = wasmoffload.StatusFailed, err
		} else {
			r.status, r.value = wasmoffload.StatusCompleted, v
		}
	default:
		r.status, r.err = wasmoffload.StatusFailed, c.Err
		if r.err == nil {
			r.err = errors.Transport(errors.PhaseDispatch, nil)
		}
	}
	r.done = true
	r.mu.Unlock()
	r.settled()
}

func (r *Request) decode(c wasmoffload.Completion) (any, error) {
	if r.transfer {
		r.owner.p.metrics.transferred(r.dir, r.size)
		return nil, nil
	}
	if r.frame.WantsStackBack() {
		if err := r.frame.CopyBack(c.Stack); err != nil {
			return nil, err
		}
	}
	return abi.Decode(r.result, c.Result)
}

// complete resolves a request that never reached the transport.
func (r *Request) complete(v any) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.status, r.value, r.done = wasmoffload.StatusCompleted, v, true
	r.mu.Unlock()
	r.settled()
}

// fail resolves the request with err unless it is already terminal.
func (r *Request) fail(err error) {
	r.finalize(wasmoffload.Completion{Status: wasmoffload.StatusFailed, Err: err})
}

func (r *Request) settled() {
	c := r.owner
	c.resolved(r)
	if r.submitted {
		c.p.tr.Release(r.tok)
	}
	c.p.metrics.resolved(r.op, r.status, r.started)

	if r.status != wasmoffload.StatusFailed {
		return
	}
	if errors.Is(r.err, errors.ErrRemoteFault) {
		if c.p.faulted.CompareAndSwap(false, true) {
			c.p.log.Error("engine process faulted", zap.Error(r.err))
		}
		return
	}
	c.log.Debug("request failed",
		zap.Uint64("request", r.id),
		zap.String("op", r.op),
		zap.Error(r.err))
}

func sortRequests(rs []*Request) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].id < rs[j].id })
}
