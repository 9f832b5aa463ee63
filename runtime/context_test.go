package runtime

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	wasmoffload "github.com/wippyai/wasm-offload"
	"github.com/wippyai/wasm-offload/errors"
)

func TestContext_FIFOWithStaggeredDurations(t *testing.T) {
	h := newHarness(t, nil)
	c := h.context(t)
	fn := h.function(t, "record", "u64", "u64", "u64")

	// earlier calls take longer; completion order must still follow
	// submission order
	sleeps := []int{40, 30, 20, 10, 0}
	reqs := make([]*Request, len(sleeps))
	for i, ms := range sleeps {
		reqs[i] = mustCall(t, fn, c, i+1, ms)
	}
	for i, r := range reqs {
		if r.ID() != uint64(i+1) {
			t.Errorf("request %d has id %d", i, r.ID())
		}
	}
	mustWait(t, reqs[len(reqs)-1])
	for _, r := range reqs[:len(reqs)-1] {
		if s := r.Poll(); s != wasmoffload.StatusCompleted {
			t.Fatalf("request %d is %s after a later request completed", r.ID(), s)
		}
	}

	got := h.recorded()
	for i, v := range got {
		if v != uint64(i+1) {
			t.Fatalf("execution order = %v, want 1..%d", got, len(sleeps))
		}
	}
}

func TestContext_TransfersAndCallsShareOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := waitCtx(t)
	c := h.context(t)
	fn := h.function(t, "sum_inc", "int", "int", "ptr")

	addr, err := h.proc.AllocMem(ctx, 16)
	if err != nil {
		t.Fatalf("AllocMem: %v", err)
	}
	defer func() { _ = h.proc.FreeMem(ctx, addr) }()

	in := []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4, 0, 0, 0}
	out := make([]byte, len(in))
	if _, err := c.AsyncWrite(addr, in); err != nil {
		t.Fatalf("AsyncWrite: %v", err)
	}
	call := mustCall(t, fn, c, 4, addr)
	read, err := c.AsyncRead(out, addr)
	if err != nil {
		t.Fatalf("AsyncRead: %v", err)
	}

	mustWait(t, read)
	if v := mustWait(t, call); v != int32(10) {
		t.Fatalf("sum = %v, want 10", v)
	}
	want := []byte{2, 0, 0, 0, 3, 0, 0, 0, 4, 0, 0, 0, 5, 0, 0, 0}
	if !bytes.Equal(out, want) {
		t.Fatalf("read back %v, want %v", out, want)
	}
}

func TestContext_ZeroLengthTransfer(t *testing.T) {
	h := newHarness(t, nil)
	c := h.context(t)

	w, err := c.AsyncWrite(0x10, nil)
	if err != nil {
		t.Fatalf("AsyncWrite: %v", err)
	}
	r, err := c.AsyncRead([]byte{}, 0x10)
	if err != nil {
		t.Fatalf("AsyncRead: %v", err)
	}
	for _, req := range []*Request{w, r} {
		if s := req.Poll(); s != wasmoffload.StatusCompleted {
			t.Fatalf("request %d: status %s, want completed", req.ID(), s)
		}
	}
	if n := h.tr.Released(); n != 0 {
		t.Errorf("transport saw %d operations, want none", n)
	}
}

func TestContext_TransferOutOfBoundsFails(t *testing.T) {
	h := newHarness(t, nil)
	c := h.context(t)

	r, err := c.AsyncWrite(1<<30, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("AsyncWrite: %v", err)
	}
	if _, err := r.Wait(waitCtx(t)); !errors.Is(err, errors.ErrTransport) {
		t.Fatalf("err = %v, want transport", err)
	}
	if err := h.proc.Health(); err != nil {
		t.Errorf("Health after failed transfer = %v, want nil", err)
	}
}

func TestContext_ConcurrentContextsOverlap(t *testing.T) {
	h := newHarness(t, nil)
	block := h.function(t, "block", "int")
	add := h.function(t, "add", "int", "int", "int")

	busy := h.context(t)
	free := h.context(t)

	blocked := mustCall(t, block, busy)
	if v := mustWait(t, mustCall(t, add, free, 2, 3)); v != int32(5) {
		t.Fatalf("add = %v, want 5", v)
	}
	if s := blocked.Poll(); s != wasmoffload.StatusPending {
		t.Fatalf("blocked call is %s, want pending", s)
	}
	h.release()
	if v := mustWait(t, blocked); v != int32(7) {
		t.Fatalf("block = %v, want 7", v)
	}
}

func TestContext_ConcurrentSubmitters(t *testing.T) {
	h := newHarness(t, nil)
	c := h.context(t)
	fn := h.function(t, "record", "u64", "u64", "u64")

	const workers, perWorker = 4, 25
	var wg sync.WaitGroup
	reqs := make(chan *Request, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r, err := fn.Call(c, 0, 0)
				if err != nil {
					t.Errorf("Call: %v", err)
					return
				}
				reqs <- r
			}
		}()
	}
	wg.Wait()
	close(reqs)

	seen := make(map[uint64]bool)
	for r := range reqs {
		if seen[r.ID()] {
			t.Fatalf("duplicate request id %d", r.ID())
		}
		seen[r.ID()] = true
		mustWait(t, r)
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("got %d requests, want %d", len(seen), workers*perWorker)
	}
}

func TestContext_CloseWithOutstanding(t *testing.T) {
	h := newHarness(t, nil)
	c := h.context(t)
	fn := h.function(t, "block", "int")

	r := mustCall(t, fn, c)
	if err := c.Close(); !errors.Is(err, errors.ErrOutstandingRequests) {
		t.Fatalf("Close with running request: err = %v, want outstanding_requests", err)
	}

	h.release()
	mustWait(t, r)
	if err := c.Close(); err != nil {
		t.Fatalf("Close after wait: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.AsyncWrite(0x10, []byte{1}); !errors.Is(err, errors.ErrContextClosed) {
		t.Fatalf("submit after close: err = %v, want context_closed", err)
	}
}

func TestContext_CloseResolvesFinishedRequests(t *testing.T) {
	h := newHarness(t, nil)
	c := h.context(t)
	fn := h.function(t, "add", "int", "int", "int")

	r := mustCall(t, fn, c, 1, 2)
	eventually(t, "call to finish", func() bool { return r.Poll().Terminal() })
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if v := mustWait(t, r); v != int32(3) {
		t.Fatalf("result after close = %v, want 3", v)
	}
}

func TestContext_CloseForce(t *testing.T) {
	h := newHarness(t, nil)
	c := h.context(t)
	fn := h.function(t, "block", "int")

	r := mustCall(t, fn, c)
	if err := c.CloseForce(); err != nil {
		t.Fatalf("CloseForce: %v", err)
	}
	if _, err := r.Wait(waitCtx(t)); !errors.Is(err, errors.ErrContextClosed) {
		t.Fatalf("abandoned request: err = %v, want context_closed", err)
	}
	if s := r.Poll(); s != wasmoffload.StatusFailed {
		t.Fatalf("abandoned request status = %s, want failed", s)
	}
	if _, err := fn.Call(c); !errors.Is(err, errors.ErrContextClosed) {
		t.Fatalf("call after CloseForce: err = %v, want context_closed", err)
	}
}

func TestContext_Drain(t *testing.T) {
	h := newHarness(t, nil)
	c := h.context(t)
	slow := h.function(t, "sleep_add", "long", "long", "long", "long")

	var reqs []*Request
	for i := 0; i < 3; i++ {
		reqs = append(reqs, mustCall(t, slow, c, i, 1, 5))
	}
	if err := c.Drain(waitCtx(t)); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n := c.Outstanding(); n != 0 {
		t.Fatalf("outstanding after drain = %d", n)
	}
	for i, r := range reqs {
		if v, err := r.Peek(); err != nil || v != int64(i+1) {
			t.Errorf("request %d: Peek = %v, %v", r.ID(), v, err)
		}
	}
}

func TestContext_DrainHonoursDeadline(t *testing.T) {
	h := newHarness(t, nil)
	c := h.context(t)
	fn := h.function(t, "block", "int")
	r := mustCall(t, fn, c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Drain(ctx); !errors.Is(err, errors.ErrOutstandingRequests) {
		t.Fatalf("Drain = %v, want outstanding_requests", err)
	}
	if s := r.Poll(); s != wasmoffload.StatusPending {
		t.Fatalf("status after expired drain = %s, want pending", s)
	}
}

func TestContext_SubmitErrorFailsRequest(t *testing.T) {
	h := newHarness(t, nil)
	c := h.context(t)
	fn := h.function(t, "add", "int", "int", "int")

	h.tr.SubmitErr = fmt.Errorf("link down")
	r, err := fn.Call(c, 1, 2)
	if err != nil {
		t.Fatalf("Call returned %v; submission failures belong to the request", err)
	}
	if _, err := r.Wait(waitCtx(t)); !errors.Is(err, errors.ErrTransport) {
		t.Fatalf("err = %v, want transport", err)
	}
	if n := c.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d, want 0", n)
	}
}
