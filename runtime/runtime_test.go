package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/wasm-offload/internal/enginetest"
)

const testLib = "libtest.so"

type harness struct {
	drv  *enginetest.Driver
	proc *Process
	tr   *enginetest.Transport
	lib  *Library

	gate     chan struct{}
	gateOnce sync.Once

	mu    sync.Mutex
	order []uint64
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	h := &harness{drv: enginetest.NewDriver(), gate: make(chan struct{})}
	h.drv.Register(testLib, h.library())

	proc, err := OpenWithConfig(context.Background(), h.drv, 0, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = proc.Close(context.Background()) })
	t.Cleanup(h.release)

	lib, err := proc.LoadLibrary(context.Background(), testLib)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	h.proc, h.tr, h.lib = proc, h.drv.Last(), lib
	return h
}

// release unblocks every "block" and "wedge" call.
func (h *harness) release() {
	h.gateOnce.Do(func() { close(h.gate) })
}

func (h *harness) recorded() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.order...)
}

func (h *harness) library() enginetest.Library {
	return enginetest.Library{
		"add": func(c *enginetest.Call) (uint64, error) {
			return c.Args[0] + c.Args[1], nil
		},
		"sleep_add": func(c *enginetest.Call) (uint64, error) {
			time.Sleep(time.Duration(c.Args[2]) * time.Millisecond)
			return c.Args[0] + c.Args[1], nil
		},
		"record": func(c *enginetest.Call) (uint64, error) {
			time.Sleep(time.Duration(c.Args[1]) * time.Millisecond)
			h.mu.Lock()
			h.order = append(h.order, c.Args[0])
			h.mu.Unlock()
			return c.Args[0], nil
		},
		"sum_inc": func(c *enginetest.Call) (uint64, error) {
			n, p := c.Args[0], c.Args[1]
			var sum int32
			for i := uint64(0); i < n; i++ {
				cell := c.Mem[p+4*i : p+4*i+4]
				v := int32(binary.LittleEndian.Uint32(cell))
				sum += v
				binary.LittleEndian.PutUint32(cell, uint32(v+1))
			}
			return uint64(uint32(sum)), nil
		},
		"fill": func(c *enginetest.Call) (uint64, error) {
			p, n, v := c.Args[0], c.Args[1], byte(c.Args[2])
			first := c.Mem[p]
			for i := uint64(0); i < n; i++ {
				c.Mem[p+i] = v
			}
			return uint64(first), nil
		},
		"block": func(c *enginetest.Call) (uint64, error) {
			select {
			case <-h.gate:
			case <-c.Ctx.Done():
			}
			return 7, nil
		},
		"wedge": func(c *enginetest.Call) (uint64, error) {
			<-h.gate
			return 0, nil
		},
		"neg": func(c *enginetest.Call) (uint64, error) {
			return 0xFFFF_FFFB, nil
		},
		"crash": func(c *enginetest.Call) (uint64, error) {
			return 0, fmt.Errorf("segmentation fault")
		},
	}
}

func (h *harness) context(t *testing.T) *Context {
	t.Helper()
	c, err := h.proc.OpenContext(context.Background())
	if err != nil {
		t.Fatalf("OpenContext: %v", err)
	}
	return c
}

func (h *harness) function(t *testing.T, name string, result string, args ...string) *Function {
	t.Helper()
	fn := h.lib.Function(name)
	if err := fn.SetArgs(args...); err != nil {
		t.Fatalf("SetArgs(%s): %v", name, err)
	}
	if result != "" {
		if err := fn.SetResult(result); err != nil {
			t.Fatalf("SetResult(%s): %v", name, err)
		}
	}
	return fn
}

func mustCall(t *testing.T, fn *Function, c *Context, args ...any) *Request {
	t.Helper()
	r, err := fn.Call(c, args...)
	if err != nil {
		t.Fatalf("Call(%s): %v", fn.Name(), err)
	}
	return r
}

func mustWait(t *testing.T, r *Request) any {
	t.Helper()
	v, err := r.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("Wait(request %d): %v", r.ID(), err)
	}
	return v
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
