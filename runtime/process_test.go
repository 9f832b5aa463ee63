package runtime

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wippyai/wasm-offload/abi"
	"github.com/wippyai/wasm-offload/errors"
	"github.com/wippyai/wasm-offload/internal/enginetest"
)

func TestOpen_Unavailable(t *testing.T) {
	drv := enginetest.NewDriver()
	if _, err := Open(context.Background(), drv, 3); !errors.Is(err, errors.ErrUnavailable) {
		t.Fatalf("Open(node 3) = %v, want unavailable", err)
	}
}

func TestOpen_StartHookRunsOnce(t *testing.T) {
	calls := 0
	var seen *Process
	h := newHarness(t, &Config{
		OnStart: func(ctx context.Context, p *Process) error {
			calls++
			seen = p
			return nil
		},
	})
	if calls != 1 {
		t.Fatalf("OnStart ran %d times, want 1", calls)
	}
	if seen != h.proc {
		t.Fatal("OnStart received a different process")
	}
}

func TestOpen_StartHookError(t *testing.T) {
	drv := enginetest.NewDriver()
	boom := fmt.Errorf("init failed")
	_, err := OpenWithConfig(context.Background(), drv, 0, &Config{
		OnStart: func(ctx context.Context, p *Process) error { return boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the hook error", err)
	}
	if tr := drv.Last(); tr == nil || !tr.Closed() {
		t.Fatal("transport not closed after hook failure")
	}
}

func TestProcess_SyncMemory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := waitCtx(t)

	addr, err := h.proc.AllocMem(ctx, 8)
	if err != nil {
		t.Fatalf("AllocMem: %v", err)
	}
	in := []byte("offload!")
	if err := h.proc.WriteMem(ctx, addr, in); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}
	out := make([]byte, len(in))
	if err := h.proc.ReadMem(ctx, out, addr); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("read %q, want %q", out, in)
	}
	if err := h.proc.ReadMem(ctx, nil, addr); err != nil {
		t.Fatalf("zero-length ReadMem: %v", err)
	}
	if err := h.proc.FreeMem(ctx, addr); err != nil {
		t.Fatalf("FreeMem: %v", err)
	}
	if err := h.proc.FreeMem(ctx, addr); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("double FreeMem = %v, want not_found", err)
	}
}

func TestProcess_Allocations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := waitCtx(t)

	var addrs []abi.Addr
	for _, n := range []uint64{32, 8, 100} {
		a, err := h.proc.AllocMem(ctx, n)
		if err != nil {
			t.Fatalf("AllocMem(%d): %v", n, err)
		}
		addrs = append(addrs, a)
	}
	if err := h.proc.FreeMem(ctx, addrs[1]); err != nil {
		t.Fatalf("FreeMem: %v", err)
	}

	got := h.proc.Allocations()
	want := []Allocation{{Addr: addrs[0], Size: 32}, {Addr: addrs[2], Size: 100}}
	if len(got) != len(want) {
		t.Fatalf("Allocations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Allocations = %v, want %v", got, want)
		}
	}
}

func TestProcess_CloseReportsLeaks(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, &Config{Metrics: m})
	ctx := waitCtx(t)

	kept, err := h.proc.AllocMem(ctx, 16)
	if err != nil {
		t.Fatalf("AllocMem: %v", err)
	}
	freed, err := h.proc.AllocMem(ctx, 16)
	if err != nil {
		t.Fatalf("AllocMem: %v", err)
	}
	if err := h.proc.FreeMem(ctx, freed); err != nil {
		t.Fatalf("FreeMem: %v", err)
	}

	if err := h.proc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := testutil.ToFloat64(m.leaked); got != 1 {
		t.Errorf("leaked_allocations_total = %v, want 1 (leaked %#x)", got, uint64(kept))
	}
	if n := h.tr.Live(); n != 0 {
		t.Errorf("%d allocations still live in the engine", n)
	}
	if got := testutil.ToFloat64(m.processes); got != 0 {
		t.Errorf("processes_open = %v, want 0", got)
	}
}

func TestProcess_CloseDrainsContexts(t *testing.T) {
	h := newHarness(t, nil)
	fn := h.function(t, "sleep_add", "long", "long", "long", "long")

	var reqs []*Request
	for i := 0; i < 3; i++ {
		c := h.context(t)
		reqs = append(reqs, mustCall(t, fn, c, i, 0, 10))
	}
	if err := h.proc.Close(waitCtx(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, r := range reqs {
		v, err := r.Wait(context.Background())
		if err != nil || v != int64(i) {
			t.Errorf("request on context %d: %v, %v", r.Context().ID(), v, err)
		}
	}
	if !h.tr.Closed() {
		t.Error("transport still attached after Close")
	}
}

func TestProcess_CloseIsBoundedWhenEngineWedges(t *testing.T) {
	h := newHarness(t, &Config{CloseTimeout: 30 * time.Millisecond})
	c := h.context(t)
	fn := h.function(t, "wedge", "int")
	r := mustCall(t, fn, c)

	start := time.Now()
	err := h.proc.Close(context.Background())
	if err == nil {
		t.Fatal("Close succeeded with a wedged call")
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("Close took %v", d)
	}
	if _, err := r.Wait(context.Background()); !errors.Is(err, errors.ErrContextClosed) {
		t.Fatalf("wedged request: err = %v, want context_closed", err)
	}
}

func TestProcess_HandleInvalidated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := waitCtx(t)
	c := h.context(t)
	if err := h.proc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ops := map[string]func() error{
		"LoadLibrary": func() error { _, err := h.proc.LoadLibrary(ctx, testLib); return err },
		"OpenContext": func() error { _, err := h.proc.OpenContext(ctx); return err },
		"AllocMem":    func() error { _, err := h.proc.AllocMem(ctx, 8); return err },
		"FreeMem":     func() error { return h.proc.FreeMem(ctx, 0x10) },
		"ReadMem":     func() error { return h.proc.ReadMem(ctx, make([]byte, 1), 0x10) },
		"WriteMem":    func() error { return h.proc.WriteMem(ctx, 0x10, []byte{1}) },
		"Health":      func() error { return h.proc.Health() },
		"Symbol":      func() error { _, err := h.lib.Symbol("add"); return err },
		"AsyncWrite":  func() error { _, err := c.AsyncWrite(0x10, []byte{1}); return err },
		"Close":       func() error { return c.Close() },
		"CloseForce":  func() error { return c.CloseForce() },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, errors.ErrHandleInvalidated) {
			t.Errorf("%s after Close: err = %v, want handle_invalidated", name, err)
		}
	}
	if err := h.proc.Close(ctx); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestMetrics_RequestCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, &Config{Metrics: m})
	c := h.context(t)
	fn := h.function(t, "add", "int", "int", "int")

	mustWait(t, mustCall(t, fn, c, 1, 2))
	w, err := c.AsyncWrite(0x100, make([]byte, 64))
	if err != nil {
		t.Fatalf("AsyncWrite: %v", err)
	}
	mustWait(t, w)
	bad, err := c.AsyncRead(make([]byte, 4), 1<<30)
	if err != nil {
		t.Fatalf("AsyncRead: %v", err)
	}
	_, _ = bad.Wait(waitCtx(t))

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"call completed", m.requests.WithLabelValues(opCall, "completed"), 1},
		{"write completed", m.requests.WithLabelValues(opWrite, "completed"), 1},
		{"read failed", m.requests.WithLabelValues(opRead, "failed"), 1},
		{"bytes to engine", m.transferBytes.WithLabelValues("to_engine"), 64},
		{"bytes from engine", m.transferBytes.WithLabelValues("from_engine"), 0},
		{"inflight", m.inflight, 0},
		{"processes", m.processes, 1},
	}
	for _, tc := range checks {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}
}
