package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	wasmoffload "github.com/wippyai/wasm-offload"
	"github.com/wippyai/wasm-offload/abi"
	"github.com/wippyai/wasm-offload/engine"
	"github.com/wippyai/wasm-offload/errors"
	"github.com/wippyai/wasm-offload/internal/wasmimage"
)

// engineDriver opens wazero engine processes and remembers the last one so
// tests can kill it.
type engineDriver struct {
	eng  *engine.Engine
	last *engine.Process
}

func (d *engineDriver) Open(ctx context.Context, node int) (wasmoffload.Transport, error) {
	p, err := d.eng.OpenProcess(ctx, node)
	if err != nil {
		return nil, err
	}
	d.last = p
	return p, nil
}

type e2e struct {
	drv  *engineDriver
	proc *Process
	lib  *Library
	ctx  *Context
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	ctx := context.Background()

	eng, err := engine.New(ctx, &engine.Config{Name: "runtime-e2e", Nodes: 1, MemoryPages: 4})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	path := filepath.Join(t.TempDir(), "kernels.wasm")
	if err := os.WriteFile(path, wasmimage.Kernels(), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	drv := &engineDriver{eng: eng}
	proc, err := Open(ctx, drv, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = proc.Close(context.Background()) })

	lib, err := proc.LoadLibrary(ctx, path)
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	c, err := proc.OpenContext(ctx)
	if err != nil {
		t.Fatalf("OpenContext: %v", err)
	}
	return &e2e{drv: drv, proc: proc, lib: lib, ctx: c}
}

func TestEndToEnd_SumInc(t *testing.T) {
	e := newE2E(t)
	fn := e.lib.Function("sum_inc")
	if err := fn.SetArgs("int", "int *"); err != nil {
		t.Fatalf("SetArgs: %v", err)
	}
	if err := fn.SetResult("int"); err != nil {
		t.Fatalf("SetResult: %v", err)
	}

	data := []int32{1, 2, 3, 4, 5}
	r := mustCall(t, fn, e.ctx, len(data), abi.Slice(data, abi.IntentInOut))
	if v := mustWait(t, r); v != int32(15) {
		t.Fatalf("sum = %v, want 15", v)
	}
	want := []int32{2, 3, 4, 5, 6}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("data = %v, want %v", data, want)
		}
	}
}

func TestEndToEnd_ScaleOnStack(t *testing.T) {
	e := newE2E(t)
	fn := e.lib.Function("scale")
	if err := fn.DeclareWIT("scale: func(p: ptr, n: s32, k: f64)"); err != nil {
		t.Fatalf("DeclareWIT: %v", err)
	}

	data := []float64{1.5, -2, 4}
	r := mustCall(t, fn, e.ctx, abi.Slice(data, abi.IntentInOut), len(data), 2.0)
	if v := mustWait(t, r); v != nil {
		t.Fatalf("void call returned %v", v)
	}
	want := []float64{3, -4, 8}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("data = %v, want %v", data, want)
		}
	}
}

func TestEndToEnd_AsyncWriteCallRead(t *testing.T) {
	e := newE2E(t)
	ctx := waitCtx(t)
	fn := e.lib.Function("sum_inc")
	if err := fn.ArgsType(abi.I32, abi.Ptr); err != nil {
		t.Fatalf("ArgsType: %v", err)
	}
	if err := fn.ResultType(abi.I32); err != nil {
		t.Fatalf("ResultType: %v", err)
	}

	addr, err := e.proc.AllocMem(ctx, 8)
	if err != nil {
		t.Fatalf("AllocMem: %v", err)
	}
	defer func() { _ = e.proc.FreeMem(ctx, addr) }()

	if _, err := e.ctx.AsyncWrite(addr, []byte{10, 0, 0, 0, 20, 0, 0, 0}); err != nil {
		t.Fatalf("AsyncWrite: %v", err)
	}
	call := mustCall(t, fn, e.ctx, 2, addr)
	out := make([]byte, 8)
	read, err := e.ctx.AsyncRead(out, addr)
	if err != nil {
		t.Fatalf("AsyncRead: %v", err)
	}

	mustWait(t, read)
	if v := mustWait(t, call); v != int32(30) {
		t.Fatalf("sum = %v, want 30", v)
	}
	if out[0] != 11 || out[4] != 21 {
		t.Fatalf("read back %v", out)
	}
}

func TestEndToEnd_KillFailsRunningCall(t *testing.T) {
	e := newE2E(t)
	fn := e.lib.Function("spin")
	if err := fn.DeclareWIT("spin: func(n: s32) -> s32"); err != nil {
		t.Fatalf("DeclareWIT: %v", err)
	}

	r := mustCall(t, fn, e.ctx, int32(0x7fffffff))
	e.drv.last.Kill()

	if _, err := r.Wait(waitCtx(t)); !errors.Is(err, errors.ErrRemoteFault) {
		t.Fatalf("err = %v, want remote_fault", err)
	}
	if err := e.proc.Health(); !errors.Is(err, errors.ErrRemoteFault) {
		t.Fatalf("Health = %v, want remote_fault", err)
	}
	if err := e.proc.Close(waitCtx(t)); err != nil {
		t.Fatalf("Close after kill: %v", err)
	}
}

func TestEndToEnd_TrapIsRemoteFault(t *testing.T) {
	e := newE2E(t)
	trap := e.lib.Function("trap")
	if err := trap.SetArgs(); err != nil {
		t.Fatalf("SetArgs: %v", err)
	}
	if _, err := mustCall(t, trap, e.ctx).Wait(waitCtx(t)); !errors.Is(err, errors.ErrRemoteFault) {
		t.Fatalf("err = %v, want remote_fault", err)
	}
}
