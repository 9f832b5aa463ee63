package engine

import (
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmoffload "github.com/wippyai/wasm-offload"
	"github.com/wippyai/wasm-offload/abi"
	"github.com/wippyai/wasm-offload/errors"
)

// runCall executes one call frame. The stack image is placed on the engine
// heap for the duration of the call, register values that point into it are
// rebased onto its address, and the post-call image is read back when the
// frame asks for it.
func (p *Process) runCall(s *stream, call *wasmoffload.Call) wasmoffload.Completion {
	sym, ok := p.lookup(call.Addr)
	if !ok {
		fault := errors.RemoteFault(fmt.Sprintf("call to unmapped address %s", hexAddr(call.Addr)), nil)
		p.die(fault)
		return failed(fault)
	}
	fn := s.function(call.Addr, sym)
	if fn == nil {
		fault := errors.RemoteFault(fmt.Sprintf("symbol %s is gone", sym.name), nil)
		p.die(fault)
		return failed(fault)
	}

	frame := call.Frame
	def := fn.Definition()
	if err := checkFrame(sym.name, def, frame); err != nil {
		return failed(err)
	}

	var base uint64
	if len(frame.Stack) > 0 {
		addr, err := p.heap.alloc(uint64(len(frame.Stack)))
		if err != nil {
			return failed(err)
		}
		defer func() { _ = p.heap.release(addr) }()
		base = uint64(addr)
		if err := p.mem.write(base, frame.Stack); err != nil {
			return failed(err)
		}
	}

	params, err := lowerParams(sym.name, def.ParamTypes(), frame.Regs, base)
	if err != nil {
		return failed(err)
	}

	results, err := fn.Call(p.ctx, params...)
	if err != nil {
		fault := errors.RemoteFault("trap in "+sym.name, err)
		p.die(fault)
		return failed(fault)
	}

	c := wasmoffload.Completion{Status: wasmoffload.StatusCompleted}
	if len(results) > 0 {
		c.Result = results[0]
	}
	if frame.WantsStackBack() {
		c.Stack = make([]byte, len(frame.Stack))
		if err := p.mem.read(base, c.Stack); err != nil {
			return failed(err)
		}
	}
	p.log.Debug("call completed",
		zap.String("symbol", sym.name),
		zap.Int("args", len(frame.Regs)),
		zap.Int("stack_bytes", len(frame.Stack)))
	return c
}

// checkFrame rejects frames whose shape does not match the function.
func checkFrame(name string, def api.FunctionDefinition, frame *abi.Frame) error {
	if n := len(def.ParamTypes()); n != len(frame.Regs) {
		return errors.MalformedFrame("%s takes %d parameters, frame carries %d", name, n, len(frame.Regs))
	}
	if len(def.ResultTypes()) > 1 {
		return errors.MalformedFrame("%s returns %d values, at most one is supported", name, len(def.ResultTypes()))
	}
	return nil
}

// lowerParams converts register values to wasm call parameters.
// Integer registers lower to i32 or i64, F32 only to f32 and F64 only to
// f64. A value that does not fit an i32 parameter is rejected.
func lowerParams(name string, types []api.ValueType, regs []abi.Reg, base uint64) ([]uint64, error) {
	params := make([]uint64, len(regs))
	for i, reg := range regs {
		v := reg.Value(base)
		bad := func() error {
			return errors.MalformedFrame("%s: arg[%d] of type %s cannot be passed as %s",
				name, i, reg.Type, api.ValueTypeName(types[i]))
		}

		switch types[i] {
		case api.ValueTypeI32:
			if !reg.Type.IsInteger() {
				return nil, bad()
			}
			switch reg.Type {
			case abi.I64, abi.U64:
				return nil, bad()
			case abi.Ptr:
				if v > math.MaxUint32 {
					return nil, bad()
				}
			}
			params[i] = uint64(uint32(v))
		case api.ValueTypeI64:
			if !reg.Type.IsInteger() {
				return nil, bad()
			}
			params[i] = v
		case api.ValueTypeF32:
			if reg.Type != abi.F32 {
				return nil, bad()
			}
			params[i] = uint64(uint32(v))
		case api.ValueTypeF64:
			if reg.Type != abi.F64 {
				return nil, bad()
			}
			params[i] = v
		default:
			return nil, bad()
		}
	}
	return params, nil
}
