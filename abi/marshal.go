package abi

import (
	"fmt"

	"github.com/wippyai/wasm-offload/errors"
)

// Marshal builds a call frame for args under sig. name is only used in error
// messages.
//
// Each argument is either a Go scalar, an Addr, nil (null pointer), or an
// *OnStack / OnStack buffer. Scalars are coerced to the declared type of
// their position; buffers must be declared Ptr and are laid out in one
// contiguous stack image, each aligned to StackAlign. The register for a
// buffer carries its stack-relative offset, never a host address.
func Marshal(name string, sig Signature, args []any) (*Frame, error) {
	if len(args) != len(sig.Params) {
		return nil, errors.ArityMismatch(name, len(sig.Params), len(args))
	}

	frame := &Frame{
		Regs:   make([]Reg, len(args)),
		Result: sig.Result,
	}

	var bufs []*OnStack
	size := 0
	for i, arg := range args {
		t := sig.Params[i]
		path := []string{argPath(i)}

		if sb, ok := asOnStack(arg); ok {
			if t != Ptr {
				return nil, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
					Path(path...).
					GoType("on-stack buffer").
					Type(t.String()).
					Detail("on-stack buffers must be declared as pointers").
					Build()
			}
			if sb.Intent > IntentNone {
				return nil, errors.InvalidInput(errors.PhaseMarshal, fmt.Sprintf("%s: unknown intent %d", argPath(i), sb.Intent))
			}
			off := alignUp(size, StackAlign)
			frame.Refs = append(frame.Refs, StackRef{
				Offset: off,
				Len:    len(sb.Buf),
				Intent: sb.Intent,
				host:   sb.Buf,
			})
			bufs = append(bufs, sb)
			frame.Regs[i] = Reg{Type: Ptr, Bits: uint64(off), StackRel: true}
			size = off + len(sb.Buf)
			continue
		}

		if arg == nil {
			if t != Ptr {
				return nil, errors.TypeMismatch(errors.PhaseMarshal, path, "nil", t.String())
			}
			frame.Regs[i] = Reg{Type: Ptr}
			continue
		}

		bits, err := encodeScalar(path, t, arg)
		if err != nil {
			return nil, err
		}
		frame.Regs[i] = Reg{Type: t, Bits: bits}
	}

	if len(bufs) > 0 {
		frame.Stack = make([]byte, alignUp(size, StackAlign))
		for i, sb := range bufs {
			if sb.Intent.copiesIn() {
				ref := frame.Refs[i]
				copy(frame.Stack[ref.Offset:ref.Offset+ref.Len], sb.Buf)
			}
		}
	}

	return frame, nil
}

func asOnStack(arg any) (*OnStack, bool) {
	switch v := arg.(type) {
	case *OnStack:
		if v == nil {
			return nil, false
		}
		return v, true
	case OnStack:
		return &v, true
	}
	return nil, false
}
