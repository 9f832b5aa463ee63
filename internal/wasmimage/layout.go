package wasmimage

import (
	"github.com/wippyai/wasm-offload/errors"
)

const (
	opGlobalGet = 0x23
	opF32Const  = 0x43
	opRefNull   = 0xd0
	opRefFunc   = 0xd2
	opI64Sub    = 0x7d
	opI64Mul    = 0x7e
)

// StaticEnd returns the first address above the static region a library
// image occupies in the memory it imports. The region ends at the highest
// of:
//
//   - the end of every active data segment with a constant offset
//   - the exported __heap_base and __data_end globals
//   - the initial value of the first defined mutable i32 global, which
//     linkers use as the stack pointer
//
// An image with none of these returns 0.
func StaticEnd(bin []byte) (uint32, error) {
	r := &reader{b: bin}
	if m, err := r.u32le(); err != nil || m != magic {
		return 0, errors.InvalidInput(errors.PhaseLoad, "not a wasm image")
	}
	if _, err := r.u32le(); err != nil {
		return 0, err
	}

	var (
		end      uint64
		imported uint32
		globals  []constGlobal
		exported []uint32
	)
	raise := func(v uint64) {
		if v > end {
			end = v
		}
	}

	for r.more() {
		id, err := r.byte()
		if err != nil {
			return 0, err
		}
		size, err := r.u32()
		if err != nil {
			return 0, err
		}
		body, err := r.take(int(size))
		if err != nil {
			return 0, err
		}
		sec := &reader{b: body}

		switch id {
		case sectionImport:
			if imported, err = sec.importedGlobals(); err != nil {
				return 0, err
			}
		case sectionGlobal:
			if globals, err = sec.globals(); err != nil {
				return 0, err
			}
		case sectionExport:
			if exported, err = sec.layoutExports(); err != nil {
				return 0, err
			}
		case sectionData:
			if err := sec.dataEnds(raise); err != nil {
				return 0, err
			}
		}
	}

	for _, idx := range exported {
		if idx < imported || int(idx-imported) >= len(globals) {
			continue
		}
		if g := globals[idx-imported]; g.known {
			raise(uint64(g.value))
		}
	}
	for _, g := range globals {
		if g.mutable && g.typ == I32 {
			if g.known {
				raise(uint64(g.value))
			}
			break
		}
	}

	if end > uint64(^uint32(0)) {
		return 0, errors.InvalidInput(errors.PhaseLoad, "static region beyond 32-bit memory")
	}
	return uint32(end), nil
}

type constGlobal struct {
	typ     ValType
	mutable bool
	known   bool
	value   uint32
}

func (r *reader) importedGlobals() (uint32, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	var globals uint32
	for i := uint32(0); i < n; i++ {
		if err := r.skipName(); err != nil {
			return 0, err
		}
		if err := r.skipName(); err != nil {
			return 0, err
		}
		kind, err := r.byte()
		if err != nil {
			return 0, err
		}
		switch kind {
		case kindFunc:
			_, err = r.u32()
		case kindTable:
			if _, err = r.byte(); err == nil {
				err = r.skipLimits()
			}
		case kindMemory:
			err = r.skipLimits()
		case kindGlobal:
			globals++
			_, err = r.take(2)
		default:
			err = errors.InvalidInput(errors.PhaseLoad, "unknown import kind")
		}
		if err != nil {
			return 0, err
		}
	}
	return globals, nil
}

func (r *reader) globals() ([]constGlobal, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]constGlobal, 0, n)
	for i := uint32(0); i < n; i++ {
		typ, err := r.byte()
		if err != nil {
			return nil, err
		}
		mut, err := r.byte()
		if err != nil {
			return nil, err
		}
		v, known, err := r.constExpr()
		if err != nil {
			return nil, err
		}
		out = append(out, constGlobal{typ: ValType(typ), mutable: mut == 1, known: known, value: v})
	}
	return out, nil
}

// layoutExports returns the global indices exported as __heap_base or
// __data_end.
func (r *reader) layoutExports() ([]uint32, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	var out []uint32
	for i := uint32(0); i < n; i++ {
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}
		idx, err := r.u32()
		if err != nil {
			return nil, err
		}
		if kind == kindGlobal && (name == "__heap_base" || name == "__data_end") {
			out = append(out, idx)
		}
	}
	return out, nil
}

func (r *reader) dataEnds(raise func(uint64)) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		flags, err := r.u32()
		if err != nil {
			return err
		}
		var (
			offset uint32
			known  bool
		)
		switch flags {
		case 0:
			offset, known, err = r.constExpr()
		case 1:
			// passive
		case 2:
			if _, err = r.u32(); err == nil {
				offset, known, err = r.constExpr()
			}
		default:
			err = errors.InvalidInput(errors.PhaseLoad, "unknown data segment kind")
		}
		if err != nil {
			return err
		}
		size, err := r.u32()
		if err != nil {
			return err
		}
		if _, err := r.take(int(size)); err != nil {
			return err
		}
		if known {
			raise(uint64(offset) + uint64(size))
		}
	}
	return nil
}

// constExpr reads a constant expression through its end opcode. The value
// is known only for a lone i32.const.
func (r *reader) constExpr() (uint32, bool, error) {
	var (
		value uint32
		ops   int
		lone  bool
	)
	for {
		op, err := r.byte()
		if err != nil {
			return 0, false, err
		}
		if op == opEnd {
			return value, lone && ops == 1, nil
		}
		ops++
		switch op {
		case opI32Const:
			v, err := r.s64()
			if err != nil {
				return 0, false, err
			}
			value, lone = uint32(int32(v)), true
		case opI64Const:
			_, err = r.s64()
		case opF32Const:
			_, err = r.take(4)
		case opF64Const:
			_, err = r.take(8)
		case opGlobalGet, opRefFunc:
			_, err = r.u32()
		case opRefNull:
			_, err = r.byte()
		case opI32Add, opI32Sub, opI32Mul, opI64Add, opI64Sub, opI64Mul:
		default:
			err = errors.InvalidInput(errors.PhaseLoad, "unsupported constant expression")
		}
		if err != nil {
			return 0, false, err
		}
	}
}
