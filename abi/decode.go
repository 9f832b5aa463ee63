package abi

import (
	"math"

	"github.com/wippyai/wasm-offload/errors"
)

// Decode reinterprets a raw result word according to the declared result
// type. Void yields nil; Raw (undeclared) yields a RawWord.
func Decode(t Type, raw uint64) (any, error) {
	switch t {
	case Raw:
		return RawWord(raw), nil
	case Void:
		return nil, nil
	case I8:
		return int8(raw), nil
	case U8:
		return uint8(raw), nil
	case I16:
		return int16(raw), nil
	case U16:
		return uint16(raw), nil
	case I32:
		return int32(raw), nil
	case U32:
		return uint32(raw), nil
	case I64:
		return int64(raw), nil
	case U64:
		return raw, nil
	case F32:
		return math.Float32frombits(uint32(raw)), nil
	case F64:
		return math.Float64frombits(raw), nil
	case Ptr:
		return Addr(raw), nil
	}
	return nil, errors.Unsupported(errors.PhaseDecode, "unknown result type "+t.String())
}
