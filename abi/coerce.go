package abi

import (
	"fmt"
	"math"

	"github.com/wippyai/wasm-offload/errors"
)

// Addr is an address in the engine's address space. Passing an Addr as an
// argument never involves the host address space.
type Addr uint64

// RawWord is a result word whose type was never declared.
type RawWord uint64

type coerceStatus uint8

const (
	coerceOK coerceStatus = iota
	coerceMismatch
	coerceOverflow
)

// asInt64 converts Go numeric values to int64. Floats convert only when exact.
func asInt64(value any) (int64, coerceStatus) {
	switch v := value.(type) {
	case int:
		return int64(v), coerceOK
	case int8:
		return int64(v), coerceOK
	case int16:
		return int64(v), coerceOK
	case int32:
		return int64(v), coerceOK
	case int64:
		return v, coerceOK
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, coerceOverflow
		}
		return int64(v), coerceOK
	case uint8:
		return int64(v), coerceOK
	case uint16:
		return int64(v), coerceOK
	case uint32:
		return int64(v), coerceOK
	case uint64:
		if v > math.MaxInt64 {
			return 0, coerceOverflow
		}
		return int64(v), coerceOK
	case bool:
		if v {
			return 1, coerceOK
		}
		return 0, coerceOK
	case float32:
		return floatToInt64(float64(v))
	case float64:
		return floatToInt64(v)
	}
	return 0, coerceMismatch
}

func floatToInt64(f float64) (int64, coerceStatus) {
	// 2^63 is exactly representable; anything at or above it overflows.
	if f >= -math.MaxInt64-1 && f < math.MaxInt64 && f == math.Trunc(f) {
		return int64(f), coerceOK
	}
	if f != math.Trunc(f) {
		return 0, coerceMismatch
	}
	return 0, coerceOverflow
}

// asUint64 converts Go numeric values to uint64. Negative values overflow.
func asUint64(value any) (uint64, coerceStatus) {
	switch v := value.(type) {
	case uint:
		return uint64(v), coerceOK
	case uint8:
		return uint64(v), coerceOK
	case uint16:
		return uint64(v), coerceOK
	case uint32:
		return uint64(v), coerceOK
	case uint64:
		return v, coerceOK
	case uintptr:
		return uint64(v), coerceOK
	case Addr:
		return uint64(v), coerceOK
	case float32, float64:
		f := toFloat(v)
		if f != math.Trunc(f) {
			return 0, coerceMismatch
		}
		if f < 0 || f >= math.MaxUint64 {
			return 0, coerceOverflow
		}
		return uint64(f), coerceOK
	}
	n, st := asInt64(value)
	if st != coerceOK {
		return 0, st
	}
	if n < 0 {
		return 0, coerceOverflow
	}
	return uint64(n), coerceOK
}

func toFloat(v any) float64 {
	switch f := v.(type) {
	case float32:
		return float64(f)
	case float64:
		return f
	}
	return 0
}

// asFloat64 converts Go numeric values to float64.
func asFloat64(value any) (float64, coerceStatus) {
	switch v := value.(type) {
	case float32:
		return float64(v), coerceOK
	case float64:
		return v, coerceOK
	case uint:
		return float64(v), coerceOK
	case uint64:
		return float64(v), coerceOK
	}
	n, st := asInt64(value)
	if st != coerceOK {
		return 0, st
	}
	return float64(n), coerceOK
}

var intRanges = map[Type][2]int64{
	I8:  {math.MinInt8, math.MaxInt8},
	I16: {math.MinInt16, math.MaxInt16},
	I32: {math.MinInt32, math.MaxInt32},
	I64: {math.MinInt64, math.MaxInt64},
}

var uintRanges = map[Type]uint64{
	U8:  math.MaxUint8,
	U16: math.MaxUint16,
	U32: math.MaxUint32,
	U64: math.MaxUint64,
	Ptr: math.MaxUint64,
}

// encodeScalar widens or reinterprets value to the declared type t and
// returns its register bit pattern: signed integers sign-extended, unsigned
// integers and pointers zero-extended, F32 as IEEE-754 bits in the low word,
// F64 as IEEE-754 bits.
func encodeScalar(path []string, t Type, value any) (uint64, error) {
	var st coerceStatus
	var bits uint64

	switch t {
	case I8, I16, I32, I64:
		var n int64
		n, st = asInt64(value)
		if st == coerceOK {
			r := intRanges[t]
			if n < r[0] || n > r[1] {
				st = coerceOverflow
			}
		}
		bits = uint64(n)
	case U8, U16, U32, U64, Ptr:
		if _, isAddr := value.(Addr); isAddr && t != Ptr && t != U64 {
			st = coerceMismatch
			break
		}
		var n uint64
		n, st = asUint64(value)
		if st == coerceOK && n > uintRanges[t] {
			st = coerceOverflow
		}
		bits = n
	case F32:
		var f float64
		f, st = asFloat64(value)
		if st == coerceOK && !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			st = coerceOverflow
		}
		bits = uint64(math.Float32bits(float32(f)))
	case F64:
		var f float64
		f, st = asFloat64(value)
		bits = math.Float64bits(f)
	case Raw, Void:
		return 0, errors.New(errors.PhaseMarshal, errors.KindInvalidInput).
			Path(path...).
			Type(t.String()).
			Detail("not a valid argument type").
			Build()
	default:
		return 0, errors.Unsupported(errors.PhaseMarshal, "unknown type tag "+t.String())
	}

	switch st {
	case coerceMismatch:
		return 0, errors.TypeMismatch(errors.PhaseMarshal, path, fmt.Sprintf("%T", value), t.String())
	case coerceOverflow:
		return 0, errors.Overflow(errors.PhaseMarshal, path, value, t.String())
	}
	return bits, nil
}
