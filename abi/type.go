package abi

import (
	"fmt"
	"strings"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-offload/errors"
)

// Type is a primitive wire type tag. The set is closed: every switch over
// Type in this package is exhaustive.
type Type uint8

const (
	// Raw is the zero value. As a result type it means "not declared":
	// the result word is surfaced as a RawWord instead of being guessed.
	Raw Type = iota
	Void
	I8
	U8
	I16
	U16
	I32
	U32
	I64
	U64
	F32
	F64
	Ptr
)

var typeNames = [...]string{
	Raw:  "raw",
	Void: "void",
	I8:   "i8",
	U8:   "u8",
	I16:  "i16",
	U16:  "u16",
	I32:  "i32",
	U32:  "u32",
	I64:  "i64",
	U64:  "u64",
	F32:  "f32",
	F64:  "f64",
	Ptr:  "ptr",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// Size returns the width of the type in bytes. Raw and Ptr are 8 bytes wide,
// Void is 0.
func (t Type) Size() int {
	switch t {
	case Void:
		return 0
	case I8, U8:
		return 1
	case I16, U16:
		return 2
	case I32, U32, F32:
		return 4
	case I64, U64, F64, Ptr, Raw:
		return 8
	}
	return 0
}

// IsSigned reports whether t is a signed integer type.
func (t Type) IsSigned() bool {
	return t == I8 || t == I16 || t == I32 || t == I64
}

// IsFloat reports whether t is a floating point type.
func (t Type) IsFloat() bool {
	return t == F32 || t == F64
}

// IsInteger reports whether t is an integer or pointer type.
func (t Type) IsInteger() bool {
	switch t {
	case I8, U8, I16, U16, I32, U32, I64, U64, Ptr:
		return true
	}
	return false
}

// valid reports whether t may appear in an argument list.
func (t Type) valid() bool {
	return t > Void && t <= Ptr
}

// cTypes maps C type spellings to wire types. Pointers are handled
// separately: any spelling ending in '*' is Ptr.
var cTypes = map[string]Type{
	"void":               Void,
	"char":               I8,
	"signed char":        I8,
	"unsigned char":      U8,
	"bool":               U8,
	"_Bool":              U8,
	"short":              I16,
	"short int":          I16,
	"unsigned short":     U16,
	"unsigned short int": U16,
	"int":                I32,
	"signed":             I32,
	"signed int":         I32,
	"unsigned":           U32,
	"unsigned int":       U32,
	"long":               I64,
	"long int":           I64,
	"long long":          I64,
	"unsigned long":      U64,
	"unsigned long int":  U64,
	"unsigned long long": U64,
	"int8_t":             I8,
	"uint8_t":            U8,
	"int16_t":            I16,
	"uint16_t":           U16,
	"int32_t":            I32,
	"uint32_t":           U32,
	"int64_t":            I64,
	"uint64_t":           U64,
	"size_t":             U64,
	"ssize_t":            I64,
	"intptr_t":           I64,
	"uintptr_t":          U64,
	"float":              F32,
	"double":             F64,
	"ptr":                Ptr,
	"s8":                 I8,
	"s16":                I16,
	"s32":                I32,
	"s64":                I64,
}

// ParseType resolves a type spelling into a Type. It accepts C spellings
// ("int", "unsigned long", "double *", "void *"), the tag names used by
// String ("i32", "ptr"), and WIT primitive names ("s32", "u64", "f64").
func ParseType(s string) (Type, error) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return Raw, errors.InvalidInput(errors.PhaseMarshal, "empty type name")
	}
	if strings.HasSuffix(s, "*") {
		return Ptr, nil
	}
	s = strings.TrimPrefix(s, "const ")
	if t, ok := cTypes[s]; ok {
		return t, nil
	}
	for t, name := range typeNames {
		if name == s && Type(t) != Raw {
			return Type(t), nil
		}
	}
	return parseWITType(s)
}

func parseWITType(s string) (Type, error) {
	wt, err := wit.ParseType(s)
	if err != nil {
		return Raw, errors.Wrap(errors.PhaseMarshal, errors.KindUnsupported, err, "unknown type "+s)
	}
	return FromWIT(wt)
}

// FromWIT maps a WIT primitive type to its wire type.
func FromWIT(t wit.Type) (Type, error) {
	switch t.(type) {
	case wit.Bool, wit.U8:
		return U8, nil
	case wit.S8:
		return I8, nil
	case wit.U16:
		return U16, nil
	case wit.S16:
		return I16, nil
	case wit.U32, wit.Char:
		return U32, nil
	case wit.S32:
		return I32, nil
	case wit.U64:
		return U64, nil
	case wit.S64:
		return I64, nil
	case wit.F32:
		return F32, nil
	case wit.F64:
		return F64, nil
	}
	return Raw, errors.Unsupported(errors.PhaseMarshal, fmt.Sprintf("non-primitive WIT type %T cannot be passed in a register", t))
}
