package abi

import (
	"regexp"
	"strings"

	"github.com/wippyai/wasm-offload/errors"
)

// MaxRegisterArgs bounds the number of register arguments in one call frame.
const MaxRegisterArgs = 32

// Signature is the declared argument and result types of a callable.
type Signature struct {
	Params []Type
	Result Type
}

// NewSignature validates params and result and returns a signature.
func NewSignature(result Type, params ...Type) (Signature, error) {
	if len(params) > MaxRegisterArgs {
		return Signature{}, errors.Unsupported(errors.PhaseMarshal, "more than 32 arguments")
	}
	for i, p := range params {
		if !p.valid() {
			return Signature{}, errors.New(errors.PhaseMarshal, errors.KindInvalidInput).
				Path(argPath(i)).
				Type(p.String()).
				Detail("not a valid argument type").
				Build()
		}
	}
	if result > Ptr {
		return Signature{}, errors.InvalidInput(errors.PhaseMarshal, "invalid result type "+result.String())
	}
	return Signature{Params: append([]Type(nil), params...), Result: result}, nil
}

// ParseParams resolves type spellings with ParseType.
func ParseParams(names ...string) ([]Type, error) {
	types := make([]Type, 0, len(names))
	for i, n := range names {
		t, err := ParseType(n)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidInput, err, argPath(i))
		}
		if !t.valid() {
			return nil, errors.New(errors.PhaseMarshal, errors.KindInvalidInput).
				Path(argPath(i)).
				Type(t.String()).
				Detail("%q is not a valid argument type", n).
				Build()
		}
		types = append(types, t)
	}
	return types, nil
}

// String renders the signature as "(i32, ptr) -> i32".
func (s Signature) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(") -> ")
	b.WriteString(s.Result.String())
	return b.String()
}

var witFuncPattern = regexp.MustCompile(`^\s*(?:export\s+)?([a-zA-Z_][a-zA-Z0-9_-]*)\s*:\s*func\s*\(([^)]*)\)(?:\s*->\s*([^;]+))?\s*;?\s*$`)

// ParseWIT parses a single WIT-style function declaration, e.g.
//
//	sum: func(n: s32, data: ptr) -> s32
//
// "ptr" is accepted as a parameter or result type in addition to WIT
// primitives. A missing result means Void.
func ParseWIT(text string) (string, Signature, error) {
	m := witFuncPattern.FindStringSubmatch(text)
	if m == nil {
		return "", Signature{}, errors.InvalidInput(errors.PhaseMarshal, "not a WIT function declaration: "+text)
	}
	name := m[1]

	var params []Type
	if ps := strings.TrimSpace(m[2]); ps != "" {
		for i, p := range strings.Split(ps, ",") {
			typStr := strings.TrimSpace(p)
			if idx := strings.LastIndex(typStr, ":"); idx != -1 {
				typStr = strings.TrimSpace(typStr[idx+1:])
			}
			t, err := ParseType(typStr)
			if err != nil {
				return "", Signature{}, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidInput, err, "parse param type "+typStr)
			}
			if !t.valid() {
				return "", Signature{}, errors.New(errors.PhaseMarshal, errors.KindInvalidInput).
					Path(argPath(i)).
					Type(t.String()).
					Detail("not a valid argument type").
					Build()
			}
			params = append(params, t)
		}
	}

	result := Void
	if rs := strings.TrimSpace(m[3]); rs != "" && rs != "()" {
		t, err := ParseType(rs)
		if err != nil {
			return "", Signature{}, errors.Wrap(errors.PhaseMarshal, errors.KindInvalidInput, err, "parse result type "+rs)
		}
		result = t
	}

	sig, err := NewSignature(result, params...)
	return name, sig, err
}
