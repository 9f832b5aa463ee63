package abi

import "unsafe"

// Number is the set of element types accepted by Slice.
type Number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// Slice wraps a numeric slice as an on-stack buffer that aliases the slice's
// memory, so OUT and INOUT copy-back lands in s itself. Element bytes are
// passed in host byte order; the engine is little-endian.
func Slice[T Number](s []T, intent Intent) *OnStack {
	if len(s) == 0 {
		return &OnStack{Buf: []byte{}, Intent: intent}
	}
	var zero T
	n := len(s) * int(unsafe.Sizeof(zero))
	return &OnStack{
		Buf:    unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), n),
		Intent: intent,
	}
}
