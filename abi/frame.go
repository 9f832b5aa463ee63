package abi

import (
	"strconv"

	"github.com/wippyai/wasm-offload/errors"
)

// StackAlign is the alignment of every buffer inside a stack image.
const StackAlign = 8

// Intent says in which direction(s) an on-stack buffer is copied.
type Intent uint8

const (
	// IntentIn copies the host buffer into the stack image before the call.
	IntentIn Intent = iota
	// IntentOut copies the post-call stack image back into the host buffer.
	IntentOut
	// IntentInOut does both.
	IntentInOut
	// IntentNone reserves zeroed stack space and copies nothing.
	IntentNone
)

func (i Intent) String() string {
	switch i {
	case IntentIn:
		return "in"
	case IntentOut:
		return "out"
	case IntentInOut:
		return "inout"
	case IntentNone:
		return "none"
	}
	return "unknown"
}

func (i Intent) copiesIn() bool  { return i == IntentIn || i == IntentInOut }
func (i Intent) copiesOut() bool { return i == IntentOut || i == IntentInOut }

// OnStack is an argument passed by copying Buf into the call frame's stack
// image. The callee receives a pointer into its own stack region.
type OnStack struct {
	Buf    []byte
	Intent Intent
}

// NewOnStack wraps buf as an on-stack argument.
func NewOnStack(buf []byte, intent Intent) *OnStack {
	return &OnStack{Buf: buf, Intent: intent}
}

// Reg is one register-sized argument.
type Reg struct {
	Type Type
	Bits uint64
	// StackRel marks Bits as an offset into the frame's stack image.
	StackRel bool
}

// Value returns the register value the callee must see given the engine
// address at which the stack image was placed.
func (r Reg) Value(stackBase uint64) uint64 {
	if r.StackRel {
		return stackBase + r.Bits
	}
	return r.Bits
}

// StackRef records where an on-stack argument lives in the stack image and
// which host buffer receives it after the call.
type StackRef struct {
	Offset int
	Len    int
	Intent Intent
	host   []byte
}

// Frame is the marshaled form of one invocation. A frame is built for one
// submission and must not be reused.
type Frame struct {
	Regs   []Reg
	Stack  []byte
	Refs   []StackRef
	Result Type
}

// CopyBack copies OUT and INOUT regions of the post-call stack image into the
// caller's host buffers. IN and NONE buffers are never touched.
func (f *Frame) CopyBack(stack []byte) error {
	if f == nil {
		return nil
	}
	for i, ref := range f.Refs {
		if ref.Intent.copiesOut() && ref.Offset+ref.Len > len(stack) {
			return errors.MalformedFrame("stack image of %d bytes too short for buffer %d at [%d,%d)",
				len(stack), i, ref.Offset, ref.Offset+ref.Len)
		}
	}
	for _, ref := range f.Refs {
		if ref.Intent.copiesOut() {
			copy(ref.host, stack[ref.Offset:ref.Offset+ref.Len])
		}
	}
	return nil
}

// WantsStackBack reports whether any buffer needs the post-call stack image.
func (f *Frame) WantsStackBack() bool {
	if f == nil {
		return false
	}
	for _, ref := range f.Refs {
		if ref.Intent.copiesOut() {
			return true
		}
	}
	return false
}

func argPath(i int) string {
	return "arg[" + strconv.Itoa(i) + "]"
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
