package wasmimage

const (
	opUnreachable = 0x00
	opBlock       = 0x02
	opLoop        = 0x03
	opEnd         = 0x0b
	opBr          = 0x0c
	opBrIf        = 0x0d
	opReturn      = 0x0f
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opLocalTee    = 0x22
	opI32Load     = 0x28
	opI64Load     = 0x29
	opF64Load     = 0x2b
	opI32Store    = 0x36
	opI64Store    = 0x37
	opF64Store    = 0x39
	opI32Const    = 0x41
	opI64Const    = 0x42
	opF64Const    = 0x44
	opI32Eqz      = 0x45
	opI32LtS      = 0x48
	opI32GeS      = 0x4e
	opI32Add      = 0x6a
	opI32Sub      = 0x6b
	opI32Mul      = 0x6c
	opI32Shl      = 0x74
	opI64Add      = 0x7c
	opF32Add      = 0x92
	opF64Add      = 0xa0
	opF64Mul      = 0xa2

	blockEmpty = 0x40
)

// Code assembles a function body. Methods return the receiver so bodies
// read top to bottom:
//
//	NewCode().LocalGet(0).LocalGet(1).I32Add().Bytes()
type Code struct {
	w writer
}

// NewCode returns an empty instruction sequence.
func NewCode() *Code { return &Code{} }

// Bytes returns the encoded instructions.
func (c *Code) Bytes() []byte { return append([]byte(nil), c.w.bytes()...) }

func (c *Code) op(b byte) *Code {
	c.w.byte(b)
	return c
}

func (c *Code) idx(b byte, i uint32) *Code {
	c.w.byte(b)
	c.w.u32(i)
	return c
}

// memarg writes a load or store with natural alignment log2(align).
func (c *Code) memarg(b byte, alignLog2, offset uint32) *Code {
	c.w.byte(b)
	c.w.u32(alignLog2)
	c.w.u32(offset)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }

// Block opens a block with an empty result type.
func (c *Code) Block() *Code {
	c.w.byte(opBlock)
	return c.op(blockEmpty)
}

// Loop opens a loop with an empty result type.
func (c *Code) Loop() *Code {
	c.w.byte(opLoop)
	return c.op(blockEmpty)
}

func (c *Code) End() *Code              { return c.op(opEnd) }
func (c *Code) Br(depth uint32) *Code   { return c.idx(opBr, depth) }
func (c *Code) BrIf(depth uint32) *Code { return c.idx(opBrIf, depth) }
func (c *Code) Return() *Code           { return c.op(opReturn) }
func (c *Code) Drop() *Code             { return c.op(opDrop) }

func (c *Code) LocalGet(i uint32) *Code { return c.idx(opLocalGet, i) }
func (c *Code) LocalSet(i uint32) *Code { return c.idx(opLocalSet, i) }
func (c *Code) LocalTee(i uint32) *Code { return c.idx(opLocalTee, i) }

func (c *Code) I32Load(offset uint32) *Code  { return c.memarg(opI32Load, 2, offset) }
func (c *Code) I64Load(offset uint32) *Code  { return c.memarg(opI64Load, 3, offset) }
func (c *Code) F64Load(offset uint32) *Code  { return c.memarg(opF64Load, 3, offset) }
func (c *Code) I32Store(offset uint32) *Code { return c.memarg(opI32Store, 2, offset) }
func (c *Code) I64Store(offset uint32) *Code { return c.memarg(opI64Store, 3, offset) }
func (c *Code) F64Store(offset uint32) *Code { return c.memarg(opF64Store, 3, offset) }

func (c *Code) I32Const(v int32) *Code {
	c.w.byte(opI32Const)
	c.w.s64(int64(v))
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.w.byte(opI64Const)
	c.w.s64(v)
	return c
}

func (c *Code) F64Const(v float64) *Code {
	c.w.byte(opF64Const)
	c.w.f64(v)
	return c
}

func (c *Code) I32Eqz() *Code { return c.op(opI32Eqz) }
func (c *Code) I32LtS() *Code { return c.op(opI32LtS) }
func (c *Code) I32GeS() *Code { return c.op(opI32GeS) }
func (c *Code) I32Add() *Code { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code { return c.op(opI32Sub) }
func (c *Code) I32Mul() *Code { return c.op(opI32Mul) }
func (c *Code) I32Shl() *Code { return c.op(opI32Shl) }
func (c *Code) I64Add() *Code { return c.op(opI64Add) }
func (c *Code) F32Add() *Code { return c.op(opF32Add) }
func (c *Code) F64Add() *Code { return c.op(opF64Add) }
func (c *Code) F64Mul() *Code { return c.op(opF64Mul) }
