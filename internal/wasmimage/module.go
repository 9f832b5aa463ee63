// Package wasmimage encodes small WebAssembly modules: the shared memory
// module of an engine process and hand-assembled library images.
package wasmimage

const (
	magic   = 0x6d736100 // \0asm
	version = 0x01

	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	kindFunc   = 0x00
	kindTable  = 0x01
	kindMemory = 0x02
	kindGlobal = 0x03

	funcTypeByte = 0x60
)

// ValType is a core WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F32 ValType = 0x7d
	F64 ValType = 0x7c
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (f FuncType) equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// Limits of a memory in 64KiB pages. Max of 0 means unbounded.
type Limits struct {
	Min uint32
	Max uint32
}

// MemoryImport imports a memory from another module.
type MemoryImport struct {
	Module string
	Name   string
	Limits Limits
}

// Func is one defined function. Body holds the instructions without the
// terminating end opcode.
type Func struct {
	Export string
	Type   FuncType
	Locals []ValType
	Body   []byte
}

// Global is one defined global with a constant initializer. Only I32 and
// I64 globals are encoded.
type Global struct {
	Export  string
	Type    ValType
	Mutable bool
	Init    int64
}

// Segment is an active data segment copied into memory 0 at Offset when
// the module is instantiated.
type Segment struct {
	Offset uint32
	Bytes  []byte
}

// Module is an encodable module. A module either imports its memory or
// defines one; ExportMemory names the export of a defined memory.
type Module struct {
	ImportMemory *MemoryImport
	Memory       *Limits
	ExportMemory string
	Globals      []Global
	Funcs        []Func
	Data         []Segment
}

// MemoryModule returns a module that defines one fixed-size memory of pages
// pages and exports it as name.
func MemoryModule(name string, pages uint32) []byte {
	return (&Module{
		Memory:       &Limits{Min: pages, Max: pages},
		ExportMemory: name,
	}).Encode()
}

// Encode encodes the module to WebAssembly binary format.
func (m *Module) Encode() []byte {
	w := &writer{}
	w.u32le(magic)
	w.u32le(version)

	var types []FuncType
	typeIdx := make([]uint32, len(m.Funcs))
	for i, f := range m.Funcs {
		idx := -1
		for j, t := range types {
			if t.equal(f.Type) {
				idx = j
				break
			}
		}
		if idx < 0 {
			idx = len(types)
			types = append(types, f.Type)
		}
		typeIdx[i] = uint32(idx)
	}

	if len(types) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(types)))
		for _, t := range types {
			sec.byte(funcTypeByte)
			writeValTypes(sec, t.Params)
			writeValTypes(sec, t.Results)
		}
		w.section(sectionType, sec.bytes())
	}

	if m.ImportMemory != nil {
		sec := &writer{}
		sec.u32(1)
		sec.name(m.ImportMemory.Module)
		sec.name(m.ImportMemory.Name)
		sec.byte(kindMemory)
		writeLimits(sec, m.ImportMemory.Limits)
		w.section(sectionImport, sec.bytes())
	}

	if len(m.Funcs) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(m.Funcs)))
		for _, idx := range typeIdx {
			sec.u32(idx)
		}
		w.section(sectionFunction, sec.bytes())
	}

	if m.Memory != nil {
		sec := &writer{}
		sec.u32(1)
		writeLimits(sec, *m.Memory)
		w.section(sectionMemory, sec.bytes())
	}

	if len(m.Globals) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			sec.byte(byte(g.Type))
			if g.Mutable {
				sec.byte(0x01)
			} else {
				sec.byte(0x00)
			}
			if g.Type == I64 {
				sec.byte(opI64Const)
				sec.s64(g.Init)
			} else {
				sec.byte(opI32Const)
				sec.s64(int64(int32(g.Init)))
			}
			sec.byte(opEnd)
		}
		w.section(sectionGlobal, sec.bytes())
	}

	var exports int
	exp := &writer{}
	if m.Memory != nil && m.ExportMemory != "" {
		exports++
		exp.name(m.ExportMemory)
		exp.byte(kindMemory)
		exp.u32(0)
	}
	for i, f := range m.Funcs {
		if f.Export == "" {
			continue
		}
		exports++
		exp.name(f.Export)
		exp.byte(kindFunc)
		exp.u32(uint32(i))
	}
	for i, g := range m.Globals {
		if g.Export == "" {
			continue
		}
		exports++
		exp.name(g.Export)
		exp.byte(kindGlobal)
		exp.u32(uint32(i))
	}
	if exports > 0 {
		sec := &writer{}
		sec.u32(uint32(exports))
		sec.write(exp.bytes())
		w.section(sectionExport, sec.bytes())
	}

	if len(m.Funcs) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			body := &writer{}
			writeLocals(body, f.Locals)
			body.write(f.Body)
			body.byte(opEnd)
			sec.u32(uint32(len(body.bytes())))
			sec.write(body.bytes())
		}
		w.section(sectionCode, sec.bytes())
	}

	if len(m.Data) > 0 {
		sec := &writer{}
		sec.u32(uint32(len(m.Data)))
		for _, d := range m.Data {
			sec.u32(0) // active, memory 0
			sec.byte(opI32Const)
			sec.s64(int64(int32(d.Offset)))
			sec.byte(opEnd)
			sec.u32(uint32(len(d.Bytes)))
			sec.write(d.Bytes)
		}
		w.section(sectionData, sec.bytes())
	}

	return w.bytes()
}

func writeValTypes(w *writer, types []ValType) {
	w.u32(uint32(len(types)))
	for _, t := range types {
		w.byte(byte(t))
	}
}

func writeLimits(w *writer, l Limits) {
	if l.Max == 0 {
		w.byte(0x00)
		w.u32(l.Min)
		return
	}
	w.byte(0x01)
	w.u32(l.Min)
	w.u32(l.Max)
}

// writeLocals groups consecutive locals of the same type.
func writeLocals(w *writer, locals []ValType) {
	type group struct {
		n uint32
		t ValType
	}
	var groups []group
	for _, t := range locals {
		if len(groups) > 0 && groups[len(groups)-1].t == t {
			groups[len(groups)-1].n++
			continue
		}
		groups = append(groups, group{1, t})
	}
	w.u32(uint32(len(groups)))
	for _, g := range groups {
		w.u32(g.n)
		w.byte(byte(g.t))
	}
}
