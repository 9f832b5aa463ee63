package wasmimage

// Kernels returns a library image that imports its memory as env.memory and
// exports a small set of functions used to exercise an engine:
//
//	sum_inc(n i32, p i32) -> i32       sum of n i32s at p, each incremented by one
//	add(a i32, b i32) -> i32
//	add_i64(a i64, b i64) -> i64
//	echo_i64(v i64) -> i64
//	echo_f32(v f32) -> f32
//	echo_f64(v f64) -> f64
//	scale(p i32, n i32, k f64)         multiplies n f64s at p by k
//	load_i32(p i32) -> i32
//	store_i32(p i32, v i32)
//	spin(n i32) -> i32                 counts down from n, returns 0
//	noop()
//	trap()                             executes unreachable
func Kernels() []byte {
	return (&Module{
		ImportMemory: &MemoryImport{Module: "env", Name: "memory", Limits: Limits{Min: 1}},
		Funcs: []Func{
			{Export: "sum_inc", Type: FuncType{Params: []ValType{I32, I32}, Results: []ValType{I32}}, Locals: []ValType{I32, I32, I32}, Body: sumInc()},
			{Export: "add", Type: FuncType{Params: []ValType{I32, I32}, Results: []ValType{I32}}, Body: NewCode().LocalGet(0).LocalGet(1).I32Add().Bytes()},
			{Export: "add_i64", Type: FuncType{Params: []ValType{I64, I64}, Results: []ValType{I64}}, Body: NewCode().LocalGet(0).LocalGet(1).I64Add().Bytes()},
			{Export: "echo_i64", Type: FuncType{Params: []ValType{I64}, Results: []ValType{I64}}, Body: NewCode().LocalGet(0).Bytes()},
			{Export: "echo_f32", Type: FuncType{Params: []ValType{F32}, Results: []ValType{F32}}, Body: NewCode().LocalGet(0).Bytes()},
			{Export: "echo_f64", Type: FuncType{Params: []ValType{F64}, Results: []ValType{F64}}, Body: NewCode().LocalGet(0).Bytes()},
			{Export: "scale", Type: FuncType{Params: []ValType{I32, I32, F64}}, Locals: []ValType{I32, I32}, Body: scale()},
			{Export: "load_i32", Type: FuncType{Params: []ValType{I32}, Results: []ValType{I32}}, Body: NewCode().LocalGet(0).I32Load(0).Bytes()},
			{Export: "store_i32", Type: FuncType{Params: []ValType{I32, I32}}, Body: NewCode().LocalGet(0).LocalGet(1).I32Store(0).Bytes()},
			{Export: "spin", Type: FuncType{Params: []ValType{I32}, Results: []ValType{I32}}, Body: spin()},
			{Export: "noop", Type: FuncType{}},
			{Export: "trap", Type: FuncType{}, Body: NewCode().Unreachable().Bytes()},
		},
	}).Encode()
}

// locals: 0 n, 1 p, 2 i, 3 sum, 4 addr
func sumInc() []byte {
	return NewCode().
		Block().
		Loop().
		LocalGet(2).LocalGet(0).I32GeS().BrIf(1).
		LocalGet(1).LocalGet(2).I32Const(2).I32Shl().I32Add().LocalSet(4).
		LocalGet(3).LocalGet(4).I32Load(0).I32Add().LocalSet(3).
		LocalGet(4).LocalGet(4).I32Load(0).I32Const(1).I32Add().I32Store(0).
		LocalGet(2).I32Const(1).I32Add().LocalSet(2).
		Br(0).
		End().
		End().
		LocalGet(3).
		Bytes()
}

// locals: 0 p, 1 n, 2 k, 3 i, 4 addr
func scale() []byte {
	return NewCode().
		Block().
		Loop().
		LocalGet(3).LocalGet(1).I32GeS().BrIf(1).
		LocalGet(0).LocalGet(3).I32Const(3).I32Shl().I32Add().LocalSet(4).
		LocalGet(4).LocalGet(4).F64Load(0).LocalGet(2).F64Mul().F64Store(0).
		LocalGet(3).I32Const(1).I32Add().LocalSet(3).
		Br(0).
		End().
		End().
		Bytes()
}

func spin() []byte {
	return NewCode().
		Block().
		Loop().
		LocalGet(0).I32Eqz().BrIf(1).
		LocalGet(0).I32Const(1).I32Sub().LocalSet(0).
		Br(0).
		End().
		End().
		LocalGet(0).
		Bytes()
}
