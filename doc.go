// Package wasmoffload runs functions of pre-built library images inside an
// isolated offload engine and talks to them asynchronously.
//
// The host never shares memory with the engine. Arguments are marshaled
// into call frames, buffers are copied in and out explicitly, and every
// operation is submitted to an ordered execution context that hands back a
// request to wait on.
//
// # Architecture Overview
//
//	wasmoffload/         Driver and Transport interfaces, tokens, completions
//	├── runtime/         Process handles, libraries, functions, contexts, requests
//	├── abi/             Type tags, signatures, call frames, marshal and decode
//	├── engine/          wazero-backed offload engine implementing Driver
//	└── errors/          Structured error types
//
// # Quick Start
//
//	eng, err := engine.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	proc, err := runtime.Open(ctx, eng, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer proc.Close(ctx)
//
//	lib, err := proc.LoadLibrary(ctx, "kernels.wasm")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sum := lib.Function("sum_inc")
//	if err := sum.SetArgs("int", "int *"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := sum.SetResult("int"); err != nil {
//	    log.Fatal(err)
//	}
//
//	c, err := proc.OpenContext(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	data := []int32{1, 2, 3, 4, 5}
//	req, err := sum.Call(c, len(data), abi.Slice(data, abi.IntentInOut))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	total, err := req.Wait(ctx) // int32(15), data is now {2, 3, 4, 5, 6}
//
// # Ordering
//
// Calls and transfers submitted to one context execute in submission order.
// Different contexts of the same process run concurrently with no ordering
// between them.
//
// # Memory Model
//
// Engine memory is addressed with abi.Addr values returned by AllocMem or by
// functions declared to return a pointer. Buffers passed to asynchronous
// transfers are read or written when the transfer runs, so they must not be
// touched until the request completes. Using one allocation from several
// contexts without waiting for the transfer that fills it is undefined.
package wasmoffload
