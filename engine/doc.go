// Package engine is an offload engine backed by wazero.
//
// Each engine process is an isolated wazero runtime. Its memory is a single
// fixed-size linear memory exported by a module named "env"; library images
// are core WebAssembly modules that import it as env.memory, so every
// library of a process shares one address space.
//
// # Processes
//
//	Engine   - implements wasmoffload.Driver, bounds processes per node
//	Process  - implements wasmoffload.Transport for one engine process
//
// Exported functions are addressed by synthetic code addresses handed out
// by Process.Symbol. Calling an address that was never handed out, or any
// trap inside a call, is a remote fault: the process is marked dead, every
// unfinished operation fails and later submissions fail immediately.
//
// # Streams
//
// Every stream has one worker goroutine, so operations on a stream run in
// submission order and streams run concurrently with each other.
//
// # Call Frames
//
// A frame's stack image is copied onto the engine heap before the call and
// released after it. Registers that refer to the stack image are rebased
// onto the heap address. Register values lower to wasm parameters by class:
//
//	Register type            Wasm parameter
//	───────────────────────────────────────
//	i8..u32                  i32 or i64
//	i64, u64                 i64
//	ptr                      i32 (if it fits) or i64
//	f32                      f32
//	f64                      f64
//
// A frame that does not match the function's parameter list fails with a
// malformed_frame error without harming the process.
//
// # Memory
//
// Engine memory never grows, so host reads and writes are never racing a
// reallocation. The heap is a first-fit free list over the memory above
// Config.ReservedBytes; address 0 is never allocated. Loading a library
// removes its static region from the heap: everything below the end of its
// constant-offset data segments, its exported __heap_base and __data_end,
// and the initial stack pointer. A library whose static region overlaps a
// live allocation fails to load. Libraries share one memory, so two images
// linked at the same addresses still collide with each other.
package engine
