// Package runtime is the host side of the offload client: process handles,
// loaded libraries, callable functions, execution contexts and requests.
//
// # Handles
//
// A Process attaches to one engine process through a wasmoffload.Driver
// and owns everything created from it:
//
//	Process
//	├── Library    (LoadLibrary)  symbol lookup, Function
//	├── Context    (OpenContext)  ordered stream of calls and transfers
//	│   └── Request               future of one submitted operation
//	└── allocations (AllocMem)    engine memory ranges
//
// Closing the process drains and closes its contexts, frees and reports
// leaked allocations, then detaches. Any child handle used afterwards fails
// with errors.ErrHandleInvalidated.
//
// # Ordering
//
// Operations submitted to one Context run in submission order, one at a
// time. Contexts of the same process run concurrently with no ordering
// between them. ReadMem and WriteMem are synchronous and bypass contexts.
//
// # Results
//
// Function.Call and the Context transfer methods return a *Request as soon
// as the operation is queued. Errors returned by those methods are signaling
// errors, detected before anything reached the engine. Everything that
// happens later (transport loss, remote faults, malformed frames) is
// reported by Request.Wait or Request.Peek. A remote fault is fatal to the
// engine process: every pending request on every context fails with
// errors.ErrRemoteFault and Process.Health reports it.
package runtime
