package wasmoffload

import (
	"context"

	"github.com/wippyai/wasm-offload/abi"
)

// Direction of a memory transfer.
type Direction uint8

const (
	// ToEngine copies a host buffer into engine memory.
	ToEngine Direction = iota
	// FromEngine copies engine memory into a host buffer.
	FromEngine
)

func (d Direction) String() string {
	if d == ToEngine {
		return "to_engine"
	}
	return "from_engine"
}

// Token identifies one submitted operation inside a Transport. Tokens are
// unique per Transport and carry no ordering meaning.
type Token uint64

// StreamID names one ordered command stream of a Transport.
type StreamID uint64

// LibraryID names one library image loaded into a Transport.
type LibraryID uint64

// Status is the state of a submitted operation.
type Status uint8

const (
	StatusPending Status = iota
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Completion is the payload of an operation as seen by Poll or Wait.
// Result and Stack are only meaningful for completed calls: Result is the raw
// result word, Stack the post-call stack image when the frame asked for it.
// A failed completion carries Err and never partial data.
type Completion struct {
	Status Status
	Result uint64
	Stack  []byte
	Err    error
}

// Call is a call submission: the frame is executed at engine address Addr.
type Call struct {
	Stream StreamID
	Addr   uint64
	Frame  *abi.Frame
}

// Transfer is an asynchronous memory move. Buf is accessed when the transfer
// executes, not when it is submitted, so it must stay valid and unmodified
// until the operation completes.
type Transfer struct {
	Stream    StreamID
	Direction Direction
	Addr      uint64
	Buf       []byte
}

// Driver attaches to engine processes.
type Driver interface {
	// Open starts or attaches to an engine process on node. It fails with an
	// unavailable error for unknown nodes and resource_exhausted when the node
	// is at capacity.
	Open(ctx context.Context, node int) (Transport, error)
}

// Transport is the execution substrate under a process handle. Operations
// submitted to the same stream execute in submission order; operations on
// different streams may run concurrently.
//
// Submit methods never block on execution. A submission that cannot be
// delivered returns an error; the caller reports it through the request it
// was building rather than to the submitter.
type Transport interface {
	Node() int

	LoadLibrary(ctx context.Context, path string) (LibraryID, error)
	Symbol(lib LibraryID, name string) (uint64, error)

	Alloc(ctx context.Context, size uint64) (uint64, error)
	Free(ctx context.Context, addr uint64) error
	Read(ctx context.Context, addr uint64, buf []byte) error
	Write(ctx context.Context, addr uint64, buf []byte) error

	OpenStream(ctx context.Context) (StreamID, error)
	// CloseStream stops accepting work on the stream. Queued operations
	// still run.
	CloseStream(id StreamID) error

	SubmitCall(call Call) (Token, error)
	SubmitTransfer(t Transfer) (Token, error)

	// Poll returns the current state of tok without blocking.
	Poll(tok Token) Completion
	// Wait blocks until tok is terminal or ctx is done. On ctx expiry the
	// returned completion is still pending and Err is the ctx error.
	Wait(ctx context.Context, tok Token) Completion
	// Release forgets a terminal token.
	Release(tok Token)

	// Health returns nil while the engine process is usable and the fault
	// that killed it otherwise.
	Health() error
	// Close tears the engine process down. It must return even if the
	// engine is dead or wedged once ctx is done.
	Close(ctx context.Context) error
}
