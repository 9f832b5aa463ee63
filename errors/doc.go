// Package errors provides structured error types for the offload library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). Kinds follow the library's failure taxonomy:
//
//	signaling   arity_mismatch, uninitialized_signature, symbol_not_found,
//	            context_closed, handle_invalidated, outstanding_requests
//	async       transport, remote_fault, malformed_frame
//	capacity    resource_exhausted, unavailable
//
// Signaling errors are returned synchronously by the operation that detected
// them. Asynchronous failures are only observed through a Request.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseMarshal, errors.KindOverflow).
//		Path("arg[1]").
//		GoType("int").
//		Type("u8").
//		Build()
//
// Sentinels match any phase:
//
//	if errors.Is(err, errors.ErrContextClosed) { ... }
package errors
