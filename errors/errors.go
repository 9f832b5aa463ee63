package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseMarshal  Phase = "marshal"  // argument list to call frame
	PhaseDecode   Phase = "decode"   // result word to Go value
	PhaseDispatch Phase = "dispatch" // symbol resolution and submission
	PhaseTransfer Phase = "transfer" // memory copies between host and engine
	PhaseContext  Phase = "context"  // context lifecycle
	PhaseProcess  Phase = "process"  // process lifecycle and allocation
	PhaseLoad     Phase = "load"     // library image loading
	PhaseEngine   Phase = "engine"   // engine-side execution
	PhaseConfig   Phase = "config"   // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	// signaling errors: local misuse detected before submission
	KindArityMismatch          Kind = "arity_mismatch"
	KindUninitializedSignature Kind = "uninitialized_signature"
	KindSymbolNotFound         Kind = "symbol_not_found"
	KindContextClosed          Kind = "context_closed"
	KindHandleInvalidated      Kind = "handle_invalidated"
	KindOutstandingRequests    Kind = "outstanding_requests"
	KindTypeMismatch           Kind = "type_mismatch"
	KindOverflow               Kind = "overflow"
	KindUnsupported            Kind = "unsupported"
	KindInvalidInput           Kind = "invalid_input"
	KindNotFound               Kind = "not_found"

	// asynchronous failures
	KindTransport      Kind = "transport"
	KindRemoteFault    Kind = "remote_fault"
	KindMalformedFrame Kind = "malformed_frame"

	// resource exhaustion
	KindResourceExhausted Kind = "resource_exhausted"
	KindUnavailable       Kind = "unavailable"

	// KindPending is returned by non-blocking result reads on unfinished requests.
	KindPending Kind = "pending"
)

// Sentinels for errors.Is. They carry no phase, so they match any phase.
var (
	ErrArityMismatch          = &Error{Kind: KindArityMismatch}
	ErrUninitializedSignature = &Error{Kind: KindUninitializedSignature}
	ErrSymbolNotFound         = &Error{Kind: KindSymbolNotFound}
	ErrContextClosed          = &Error{Kind: KindContextClosed}
	ErrHandleInvalidated      = &Error{Kind: KindHandleInvalidated}
	ErrOutstandingRequests    = &Error{Kind: KindOutstandingRequests}
	ErrTransport              = &Error{Kind: KindTransport}
	ErrRemoteFault            = &Error{Kind: KindRemoteFault}
	ErrMalformedFrame         = &Error{Kind: KindMalformedFrame}
	ErrResourceExhausted      = &Error{Kind: KindResourceExhausted}
	ErrUnavailable            = &Error{Kind: KindUnavailable}
	ErrPending                = &Error{Kind: KindPending}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrInvalidInput           = &Error{Kind: KindInvalidInput}
)

// Error is the structured error type used throughout the library
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	GoType string
	Type   string // declared wire type, e.g. "i32" or "ptr"
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" || e.Type != "" {
		b.WriteString(": ")
		if e.GoType != "" && e.Type != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
			b.WriteString(", declared type ")
			b.WriteString(e.Type)
		} else if e.GoType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
		} else {
			b.WriteString("declared type ")
			b.WriteString(e.Type)
		}
	}

	if e.Detail != "" {
		if e.GoType != "" || e.Type != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Kinds must match; phases
// must match only when the target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Phase == "" || e.Phase == t.Phase
}

// Is forwards to the standard library so callers need one errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As forwards to the standard library.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the argument or field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// Type sets the declared wire type name
func (b *Builder) Type(t string) *Builder {
	b.err.Type = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, goType, declared string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Path:   path,
		GoType: goType,
		Type:   declared,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, path []string, value any, declared string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Path:   path,
		Type:   declared,
		Detail: fmt.Sprintf("value %v overflows %s", value, declared),
		Value:  value,
	}
}

// ArityMismatch reports a call whose argument count differs from its signature.
func ArityMismatch(name string, want, got int) *Error {
	return &Error{
		Phase:  PhaseMarshal,
		Kind:   KindArityMismatch,
		Detail: fmt.Sprintf("%s expects %d argument(s), got %d", name, want, got),
		Value:  got,
	}
}

// UninitializedSignature reports a call through a function with no declared argument types.
func UninitializedSignature(name string) *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindUninitializedSignature,
		Detail: fmt.Sprintf("argument types of %s were never declared", name),
	}
}

// SymbolNotFound reports a symbol missing from a library image.
func SymbolNotFound(library, symbol string) *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindSymbolNotFound,
		Detail: fmt.Sprintf("symbol %q not found in %s", symbol, library),
	}
}

// ContextClosed reports a submission to a closed context.
func ContextClosed(id uint64) *Error {
	return &Error{
		Phase:  PhaseContext,
		Kind:   KindContextClosed,
		Detail: fmt.Sprintf("context %d is closed", id),
	}
}

// HandleInvalidated reports use of a child handle after its process was closed.
func HandleInvalidated(what string) *Error {
	return &Error{
		Phase:  PhaseProcess,
		Kind:   KindHandleInvalidated,
		Detail: fmt.Sprintf("%s used after process close", what),
	}
}

// OutstandingRequests reports a close attempted while requests are still pending.
func OutstandingRequests(id uint64, n int) *Error {
	return &Error{
		Phase:  PhaseContext,
		Kind:   KindOutstandingRequests,
		Detail: fmt.Sprintf("context %d has %d unresolved request(s)", id, n),
		Value:  n,
	}
}

// Transport reports an operation that was accepted but could not be delivered.
func Transport(phase Phase, cause error) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindTransport,
		Cause: cause,
	}
}

// RemoteFault reports an engine-side fault or termination.
func RemoteFault(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseEngine,
		Kind:   KindRemoteFault,
		Detail: detail,
		Cause:  cause,
	}
}

// MalformedFrame reports a call frame the engine could not apply to its target.
func MalformedFrame(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseEngine,
		Kind:   KindMalformedFrame,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// ResourceExhausted reports allocation or capacity failures.
func ResourceExhausted(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindResourceExhausted,
		Detail: detail,
	}
}

// Unavailable reports an engine node that does not exist or cannot be reached.
func Unavailable(node int) *Error {
	return &Error{
		Phase:  PhaseProcess,
		Kind:   KindUnavailable,
		Detail: fmt.Sprintf("node %d is unavailable", node),
		Value:  node,
	}
}

// Pending reports a non-blocking read of an unfinished request.
func Pending(id uint64) *Error {
	return &Error{
		Phase:  PhaseContext,
		Kind:   KindPending,
		Detail: fmt.Sprintf("request %d unfinished", id),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
