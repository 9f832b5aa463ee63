package runtime

import (
	"sync"

	"github.com/wippyai/wasm-offload/abi"
	"github.com/wippyai/wasm-offload/errors"
)

// Function is a callable engine function: a library symbol or raw code
// address plus its declared signature. The signature may be changed freely
// until the first call is submitted and is fixed from then on. A call
// rejected with a signaling error does not fix it.
//
// The result type defaults to abi.Raw, which surfaces the result word as an
// abi.RawWord; argument types have no default and must be declared.
type Function struct {
	lib  *Library
	p    *Process
	name string

	mu       sync.Mutex
	addr     uint64
	resolved bool
	sig      abi.Signature
	declared bool
	frozen   bool
}

// Name returns the symbol name, or the hex address for FunctionAt.
func (f *Function) Name() string { return f.name }

// SetArgs declares the argument types by name. C spellings ("int",
// "double *", "unsigned long") and WIT primitives ("s32", "f64") are both
// accepted.
func (f *Function) SetArgs(names ...string) error {
	params, err := abi.ParseParams(names...)
	if err != nil {
		return err
	}
	return f.ArgsType(params...)
}

// ArgsType declares the argument types by tag.
func (f *Function) ArgsType(params ...abi.Type) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mutable(); err != nil {
		return err
	}
	sig, err := abi.NewSignature(f.sig.Result, params...)
	if err != nil {
		return err
	}
	f.sig = sig
	f.declared = true
	return nil
}

// SetResult declares the result type by name.
func (f *Function) SetResult(name string) error {
	t, err := abi.ParseType(name)
	if err != nil {
		return err
	}
	return f.ResultType(t)
}

// ResultType declares the result type by tag.
func (f *Function) ResultType(t abi.Type) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mutable(); err != nil {
		return err
	}
	sig, err := abi.NewSignature(t, f.sig.Params...)
	if err != nil {
		return err
	}
	f.sig.Result = sig.Result
	return nil
}

// DeclareWIT declares the full signature from a WIT function declaration
// such as "sum-inc: func(n: s32, data: ptr)". The declared name must match
// the symbol; it is ignored for functions bound by address.
func (f *Function) DeclareWIT(text string) error {
	name, sig, err := abi.ParseWIT(text)
	if err != nil {
		return err
	}
	if f.lib != nil && name != f.name {
		return errors.InvalidInput(errors.PhaseMarshal,
			"declaration names "+name+", function is "+f.name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mutable(); err != nil {
		return err
	}
	f.sig = sig
	f.declared = true
	return nil
}

// Signature returns the declared signature and whether argument types were
// declared.
func (f *Function) Signature() (abi.Signature, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return abi.Signature{
		Params: append([]abi.Type(nil), f.sig.Params...),
		Result: f.sig.Result,
	}, f.declared
}

func (f *Function) mutable() error {
	if f.frozen {
		return errors.InvalidInput(errors.PhaseMarshal, "signature of "+f.name+" is fixed after the first call")
	}
	return nil
}

// Call marshals args under the declared signature and submits the call to
// c. It returns as soon as the call is queued; the result is read from the
// returned Request.
//
// Errors returned here are signaling errors detected before submission:
// handle_invalidated, context_closed, uninitialized_signature,
// symbol_not_found, arity_mismatch, type_mismatch and overflow. Failures
// after submission are reported by the Request.
func (f *Function) Call(c *Context, args ...any) (*Request, error) {
	if err := f.p.check(); err != nil {
		return nil, err
	}
	if c == nil || c.p != f.p {
		return nil, errors.InvalidInput(errors.PhaseDispatch, f.name+": context belongs to another process")
	}
	if err := c.usable(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if !f.declared {
		f.mu.Unlock()
		return nil, errors.UninitializedSignature(f.name)
	}
	sig := f.sig
	f.mu.Unlock()

	addr, err := f.resolve()
	if err != nil {
		return nil, err
	}
	frame, err := abi.Marshal(f.name, sig, args)
	if err != nil {
		return nil, err
	}

	// a concurrent SetArgs may have replaced sig since it was read
	f.mu.Lock()
	if !f.frozen && !sameSignature(f.sig, sig) {
		f.mu.Unlock()
		return nil, errors.InvalidInput(errors.PhaseDispatch, "signature of "+f.name+" changed during the call")
	}
	f.frozen = true
	f.mu.Unlock()
	return c.submitCall(addr, frame)
}

func sameSignature(a, b abi.Signature) bool {
	if a.Result != b.Result || len(a.Params) != len(b.Params) {
		return false
	}
	for i := range a.Params {
		if a.Params[i] != b.Params[i] {
			return false
		}
	}
	return true
}

func (f *Function) resolve() (uint64, error) {
	f.mu.Lock()
	if f.resolved {
		addr := f.addr
		f.mu.Unlock()
		return addr, nil
	}
	f.mu.Unlock()

	addr, err := f.lib.Symbol(f.name)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.addr, f.resolved = uint64(addr), true
	f.mu.Unlock()
	return uint64(addr), nil
}
