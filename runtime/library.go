package runtime

import (
	"sync"

	wasmoffload "github.com/wippyai/wasm-offload"
	"github.com/wippyai/wasm-offload/abi"
	"github.com/wippyai/wasm-offload/errors"
)

// Library is a library image loaded into an engine process. It is
// immutable once loaded and lives as long as its process.
type Library struct {
	p    *Process
	id   wasmoffload.LibraryID
	path string

	mu   sync.Mutex
	syms map[string]abi.Addr
	fns  map[string]*Function
}

func newLibrary(p *Process, id wasmoffload.LibraryID, path string) *Library {
	return &Library{
		p:    p,
		id:   id,
		path: path,
		syms: make(map[string]abi.Addr),
		fns:  make(map[string]*Function),
	}
}

// Path returns the path the image was loaded from.
func (l *Library) Path() string { return l.path }

// Process returns the owning process.
func (l *Library) Process() *Process { return l.p }

// Symbol resolves name to its engine code address. Results are cached.
func (l *Library) Symbol(name string) (abi.Addr, error) {
	if err := l.p.check(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if addr, ok := l.syms[name]; ok {
		return addr, nil
	}
	addr, err := l.p.tr.Symbol(l.id, name)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return 0, errors.SymbolNotFound(l.path, name)
		}
		return 0, err
	}
	l.syms[name] = abi.Addr(addr)
	return abi.Addr(addr), nil
}

// Function returns the callable for name. The symbol is not resolved until
// the first call, so a missing symbol surfaces as symbol_not_found from
// Call. Repeated lookups of one name return the same Function.
func (l *Library) Function(name string) *Function {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn, ok := l.fns[name]; ok {
		return fn
	}
	fn := &Function{lib: l, p: l.p, name: name}
	l.fns[name] = fn
	return fn
}
