package engine

import (
	"sort"
	"sync"

	"github.com/wippyai/wasm-offload/errors"
)

// heapAlign is the alignment of every block handed out by the heap.
const heapAlign = 16

type span struct {
	addr, size uint32
}

// heap is a first-fit allocator over [base, limit) of engine memory.
// Address 0 is never handed out so a zero pointer stays null.
type heap struct {
	mu    sync.Mutex
	free  []span // sorted by addr, never adjacent
	used  map[uint32]uint32
	limit uint32
}

func newHeap(base, limit uint32) *heap {
	if base < heapAlign {
		base = heapAlign
	}
	base = alignUp32(base, heapAlign)
	h := &heap{used: make(map[uint32]uint32), limit: limit}
	if base < limit {
		h.free = []span{{base, limit - base}}
	}
	return h
}

func alignUp32(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// alloc reserves size bytes. A zero size still reserves one aligned block
// so every live allocation has a distinct address.
func (h *heap) alloc(size uint64) (uint32, error) {
	if size > uint64(h.limit) {
		return 0, errors.ResourceExhausted(errors.PhaseProcess, "allocation larger than engine memory")
	}
	n := alignUp32(uint32(size), heapAlign)
	if n == 0 {
		n = heapAlign
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, s := range h.free {
		if s.size < n {
			continue
		}
		addr := s.addr
		if s.size == n {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{s.addr + n, s.size - n}
		}
		h.used[addr] = n
		return addr, nil
	}
	return 0, errors.ResourceExhausted(errors.PhaseProcess, "engine memory exhausted")
}

// reserve removes [0, end) from the heap for a library's static region.
// It fails if a live block lies below end.
func (h *heap) reserve(end uint32) error {
	if end > h.limit {
		return errors.ResourceExhausted(errors.PhaseLoad, "library static region exceeds engine memory")
	}
	end = alignUp32(end, heapAlign)

	h.mu.Lock()
	defer h.mu.Unlock()

	for addr := range h.used {
		if addr < end {
			return errors.ResourceExhausted(errors.PhaseLoad,
				"library static region overlaps the live allocation at "+hexAddr(uint64(addr)))
		}
	}
	kept := h.free[:0]
	for _, s := range h.free {
		switch {
		case s.addr+s.size <= end:
		case s.addr < end:
			kept = append(kept, span{end, s.addr + s.size - end})
		default:
			kept = append(kept, s)
		}
	}
	h.free = kept
	return nil
}

// release returns a block and merges it with its free neighbours.
func (h *heap) release(addr uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.used[addr]
	if !ok {
		return errors.NotFound(errors.PhaseProcess, "allocation", hexAddr(uint64(addr)))
	}
	delete(h.used, addr)

	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].addr > addr })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = span{addr, n}

	if i+1 < len(h.free) && h.free[i].addr+h.free[i].size == h.free[i+1].addr {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].addr+h.free[i-1].size == h.free[i].addr {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
	return nil
}

// inUse returns the number of live blocks.
func (h *heap) inUse() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.used)
}

// freeBytes returns the total size of free spans.
func (h *heap) freeBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total uint64
	for _, s := range h.free {
		total += uint64(s.size)
	}
	return total
}
