package engine

import (
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-offload/errors"
)

// memory adapts wazero api.Memory to 64-bit engine addresses with bounds
// checks. Reads copy out of linear memory.
type memory struct {
	mem api.Memory
}

func (m *memory) size() uint32 {
	return m.mem.Size()
}

func (m *memory) offset(addr uint64, n int) (uint32, error) {
	if addr > math.MaxUint32 || addr+uint64(n) > uint64(m.mem.Size()) {
		return 0, errors.Transport(errors.PhaseTransfer,
			fmt.Errorf("memory access out of bounds: addr=%s, length=%d", hexAddr(addr), n))
	}
	return uint32(addr), nil
}

// read copies len(buf) bytes at addr into buf.
func (m *memory) read(addr uint64, buf []byte) error {
	off, err := m.offset(addr, len(buf))
	if err != nil {
		return err
	}
	data, ok := m.mem.Read(off, uint32(len(buf)))
	if !ok {
		return errors.Transport(errors.PhaseTransfer,
			fmt.Errorf("memory read out of bounds: addr=%s, length=%d", hexAddr(addr), len(buf)))
	}
	copy(buf, data)
	return nil
}

// write copies data into memory at addr.
func (m *memory) write(addr uint64, data []byte) error {
	off, err := m.offset(addr, len(data))
	if err != nil {
		return err
	}
	if !m.mem.Write(off, data) {
		return errors.Transport(errors.PhaseTransfer,
			fmt.Errorf("memory write out of bounds: addr=%s, length=%d", hexAddr(addr), len(data)))
	}
	return nil
}

func hexAddr(addr uint64) string {
	return fmt.Sprintf("%#x", addr)
}
