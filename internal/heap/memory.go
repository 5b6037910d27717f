package heap

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Memory is guest memory addressed by guest addresses.
// *emulator.Emulator satisfies it.
type Memory interface {
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
}

// Linear is a flat in-process Memory covering [base, base+len(buf)).
// It backs hosts that have no emulator, and tests.
type Linear struct {
	base uint64
	buf  []byte
}

// NewLinear returns a zeroed Linear memory of size bytes starting at base.
func NewLinear(base, size uint64) *Linear {
	return &Linear{base: base, buf: make([]byte, size)}
}

// Base returns the first guest address covered.
func (m *Linear) Base() uint64 { return m.base }

// Size returns the number of bytes covered.
func (m *Linear) Size() uint64 { return uint64(len(m.buf)) }

func (m *Linear) span(addr, size uint64) (uint64, error) {
	if addr < m.base {
		return 0, errors.Wrapf(ErrOutOfBounds, "addr 0x%x below base 0x%x", addr, m.base)
	}
	off := addr - m.base
	if off > uint64(len(m.buf)) || size > uint64(len(m.buf))-off {
		return 0, errors.Wrapf(ErrOutOfBounds, "range 0x%x+%d", addr, size)
	}
	return off, nil
}

// MemRead returns a copy of size bytes at addr.
func (m *Linear) MemRead(addr, size uint64) ([]byte, error) {
	off, err := m.span(addr, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, m.buf[off:off+size])
	return out, nil
}

// MemWrite copies data to addr.
func (m *Linear) MemWrite(addr uint64, data []byte) error {
	off, err := m.span(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(m.buf[off:], data)
	return nil
}

func readWord(mem Memory, addr uint64) (uint64, error) {
	b, err := mem.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func writeWord(mem Memory, addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return mem.MemWrite(addr, b[:])
}

// zeroChunk bounds the scratch buffer used to clear large ranges.
const zeroChunk = 64 * 1024

func zero(mem Memory, addr, size uint64) error {
	if size == 0 {
		return nil
	}
	buf := make([]byte, min(size, zeroChunk))
	for size > 0 {
		n := min(size, uint64(len(buf)))
		if err := mem.MemWrite(addr, buf[:n]); err != nil {
			return err
		}
		addr += n
		size -= n
	}
	return nil
}

func move(mem Memory, dst, src, size uint64) error {
	if size == 0 || dst == src {
		return nil
	}
	data, err := mem.MemRead(src, size)
	if err != nil {
		return err
	}
	return mem.MemWrite(dst, data)
}
