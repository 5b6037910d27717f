// Package heap implements the header-tagged allocator behind the guest's
// malloc family.
//
// Every allocation is laid out as [header][payload]. The header is a
// little-endian word holding the total block length (header + payload), so
// free and realloc can recover the exact size the block was allocated with
// from the payload pointer alone. Guest pointers are plain guest addresses;
// 0 is the null sentinel.
package heap

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/zboralski/newlibshim/internal/errno"
)

// PointerSize is the guest's native word width (ARM64).
const PointerSize = 8

// DefaultHeaderSize is the header width used when none is configured.
const DefaultHeaderSize = 8

// DefaultHeaderSize must hold a native word.
const _ = uint64(DefaultHeaderSize - PointerSize)

// MinAlign is the smallest alignment of a backing block.
const MinAlign = 16

// Heap hands out tagged allocations from an Arena.
//
// Heap is not safe for concurrent use; the guest is single-threaded.
type Heap struct {
	mem   Memory
	arena *Arena
	hdr   uint64
}

// New creates a heap over [base, base+size) of mem. headerSize of 0 selects
// DefaultHeaderSize; otherwise it must be a power of two no smaller than
// PointerSize. Backing blocks are aligned to max(MinAlign, headerSize) so the
// header word is always naturally aligned.
func New(mem Memory, base, size, headerSize uint64) (*Heap, error) {
	if headerSize == 0 {
		headerSize = DefaultHeaderSize
	}
	if headerSize < PointerSize || headerSize&(headerSize-1) != 0 {
		return nil, errors.Wrapf(ErrHeaderSize, "got %d", headerSize)
	}
	arena, err := NewArena(mem, base, size, max(MinAlign, headerSize))
	if err != nil {
		return nil, err
	}
	return &Heap{mem: mem, arena: arena, hdr: headerSize}, nil
}

// HeaderSize returns the width of the length header.
func (h *Heap) HeaderSize() uint64 { return h.hdr }

// Arena returns the underlying allocator.
func (h *Heap) Arena() *Arena { return h.arena }

// outOfMemory tags cause as ENOMEM so errno.From reports it.
func outOfMemory(cause error, format string, args ...interface{}) error {
	err := errors.Wrapf(errno.ENOMEM, format, args...)
	if cause != nil {
		err = errors.WithSecondaryError(err, cause)
	}
	return err
}

func invalid(cause error, format string, args ...interface{}) error {
	return errors.WithSecondaryError(errors.Wrapf(errno.EINVAL, format, args...), cause)
}

func (h *Heap) writeHeader(start, total uint64) error {
	if err := writeWord(h.mem, start, total); err != nil {
		return err
	}
	if h.hdr > PointerSize {
		return zero(h.mem, start+PointerSize, h.hdr-PointerSize)
	}
	return nil
}

// block recovers the backing block of payload pointer p and checks the
// stored length against the arena's record.
func (h *Heap) block(p uint64) (start, total uint64, err error) {
	if p < h.hdr || !h.arena.Contains(p-h.hdr, h.hdr) {
		return 0, 0, errors.Wrapf(ErrBadPointer, "ptr 0x%x", p)
	}
	start = p - h.hdr
	total, err = readWord(h.mem, start)
	if err != nil {
		return 0, 0, err
	}
	want, ok := h.arena.Lookup(start)
	if !ok {
		return 0, 0, errors.Wrapf(ErrBadFree, "ptr 0x%x", p)
	}
	if total != want {
		return 0, 0, errors.Wrapf(ErrCorruptHeader, "ptr 0x%x: header %d, allocated %d", p, total, want)
	}
	return start, total, nil
}

// Header returns the total length stored in front of p.
func (h *Heap) Header(p uint64) (uint64, error) {
	if p < h.hdr || !h.arena.Contains(p-h.hdr, h.hdr) {
		return 0, errors.Wrapf(ErrBadPointer, "ptr 0x%x", p)
	}
	return readWord(h.mem, p-h.hdr)
}

// Malloc allocates n payload bytes. Failure is reported as ENOMEM with a 0
// pointer.
func (h *Heap) Malloc(n uint64) (uint64, error) {
	total, carry := bits.Add64(n, h.hdr, 0)
	if carry != 0 {
		return 0, outOfMemory(nil, "malloc %d: size overflow", n)
	}
	start, err := h.arena.Alloc(total)
	if err != nil {
		return 0, outOfMemory(err, "malloc %d", n)
	}
	if err := h.writeHeader(start, total); err != nil {
		_ = h.arena.Free(start, total)
		return 0, outOfMemory(err, "malloc %d: header", n)
	}
	return start + h.hdr, nil
}

// Free releases p. A 0 pointer is a no-op. Pointers that do not carry a
// valid header are rejected with EINVAL and nothing is released.
func (h *Heap) Free(p uint64) error {
	if p == 0 {
		return nil
	}
	start, total, err := h.block(p)
	if err != nil {
		return invalid(err, "free 0x%x", p)
	}
	if err := h.arena.Free(start, total); err != nil {
		return invalid(err, "free 0x%x", p)
	}
	return nil
}

// Realloc resizes p to n payload bytes, preserving min(old, n) bytes and
// rewriting the header with the new total. A 0 pointer behaves like Malloc.
// On failure p is still valid, except when the block moved and the new
// header could not be written: the new block is then released and p is gone
// with it.
func (h *Heap) Realloc(p, n uint64) (uint64, error) {
	if p == 0 {
		return h.Malloc(n)
	}
	start, total, err := h.block(p)
	if err != nil {
		return 0, invalid(err, "realloc 0x%x", p)
	}
	ntotal, carry := bits.Add64(n, h.hdr, 0)
	if carry != 0 {
		return 0, outOfMemory(nil, "realloc %d: size overflow", n)
	}
	nstart, err := h.arena.Realloc(start, total, ntotal)
	if err != nil {
		return 0, outOfMemory(err, "realloc 0x%x to %d", p, n)
	}
	if err := h.writeHeader(nstart, ntotal); err != nil {
		_ = h.arena.Free(nstart, ntotal)
		return 0, outOfMemory(err, "realloc 0x%x: header", p)
	}
	return nstart + h.hdr, nil
}

// Calloc allocates count*n zeroed payload bytes. An overflowing product is
// ENOMEM and never reaches the arena.
func (h *Heap) Calloc(count, n uint64) (uint64, error) {
	hi, size := bits.Mul64(count, n)
	if hi != 0 {
		return 0, outOfMemory(nil, "calloc %d*%d: size overflow", count, n)
	}
	p, err := h.Malloc(size)
	if err != nil {
		return 0, err
	}
	if err := zero(h.mem, p, size); err != nil {
		_ = h.Free(p)
		return 0, outOfMemory(err, "calloc %d*%d: zero fill", count, n)
	}
	return p, nil
}

// Live calls fn for every outstanding allocation with its payload pointer
// and payload size, in address order.
func (h *Heap) Live(fn func(p, size uint64)) {
	_ = h.arena.Visit(func(addr, size uint64, free bool) error {
		if !free {
			fn(addr+h.hdr, size-h.hdr)
		}
		return nil
	})
}
