package heap

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// span is a half-open guest range [addr, addr+size).
type span struct {
	addr uint64
	size uint64
}

func (s span) end() uint64 { return s.addr + s.size }

// block is a live allocation. size is what the caller asked for; reserved is
// size rounded up to the arena alignment.
type block struct {
	size     uint64
	reserved uint64
}

// Arena is a first-fit allocator over a fixed guest region. Free ranges are
// kept sorted by address and coalesced on release.
//
// Arena is not safe for concurrent use.
type Arena struct {
	mem   Memory
	base  uint64
	size  uint64
	align uint64

	free []span
	live map[uint64]block
	used uint64
}

// NewArena manages [base, base+size) of mem. align must be a power of two and
// base must be aligned to it; size is truncated to a multiple of align.
func NewArena(mem Memory, base, size, align uint64) (*Arena, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, errors.Newf("heap: alignment %d is not a power of two", align)
	}
	if base == 0 || base&(align-1) != 0 {
		return nil, errors.Newf("heap: base 0x%x is not a non-null multiple of %d", base, align)
	}
	size &^= align - 1
	if size == 0 {
		return nil, errors.New("heap: arena is empty")
	}
	if base+size < base {
		return nil, errors.Newf("heap: arena 0x%x+0x%x wraps the address space", base, size)
	}
	return &Arena{
		mem:   mem,
		base:  base,
		size:  size,
		align: align,
		free:  []span{{base, size}},
		live:  make(map[uint64]block),
	}, nil
}

// Base returns the first address managed.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the number of bytes managed.
func (a *Arena) Size() uint64 { return a.size }

// Align returns the alignment of every block start.
func (a *Arena) Align() uint64 { return a.align }

// Contains reports whether [addr, addr+size) lies inside the arena.
func (a *Arena) Contains(addr, size uint64) bool {
	if addr < a.base {
		return false
	}
	off := addr - a.base
	return off <= a.size && size <= a.size-off
}

// Lookup returns the requested size of the live block starting at addr.
func (a *Arena) Lookup(addr uint64) (uint64, bool) {
	b, ok := a.live[addr]
	return b.size, ok
}

// reserve rounds size up to the alignment. ok is false when that overflows
// or cannot possibly fit.
func (a *Arena) reserve(size uint64) (uint64, bool) {
	if size == 0 {
		return a.align, true
	}
	if size > a.size {
		return 0, false
	}
	return (size + a.align - 1) &^ (a.align - 1), true
}

// Alloc returns the start of a new block of at least size bytes.
func (a *Arena) Alloc(size uint64) (uint64, error) {
	r, ok := a.reserve(size)
	if !ok {
		return 0, errors.Wrapf(ErrNoSpace, "alloc %d", size)
	}
	for i := range a.free {
		s := &a.free[i]
		if s.size < r {
			continue
		}
		addr := s.addr
		s.addr += r
		s.size -= r
		if s.size == 0 {
			a.free = append(a.free[:i], a.free[i+1:]...)
		}
		a.live[addr] = block{size: size, reserved: r}
		a.used += r
		return addr, nil
	}
	return 0, errors.Wrapf(ErrNoSpace, "alloc %d", size)
}

func (a *Arena) lookup(addr, size uint64) (block, error) {
	b, ok := a.live[addr]
	if !ok {
		return block{}, errors.Wrapf(ErrBadFree, "addr 0x%x", addr)
	}
	if b.size != size {
		return block{}, errors.Wrapf(ErrSizeMismatch, "addr 0x%x: got %d, allocated %d", addr, size, b.size)
	}
	return b, nil
}

// Free releases the block at addr. size must equal the size it was allocated
// (or last reallocated) with.
func (a *Arena) Free(addr, size uint64) error {
	b, err := a.lookup(addr, size)
	if err != nil {
		return err
	}
	delete(a.live, addr)
	a.used -= b.reserved
	a.release(span{addr, b.reserved})
	return nil
}

// Realloc resizes the block at addr from oldSize to newSize, moving it when
// it cannot grow in place. The first min(oldSize, newSize) bytes are
// preserved. On error the original block is untouched.
func (a *Arena) Realloc(addr, oldSize, newSize uint64) (uint64, error) {
	b, err := a.lookup(addr, oldSize)
	if err != nil {
		return 0, err
	}
	r, ok := a.reserve(newSize)
	if !ok {
		return 0, errors.Wrapf(ErrNoSpace, "realloc %d", newSize)
	}

	if r <= b.reserved {
		if r < b.reserved {
			a.release(span{addr + r, b.reserved - r})
			a.used -= b.reserved - r
		}
		a.live[addr] = block{size: newSize, reserved: r}
		return addr, nil
	}

	// Grow into the free range that starts right after the block.
	need := r - b.reserved
	if i := a.freeAt(addr + b.reserved); i >= 0 && a.free[i].size >= need {
		s := &a.free[i]
		s.addr += need
		s.size -= need
		if s.size == 0 {
			a.free = append(a.free[:i], a.free[i+1:]...)
		}
		a.used += need
		a.live[addr] = block{size: newSize, reserved: r}
		return addr, nil
	}

	naddr, err := a.Alloc(newSize)
	if err != nil {
		return 0, err
	}
	if err := move(a.mem, naddr, addr, min(oldSize, newSize)); err != nil {
		// Undo the new block; the old one is still intact.
		_ = a.Free(naddr, newSize)
		return 0, errors.Wrapf(err, "realloc copy 0x%x -> 0x%x", addr, naddr)
	}
	delete(a.live, addr)
	a.used -= b.reserved
	a.release(span{addr, b.reserved})
	return naddr, nil
}

// freeAt returns the index of the free range starting exactly at addr, or -1.
func (a *Arena) freeAt(addr uint64) int {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr >= addr })
	if i < len(a.free) && a.free[i].addr == addr {
		return i
	}
	return -1
}

// release returns s to the free list, merging with neighbours.
func (a *Arena) release(s span) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr >= s.addr })

	mergePrev := i > 0 && a.free[i-1].end() == s.addr
	mergeNext := i < len(a.free) && s.end() == a.free[i].addr

	switch {
	case mergePrev && mergeNext:
		a.free[i-1].size += s.size + a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	case mergePrev:
		a.free[i-1].size += s.size
	case mergeNext:
		a.free[i].addr = s.addr
		a.free[i].size += s.size
	default:
		a.free = append(a.free, span{})
		copy(a.free[i+1:], a.free[i:])
		a.free[i] = s
	}
}

// Stats summarizes arena usage.
type Stats struct {
	TotalBytes  uint64
	UsedBytes   uint64
	FreeBytes   uint64
	Allocations int
	FreeRanges  int
	LargestFree uint64
}

// Stats returns the current usage summary.
func (a *Arena) Stats() Stats {
	st := Stats{
		TotalBytes:  a.size,
		UsedBytes:   a.used,
		FreeBytes:   a.size - a.used,
		Allocations: len(a.live),
		FreeRanges:  len(a.free),
	}
	for _, s := range a.free {
		st.LargestFree = max(st.LargestFree, s.size)
	}
	return st
}

// Visit calls fn for every live block and free range in address order.
// For live blocks size is the requested size; for free ranges it is the
// range length.
func (a *Arena) Visit(fn func(addr, size uint64, free bool) error) error {
	addrs := make([]uint64, 0, len(a.live))
	for addr := range a.live {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	fi := 0
	for _, addr := range addrs {
		for fi < len(a.free) && a.free[fi].addr < addr {
			if err := fn(a.free[fi].addr, a.free[fi].size, true); err != nil {
				return err
			}
			fi++
		}
		if err := fn(addr, a.live[addr].size, false); err != nil {
			return err
		}
	}
	for ; fi < len(a.free); fi++ {
		if err := fn(a.free[fi].addr, a.free[fi].size, true); err != nil {
			return err
		}
	}
	return nil
}

// WriteMap writes a detailed JSON map of the arena.
func (a *Arena) WriteMap(w *jwriter.Writer) {
	st := a.Stats()

	obj := w.Object()
	defer obj.End()

	obj.Name("Base").String(fmt.Sprintf("0x%x", a.base))
	obj.Name("TotalBytes").Float64(float64(st.TotalBytes))
	obj.Name("UsedBytes").Float64(float64(st.UsedBytes))
	obj.Name("Allocations").Int(st.Allocations)
	obj.Name("UnusedRanges").Int(st.FreeRanges)

	arr := obj.Name("Blocks").Array()
	defer arr.End()

	_ = a.Visit(func(addr, size uint64, free bool) error {
		b := arr.Object()
		defer b.End()

		b.Name("Offset").Float64(float64(addr - a.base))
		b.Name("Size").Float64(float64(size))
		if free {
			b.Name("Type").String("FREE")
		} else {
			b.Name("Type").String("USED")
		}
		return nil
	})
}
