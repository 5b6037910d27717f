// Package reent models the error context a reentrant C runtime call carries.
//
// newlib passes a struct _reent pointer as the first argument of every
// reentrant syscall (_malloc_r, _write_r, ...). The only field the shim ever
// touches is _errno, a 32-bit int at offset 0.
package reent

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/zboralski/newlibshim/internal/errno"
	"github.com/zboralski/newlibshim/internal/heap"
)

// ErrnoOffset is the offset of _errno inside struct _reent.
const ErrnoOffset = 0

// Context is the per-call error state. The shim writes into it on failure
// and never allocates or frees it.
type Context interface {
	SetErrno(code errno.Errno) error
}

// Guest is a struct _reent living in guest memory.
type Guest struct {
	mem  heap.Memory
	addr uint64
}

// NewGuest binds the struct _reent at addr.
func NewGuest(mem heap.Memory, addr uint64) *Guest {
	return &Guest{mem: mem, addr: addr}
}

// Addr returns the guest address of the struct.
func (g *Guest) Addr() uint64 { return g.addr }

// SetErrno stores code in _errno.
func (g *Guest) SetErrno(code errno.Errno) error {
	if g.addr == 0 {
		return errors.New("reent: null context")
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(code.Code()))
	if err := g.mem.MemWrite(g.addr+ErrnoOffset, b[:]); err != nil {
		return errors.Wrapf(err, "reent: write errno at 0x%x", g.addr)
	}
	return nil
}

// Errno reads _errno back.
func (g *Guest) Errno() (errno.Errno, error) {
	b, err := g.mem.MemRead(g.addr+ErrnoOffset, 4)
	if err != nil {
		return 0, errors.Wrapf(err, "reent: read errno at 0x%x", g.addr)
	}
	return errno.Errno(int32(binary.LittleEndian.Uint32(b))), nil
}

// Record is a host-side Context for callers that are not guest code.
type Record struct {
	Errno errno.Errno
	Sets  int
}

// SetErrno stores code.
func (r *Record) SetErrno(code errno.Errno) error {
	r.Errno = code
	r.Sets++
	return nil
}

// Report writes the code carried by err into ctx. A nil err leaves ctx
// untouched and reports 0.
func Report(ctx Context, err error) (errno.Errno, error) {
	if err == nil {
		return 0, nil
	}
	code := errno.From(err)
	return code, ctx.SetErrno(code)
}
