// Package shim is the C runtime substitution layer for one guest module.
//
// A Runtime owns the guest heap, the redirected standard streams and the
// errno cell used by non-reentrant entry points. Every method follows the C
// calling convention the guest expects: failures come back as a sentinel
// return (0 pointer, -1) with the code written into the caller's reent
// context. Nothing here terminates or unwinds the host.
package shim

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/newlibshim/internal/errno"
	"github.com/zboralski/newlibshim/internal/heap"
	glog "github.com/zboralski/newlibshim/internal/log"
	"github.com/zboralski/newlibshim/internal/reent"
	"github.com/zboralski/newlibshim/internal/stdio"
)

// Options describes where the runtime's state lives in guest memory.
type Options struct {
	HeapBase   uint64
	HeapSize   uint64
	HeaderSize uint64 // 0 selects heap.DefaultHeaderSize

	// ErrnoAddr is the guest address of the errno cell shared by the
	// non-reentrant entry points. 0 keeps the cell host-side.
	ErrnoAddr uint64
}

// Runtime is the per-module shim state. Not safe for concurrent use.
type Runtime struct {
	id    uuid.UUID
	log   *glog.Logger
	mem   heap.Memory
	heap  *heap.Heap
	stdio *stdio.Shim

	errnoAddr uint64
	errno     reent.Context

	closed bool
}

// New builds a runtime over mem. A nil log discards everything.
func New(mem heap.Memory, opts Options, log *glog.Logger) (*Runtime, error) {
	if log == nil {
		log = glog.NewNop()
	}
	h, err := heap.New(mem, opts.HeapBase, opts.HeapSize, opts.HeaderSize)
	if err != nil {
		return nil, errors.Wrap(err, "shim: heap")
	}

	id := uuid.New()
	log = log.With(zap.String("instance", id.String()))

	rt := &Runtime{
		id:        id,
		log:       log,
		mem:       mem,
		heap:      h,
		stdio:     stdio.New(log),
		errnoAddr: opts.ErrnoAddr,
	}
	if opts.ErrnoAddr != 0 {
		rt.errno = reent.NewGuest(mem, opts.ErrnoAddr)
	} else {
		rt.errno = &reent.Record{}
	}

	log.Debug("runtime created",
		glog.Ptr("heap", opts.HeapBase),
		glog.Size(opts.HeapSize),
		zap.Uint64("header", h.HeaderSize()),
		glog.Ptr("errno", opts.ErrnoAddr),
	)
	return rt, nil
}

// ID returns the instance id attached to every log record.
func (rt *Runtime) ID() uuid.UUID { return rt.id }

// Logger returns the instance logger.
func (rt *Runtime) Logger() *glog.Logger { return rt.log }

// Heap returns the guest heap.
func (rt *Runtime) Heap() *heap.Heap { return rt.heap }

// Stdio returns the stream shim.
func (rt *Runtime) Stdio() *stdio.Shim { return rt.stdio }

// Errno returns the context used by the non-reentrant entry points.
func (rt *Runtime) Errno() reent.Context { return rt.errno }

// ErrnoAddr returns the guest address handed out by __errno, 0 if the cell
// is host-side.
func (rt *Runtime) ErrnoAddr() uint64 { return rt.errnoAddr }

// Context resolves the struct _reent pointer a guest passed in. A null
// pointer falls back to the runtime's own errno cell.
func (rt *Runtime) Context(addr uint64) reent.Context {
	if addr == 0 {
		return rt.errno
	}
	return reent.NewGuest(rt.mem, addr)
}

// fail writes err's code into re and returns it. A context that cannot be
// written is logged; the sentinel return still reaches the guest.
func (rt *Runtime) fail(re reent.Context, op string, err error) errno.Errno {
	code, werr := reent.Report(re, err)
	if werr != nil {
		rt.log.Warn("errno not delivered", glog.Fn(op), zap.Stringer("errno", code), zap.Error(werr))
	}
	return code
}

// Close flushes unterminated stream fragments and reports allocations that
// were never freed. Calling it again is a no-op.
func (rt *Runtime) Close() error {
	if rt.closed {
		return nil
	}
	rt.closed = true

	rt.stdio.Flush()

	var leaks int
	var leaked uint64
	rt.heap.Live(func(p, size uint64) {
		leaks++
		leaked += size
		rt.log.Warn("leaked allocation", glog.Addr(p), glog.Size(size))
	})
	if leaks > 0 {
		rt.log.Warn("heap not empty at close",
			zap.Int("allocations", leaks),
			zap.Uint64("bytes", leaked),
		)
	}
	return nil
}
