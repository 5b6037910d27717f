package shim

import (
	"go.uber.org/zap"

	glog "github.com/zboralski/newlibshim/internal/log"
	"github.com/zboralski/newlibshim/internal/reent"
)

// Malloc implements _malloc_r. Returns 0 with ENOMEM on failure.
func (rt *Runtime) Malloc(re reent.Context, n uint64) uint64 {
	p, err := rt.heap.Malloc(n)
	if err != nil {
		code := rt.fail(re, "malloc", err)
		rt.log.TraceSimple("heap", "malloc", glog.Hex(n)+" -> 0 "+code.String())
		return 0
	}
	rt.log.TraceSimple("heap", "malloc", glog.Hex(n)+" -> "+glog.Hex(p))
	return p
}

// Free implements _free_r. free(NULL) does nothing. A pointer this heap did
// not hand out is logged and left alone.
func (rt *Runtime) Free(re reent.Context, p uint64) {
	rt.log.TraceSimple("heap", "free", glog.Hex(p))
	if err := rt.heap.Free(p); err != nil {
		rt.fail(re, "free", err)
		rt.log.Error("invalid free", glog.Addr(p), zap.Error(err))
	}
}

// Realloc implements _realloc_r. On failure it returns 0 and the original
// block stays valid.
func (rt *Runtime) Realloc(re reent.Context, p, n uint64) uint64 {
	np, err := rt.heap.Realloc(p, n)
	if err != nil {
		code := rt.fail(re, "realloc", err)
		rt.log.TraceSimple("heap", "realloc", glog.Hex(p)+" "+glog.Hex(n)+" -> 0 "+code.String())
		return 0
	}
	rt.log.TraceSimple("heap", "realloc", glog.Hex(p)+" "+glog.Hex(n)+" -> "+glog.Hex(np))
	return np
}

// Calloc implements _calloc_r.
func (rt *Runtime) Calloc(re reent.Context, count, n uint64) uint64 {
	p, err := rt.heap.Calloc(count, n)
	if err != nil {
		code := rt.fail(re, "calloc", err)
		rt.log.TraceSimple("heap", "calloc", glog.Hex(count)+"*"+glog.Hex(n)+" -> 0 "+code.String())
		return 0
	}
	rt.log.TraceSimple("heap", "calloc", glog.Hex(count)+"*"+glog.Hex(n)+" -> "+glog.Hex(p))
	return p
}
