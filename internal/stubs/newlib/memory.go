// Package newlib binds newlib's syscall layer to the shim runtime.
//
// Reentrant entry points (_malloc_r, _write_r, ...) take the caller's struct
// _reent in X0 and shift the C arguments one register up. The plain names
// (malloc, write, ...) are bound for dynamically linked guests only and
// report through the runtime's own errno cell.
package newlib

import (
	"github.com/zboralski/newlibshim/internal/emulator"
	"github.com/zboralski/newlibshim/internal/errno"
	"github.com/zboralski/newlibshim/internal/shim"
	"github.com/zboralski/newlibshim/internal/stubs"
)

func init() {
	stubs.Register(stubs.StubDef{Name: "_malloc_r", Hook: stubMallocR, Category: "heap"})
	stubs.Register(stubs.StubDef{Name: "_free_r", Hook: stubFreeR, Category: "heap"})
	stubs.Register(stubs.StubDef{Name: "_realloc_r", Hook: stubReallocR, Category: "heap"})
	stubs.Register(stubs.StubDef{Name: "_calloc_r", Hook: stubCallocR, Category: "heap"})
	stubs.Register(stubs.StubDef{Name: "_sbrk_r", Hook: stubSbrkR, Category: "heap"})

	stubs.Register(stubs.StubDef{Name: "malloc", Hook: stubMalloc, Category: "heap", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "free", Hook: stubFree, Category: "heap", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "realloc", Hook: stubRealloc, Category: "heap", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "calloc", Hook: stubCalloc, Category: "heap", ImportOnly: true})
}

// void *_malloc_r(struct _reent *, size_t)
func stubMallocR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.Return(emu, rt.Malloc(rt.Context(emu.X(0)), emu.X(1)))
}

// void _free_r(struct _reent *, void *)
func stubFreeR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	rt.Free(rt.Context(emu.X(0)), emu.X(1))
	stubs.ReturnFromStub(emu)
	return false
}

// void *_realloc_r(struct _reent *, void *, size_t)
func stubReallocR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.Return(emu, rt.Realloc(rt.Context(emu.X(0)), emu.X(1), emu.X(2)))
}

// void *_calloc_r(struct _reent *, size_t, size_t)
func stubCallocR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.Return(emu, rt.Calloc(rt.Context(emu.X(0)), emu.X(1), emu.X(2)))
}

// _sbrk_r is only reached by allocator code that bypasses the hooked malloc
// family. There is no break to move.
func stubSbrkR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	rt.Logger().TraceSimple("heap", "sbrk", stubs.FormatHex(emu.X(1))+" -> -1")
	_ = rt.Context(emu.X(0)).SetErrno(errno.ENOMEM)
	return stubs.ReturnInt(emu, -1)
}

func stubMalloc(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.Return(emu, rt.Malloc(rt.Errno(), emu.X(0)))
}

func stubFree(emu *emulator.Emulator, rt *shim.Runtime) bool {
	rt.Free(rt.Errno(), emu.X(0))
	stubs.ReturnFromStub(emu)
	return false
}

func stubRealloc(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.Return(emu, rt.Realloc(rt.Errno(), emu.X(0), emu.X(1)))
}

func stubCalloc(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.Return(emu, rt.Calloc(rt.Errno(), emu.X(0), emu.X(1)))
}
