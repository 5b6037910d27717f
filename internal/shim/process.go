package shim

import "github.com/zboralski/newlibshim/internal/reent"

// Getpid implements _getpid_r.
func (rt *Runtime) Getpid(re reent.Context) int32 {
	return rt.stdio.Getpid()
}

// Kill implements _kill_r. No signal can be delivered.
func (rt *Runtime) Kill(re reent.Context, pid, sig int32) int32 {
	if err := rt.stdio.Kill(pid, sig); err != nil {
		rt.fail(re, "kill", err)
		return -1
	}
	return 0
}

// Exit implements _exit. The host keeps running; the caller decides whether
// to stop the guest.
func (rt *Runtime) Exit(code int32) {
	rt.stdio.Exit(code)
}

// CxaAtexit implements __cxa_atexit and atexit. The handler is not stored.
func (rt *Runtime) CxaAtexit(re reent.Context, fn, arg, dso uint64) int32 {
	if err := rt.stdio.AtExit(fn, arg, dso); err != nil {
		rt.fail(re, "atexit", err)
		return -1
	}
	return 0
}
