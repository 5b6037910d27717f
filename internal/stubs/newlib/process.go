package newlib

import (
	"github.com/zboralski/newlibshim/internal/emulator"
	"github.com/zboralski/newlibshim/internal/shim"
	"github.com/zboralski/newlibshim/internal/stubs"
)

func init() {
	stubs.Register(stubs.StubDef{Name: "_getpid_r", Hook: stubGetpidR, Category: "process"})
	stubs.Register(stubs.StubDef{Name: "_kill_r", Hook: stubKillR, Category: "process"})
	stubs.Register(stubs.StubDef{Name: "_exit", Aliases: []string{"_Exit"}, Hook: stubExit, Category: "process"})
	stubs.Register(stubs.StubDef{Name: "__cxa_atexit", Hook: stubCxaAtexit, Category: "process"})
	stubs.Register(stubs.StubDef{Name: "atexit", Hook: stubAtexit, Category: "process"})

	stubs.Register(stubs.StubDef{Name: "getpid", Aliases: []string{"_getpid"}, Hook: stubGetpid, Category: "process", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "kill", Aliases: []string{"_kill"}, Hook: stubKill, Category: "process", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "exit", Hook: stubExit, Category: "process", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "__errno", Hook: stubErrno, Category: "process", ImportOnly: true})
}

// int _getpid_r(struct _reent *)
func stubGetpidR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.Getpid(rt.Context(emu.X(0)))))
}

// int _kill_r(struct _reent *, int pid, int sig)
func stubKillR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.Kill(rt.Context(emu.X(0)), emu.W(1), emu.W(2))))
}

// void _exit(int) does not return. Emulation stops at the call.
func stubExit(emu *emulator.Emulator, rt *shim.Runtime) bool {
	rt.Exit(emu.W(0))
	return true
}

// int __cxa_atexit(void (*fn)(void *), void *arg, void *dso)
func stubCxaAtexit(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.CxaAtexit(rt.Errno(), emu.X(0), emu.X(1), emu.X(2))))
}

// int atexit(void (*fn)(void))
func stubAtexit(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.CxaAtexit(rt.Errno(), emu.X(0), 0, 0)))
}

func stubGetpid(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.Getpid(rt.Errno())))
}

func stubKill(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.Kill(rt.Errno(), emu.W(0), emu.W(1))))
}

// int *__errno(void)
func stubErrno(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.Return(emu, rt.ErrnoAddr())
}
