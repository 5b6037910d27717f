package newlib

import (
	"github.com/zboralski/newlibshim/internal/emulator"
	"github.com/zboralski/newlibshim/internal/shim"
	"github.com/zboralski/newlibshim/internal/stubs"
)

func init() {
	stubs.Register(stubs.StubDef{Name: "_write_r", Hook: stubWriteR, Category: "stdio"})
	stubs.Register(stubs.StubDef{Name: "_read_r", Hook: stubReadR, Category: "stdio"})
	stubs.Register(stubs.StubDef{Name: "_lseek_r", Hook: stubLseekR, Category: "stdio"})
	stubs.Register(stubs.StubDef{Name: "_close_r", Hook: stubCloseR, Category: "stdio"})
	stubs.Register(stubs.StubDef{Name: "_fstat_r", Hook: stubFstatR, Category: "stdio"})
	stubs.Register(stubs.StubDef{Name: "_isatty_r", Hook: stubIsattyR, Category: "stdio"})
	stubs.Register(stubs.StubDef{Name: "_open_r", Hook: stubOpenR, Category: "stdio"})

	stubs.Register(stubs.StubDef{Name: "write", Aliases: []string{"_write"}, Hook: stubWrite, Category: "stdio", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "read", Aliases: []string{"_read"}, Hook: stubRead, Category: "stdio", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "lseek", Aliases: []string{"_lseek"}, Hook: stubLseek, Category: "stdio", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "close", Aliases: []string{"_close"}, Hook: stubClose, Category: "stdio", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "fstat", Aliases: []string{"_fstat"}, Hook: stubFstat, Category: "stdio", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "isatty", Aliases: []string{"_isatty"}, Hook: stubIsatty, Category: "stdio", ImportOnly: true})
	stubs.Register(stubs.StubDef{Name: "open", Aliases: []string{"_open"}, Hook: stubOpen, Category: "stdio", ImportOnly: true})
}

// _ssize_t _write_r(struct _reent *, int fd, const void *buf, size_t n)
func stubWriteR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, rt.Write(rt.Context(emu.X(0)), emu.W(1), emu.X(2), emu.X(3)))
}

// _ssize_t _read_r(struct _reent *, int fd, void *buf, size_t n)
func stubReadR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, rt.Read(rt.Context(emu.X(0)), emu.W(1), emu.X(2), emu.X(3)))
}

// _off_t _lseek_r(struct _reent *, int fd, _off_t off, int whence)
func stubLseekR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, rt.Lseek(rt.Context(emu.X(0)), emu.W(1), int64(emu.X(2)), emu.W(3)))
}

// int _close_r(struct _reent *, int fd)
func stubCloseR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.CloseFD(rt.Context(emu.X(0)), emu.W(1))))
}

// int _fstat_r(struct _reent *, int fd, struct stat *)
func stubFstatR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.Fstat(rt.Context(emu.X(0)), emu.W(1), emu.X(2))))
}

// int _isatty_r(struct _reent *, int fd)
func stubIsattyR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.Isatty(rt.Context(emu.X(0)), emu.W(1))))
}

// int _open_r(struct _reent *, const char *path, int flags, int mode)
func stubOpenR(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.Open(rt.Context(emu.X(0)), emu.X(1), emu.W(2), emu.W(3))))
}

func stubWrite(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, rt.Write(rt.Errno(), emu.W(0), emu.X(1), emu.X(2)))
}

func stubRead(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, rt.Read(rt.Errno(), emu.W(0), emu.X(1), emu.X(2)))
}

func stubLseek(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, rt.Lseek(rt.Errno(), emu.W(0), int64(emu.X(1)), emu.W(2)))
}

func stubClose(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.CloseFD(rt.Errno(), emu.W(0))))
}

func stubFstat(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.Fstat(rt.Errno(), emu.W(0), emu.X(1))))
}

func stubIsatty(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.Isatty(rt.Errno(), emu.W(0))))
}

func stubOpen(emu *emulator.Emulator, rt *shim.Runtime) bool {
	return stubs.ReturnInt(emu, int64(rt.Open(rt.Errno(), emu.X(0), emu.W(1), emu.W(2))))
}
