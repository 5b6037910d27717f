package shim

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/zboralski/newlibshim/internal/errno"
	"github.com/zboralski/newlibshim/internal/reent"
)

// MaxPath bounds how far a guest path string is scanned for its terminator.
const MaxPath = 4096

// MaxWrite bounds a single write. Larger requests fail with EIO.
const MaxWrite = 16 << 20

// writeChunk bounds each guest memory read made on behalf of a write.
const writeChunk = 64 * 1024

// Write implements _write_r: n bytes at buf go to stream fd.
func (rt *Runtime) Write(re reent.Context, fd int32, buf, n uint64) int64 {
	data, err := rt.readBuffer(buf, n)
	if err != nil {
		rt.fail(re, "write", errors.WithSecondaryError(errno.EIO, err))
		return -1
	}
	written, err := rt.stdio.Write(fd, data)
	if err != nil {
		rt.fail(re, "write", err)
		return -1
	}
	return int64(written)
}

// Read implements _read_r. It always fails; buf is never written.
func (rt *Runtime) Read(re reent.Context, fd int32, buf, n uint64) int64 {
	if _, err := rt.stdio.Read(fd, n); err != nil {
		rt.fail(re, "read", err)
		return -1
	}
	return 0
}

// Lseek implements _lseek_r.
func (rt *Runtime) Lseek(re reent.Context, fd int32, off int64, whence int32) int64 {
	pos, err := rt.stdio.Lseek(fd, off, whence)
	if err != nil {
		rt.fail(re, "lseek", err)
		return -1
	}
	return pos
}

// CloseFD implements _close_r. Close is taken by the runtime teardown.
func (rt *Runtime) CloseFD(re reent.Context, fd int32) int32 {
	if err := rt.stdio.Close(fd); err != nil {
		rt.fail(re, "close", err)
		return -1
	}
	return 0
}

// Isatty implements _isatty_r: 1 for a terminal, 0 otherwise.
func (rt *Runtime) Isatty(re reent.Context, fd int32) int32 {
	tty, err := rt.stdio.Isatty(fd)
	if err != nil {
		rt.fail(re, "isatty", err)
	}
	if tty {
		return 1
	}
	return 0
}

// Fstat implements _fstat_r. The stat buffer is never written.
func (rt *Runtime) Fstat(re reent.Context, fd int32, st uint64) int32 {
	if err := rt.stdio.Fstat(fd); err != nil {
		rt.fail(re, "fstat", err)
		return -1
	}
	return 0
}

// Open implements _open_r. path is a guest C string.
func (rt *Runtime) Open(re reent.Context, path uint64, flags, mode int32) int32 {
	name, err := rt.cstring(path, MaxPath)
	if err != nil {
		name = "<unreadable>"
	}
	fd, err := rt.stdio.Open(name, flags, mode)
	if err != nil {
		rt.fail(re, "open", err)
		return -1
	}
	return fd
}

// readBuffer copies n bytes at addr out of guest memory in bounded chunks.
func (rt *Runtime) readBuffer(addr, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n > MaxWrite {
		return nil, errors.Newf("shim: buffer of %d bytes exceeds %d", n, MaxWrite)
	}
	if addr+n < addr {
		return nil, errors.Newf("shim: buffer 0x%x+%d wraps", addr, n)
	}
	out := make([]byte, 0, n)
	for rest := n; rest > 0; {
		b, err := rt.mem.MemRead(addr+uint64(len(out)), min(rest, writeChunk))
		if err != nil {
			return nil, errors.Wrapf(err, "shim: buffer at 0x%x", addr)
		}
		out = append(out, b...)
		rest -= uint64(len(b))
	}
	return out, nil
}

// cstring reads a NUL-terminated string of at most limit bytes from guest
// memory. The read is chunked so a string ending near the end of a mapping
// does not fault on bytes past it.
func (rt *Runtime) cstring(addr uint64, limit int) (string, error) {
	if addr == 0 {
		return "", errors.New("shim: null string")
	}
	const chunk = 64
	var out []byte
	for len(out) < limit {
		b, err := rt.mem.MemRead(addr+uint64(len(out)), chunk)
		if err != nil {
			// Fall back to single bytes up to the end of the mapping.
			b, err = rt.mem.MemRead(addr+uint64(len(out)), 1)
			if err != nil {
				return string(out), errors.Wrapf(err, "shim: string at 0x%x", addr)
			}
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			return string(append(out, b[:i]...)), nil
		}
		out = append(out, b...)
	}
	return string(out[:limit]), nil
}
