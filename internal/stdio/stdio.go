// Package stdio redirects the guest's standard streams into structured log
// records and stubs the rest of the file and process syscalls.
//
// Writes to stdout and stderr are line-buffered: every completed line becomes
// one record on the guest sink, info for stdout and warn for stderr. All
// other file operations fail with a fixed errno because the host has no
// filesystem, and process control is reduced to what a sandbox can honour.
package stdio

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zboralski/newlibshim/internal/errno"
	glog "github.com/zboralski/newlibshim/internal/log"
)

// Stream identifies a redirected output stream by its descriptor.
type Stream int32

const (
	Stdout Stream = 1
	Stderr Stream = 2
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	}
	return fmt.Sprintf("fd%d", int32(s))
}

// Shim holds the per-instance stream buffers.
//
// Shim is not safe for concurrent use. The guest is single-threaded and calls
// in one at a time; a multi-threaded host must serialize access itself.
type Shim struct {
	log  *glog.Logger
	sink *zap.Logger

	// Bytes written but not yet terminated by '\n'. Never contain '\n'.
	stdout []byte
	stderr []byte
}

// New creates a Shim that reports syscalls on log and emits completed lines
// on log's guest sink.
func New(log *glog.Logger) *Shim {
	return &Shim{
		log:  log,
		sink: log.Guest(),
	}
}

func (s *Shim) buffer(fd int32) *[]byte {
	switch Stream(fd) {
	case Stdout:
		return &s.stdout
	case Stderr:
		return &s.stderr
	}
	return nil
}

// Buffered returns a copy of the unterminated bytes pending on stream.
func (s *Shim) Buffered(stream Stream) []byte {
	buf := s.buffer(int32(stream))
	if buf == nil {
		return nil
	}
	return append([]byte(nil), (*buf)...)
}

// lossy decodes line as UTF-8, writing U+FFFD for every byte that does not
// start a valid sequence.
func lossy(line []byte) string {
	if utf8.Valid(line) {
		return string(line)
	}
	var b strings.Builder
	b.Grow(len(line) + 8)
	for len(line) > 0 {
		r, size := utf8.DecodeRune(line)
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
		} else {
			b.Write(line[:size])
		}
		line = line[size:]
	}
	return b.String()
}

func (s *Shim) emit(stream Stream, line []byte) {
	msg := lossy(line)
	field := zap.Stringer("stream", stream)
	if stream == Stderr {
		s.sink.Warn(msg, field)
	} else {
		s.sink.Info(msg, field)
	}
}

// Write appends data to the stream selected by fd and emits one record per
// completed line. Only stdout (1) and stderr (2) are accepted; any other fd
// fails with EIO and nothing is buffered. On success the whole input is
// consumed.
func (s *Shim) Write(fd int32, data []byte) (int, error) {
	s.log.TraceSimple("stdio", "write", fmt.Sprintf("fd=%d len=%d", fd, len(data)))

	buf := s.buffer(fd)
	if buf == nil {
		return 0, errno.EIO
	}
	stream := Stream(fd)

	rest := data
	for len(rest) > 0 {
		eol := bytes.IndexByte(rest, '\n')
		if eol < 0 {
			*buf = append(*buf, rest...)
			break
		}
		*buf = append(*buf, rest[:eol]...)
		s.emit(stream, *buf)
		*buf = (*buf)[:0]
		rest = rest[eol+1:]
	}
	return len(data), nil
}

// Flush emits any unterminated fragments as final records. Called when the
// guest module is torn down so trailing output is not lost.
func (s *Shim) Flush() {
	for _, stream := range []Stream{Stdout, Stderr} {
		buf := s.buffer(int32(stream))
		if len(*buf) > 0 {
			s.emit(stream, *buf)
			*buf = (*buf)[:0]
		}
	}
}

// Read always fails with ENOENT: there is nothing to read from.
func (s *Shim) Read(fd int32, n uint64) (int, error) {
	s.log.TraceSimple("stdio", "read", fmt.Sprintf("fd=%d len=%d", fd, n))
	return 0, errno.ENOENT
}

// Open always fails with EINVAL and allocates no descriptor.
func (s *Shim) Open(path string, flags, mode int32) (int32, error) {
	s.log.TraceSimple("stdio", "open", fmt.Sprintf("%q flags=0x%x mode=0%o", path, flags, mode))
	return -1, errno.EINVAL
}

// Lseek always fails with ESPIPE: no stream is seekable.
func (s *Shim) Lseek(fd int32, off int64, whence int32) (int64, error) {
	s.log.TraceSimple("stdio", "lseek", fmt.Sprintf("fd=%d off=%d whence=%d", fd, off, whence))
	return -1, errno.ESPIPE
}

// Close succeeds for any fd; there is no descriptor table.
func (s *Shim) Close(fd int32) error {
	s.log.TraceSimple("stdio", "close", fmt.Sprintf("fd=%d", fd))
	return nil
}

// Isatty reports false with ENOTTY for every fd.
func (s *Shim) Isatty(fd int32) (bool, error) {
	s.log.TraceSimple("stdio", "isatty", fmt.Sprintf("fd=%d", fd))
	return false, errno.ENOTTY
}

// Fstat always fails with EIO.
func (s *Shim) Fstat(fd int32) error {
	s.log.TraceSimple("stdio", "fstat", fmt.Sprintf("fd=%d", fd))
	return errno.EIO
}
