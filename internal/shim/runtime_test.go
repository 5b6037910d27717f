package shim

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zboralski/newlibshim/internal/errno"
	"github.com/zboralski/newlibshim/internal/heap"
	glog "github.com/zboralski/newlibshim/internal/log"
	"github.com/zboralski/newlibshim/internal/reent"
	"github.com/zboralski/newlibshim/internal/stdio"
)

const (
	memBase   = 0x10000
	memSize   = 0x20000
	errnoCell = 0x10000
	reentAddr = 0x10100
	scratch   = 0x11000
	heapBase  = 0x20000
	heapSize  = 0x10000
)

type fixture struct {
	rt   *Runtime
	mem  *heap.Linear
	logs *observer.ObservedLogs
	re   *reent.Guest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	mem := heap.NewLinear(memBase, memSize)
	rt, err := New(mem, Options{
		HeapBase:  heapBase,
		HeapSize:  heapSize,
		ErrnoAddr: errnoCell,
	}, glog.Wrap(zap.New(core)))
	require.NoError(t, err)
	return &fixture{rt: rt, mem: mem, logs: logs, re: reent.NewGuest(mem, reentAddr)}
}

func (f *fixture) errno(t *testing.T) errno.Errno {
	t.Helper()
	code, err := f.re.Errno()
	require.NoError(t, err)
	return code
}

func (f *fixture) header(t *testing.T, p uint64) uint64 {
	t.Helper()
	b, err := f.mem.MemRead(p-8, 8)
	require.NoError(t, err)
	return binary.LittleEndian.Uint64(b)
}

func (f *fixture) guestLines() []observer.LoggedEntry {
	return f.logs.Filter(func(e observer.LoggedEntry) bool {
		return e.LoggerName == "guest"
	}).All()
}

func TestNewRejectsBadHeap(t *testing.T) {
	mem := heap.NewLinear(memBase, memSize)

	_, err := New(mem, Options{HeapBase: heapBase, HeapSize: heapSize, HeaderSize: 12}, nil)
	assert.Error(t, err)
	_, err = New(mem, Options{HeapBase: 0, HeapSize: heapSize}, nil)
	assert.Error(t, err)
}

func TestInstanceIDOnEveryRecord(t *testing.T) {
	f := newFixture(t)

	f.rt.Malloc(f.re, 8)
	f.rt.Write(f.re, 1, 0, 0)

	all := f.logs.All()
	require.NotEmpty(t, all)
	for _, e := range all {
		assert.Equal(t, f.rt.ID().String(), e.ContextMap()["instance"], e.Message)
	}
}

func TestMallocFreeReentrant(t *testing.T) {
	f := newFixture(t)

	p := f.rt.Malloc(f.re, 100)
	require.NotZero(t, p)
	assert.Equal(t, uint64(108), f.header(t, p))
	assert.Zero(t, p%8)

	q := f.rt.Malloc(f.re, 32)
	require.NoError(t, f.mem.MemWrite(q, []byte("neighbour")))

	f.rt.Free(f.re, p)
	got, err := f.mem.MemRead(q, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("neighbour"), got)
	assert.Equal(t, errno.Errno(0), f.errno(t))
}

func TestMallocExhaustionSetsENOMEM(t *testing.T) {
	f := newFixture(t)

	assert.Zero(t, f.rt.Malloc(f.re, heapSize))
	assert.Equal(t, errno.ENOMEM, f.errno(t))

	require.NoError(t, f.re.SetErrno(0))
	assert.Zero(t, f.rt.Malloc(f.re, math.MaxUint64-4))
	assert.Equal(t, errno.ENOMEM, f.errno(t))
}

func TestFreeNullIsNoop(t *testing.T) {
	f := newFixture(t)

	before := f.rt.Heap().Arena().Stats()
	f.rt.Free(f.re, 0)
	assert.Equal(t, before, f.rt.Heap().Arena().Stats())
	assert.Equal(t, errno.Errno(0), f.errno(t))
	assert.Empty(t, f.logs.FilterMessage("invalid free").All())
}

func TestInvalidFreeIsLogged(t *testing.T) {
	f := newFixture(t)

	p := f.rt.Malloc(f.re, 16)
	f.rt.Free(f.re, p)
	f.rt.Free(f.re, p)

	bad := f.logs.FilterMessage("invalid free").All()
	require.Len(t, bad, 1)
	assert.Equal(t, zapcore.ErrorLevel, bad[0].Level)
	assert.Equal(t, errno.EINVAL, f.errno(t))
}

func TestReallocPreservesPrefixAndRewritesHeader(t *testing.T) {
	cases := []struct {
		name       string
		len1, len2 uint64
	}{
		{"grow", 10, 200},
		{"shrink", 64, 5},
		{"same", 24, 24},
		{"zero", 16, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)

			p := f.rt.Malloc(f.re, tc.len1)
			require.NotZero(t, p)
			content := make([]byte, tc.len1)
			for i := range content {
				content[i] = byte(i + 1)
			}
			require.NoError(t, f.mem.MemWrite(p, content))

			np := f.rt.Realloc(f.re, p, tc.len2)
			require.NotZero(t, np)
			assert.Equal(t, tc.len2+8, f.header(t, np))

			keep := min(tc.len1, tc.len2)
			got, err := f.mem.MemRead(np, keep)
			require.NoError(t, err)
			assert.Equal(t, content[:keep], got)
		})
	}
}

func TestReallocNullAllocates(t *testing.T) {
	f := newFixture(t)

	p := f.rt.Realloc(f.re, 0, 40)
	require.NotZero(t, p)
	assert.Equal(t, uint64(48), f.header(t, p))
}

func TestReallocFailureKeepsBlock(t *testing.T) {
	f := newFixture(t)

	p := f.rt.Malloc(f.re, 8)
	require.NoError(t, f.mem.MemWrite(p, []byte("original")))

	assert.Zero(t, f.rt.Realloc(f.re, p, heapSize*2))
	assert.Equal(t, errno.ENOMEM, f.errno(t))

	got, err := f.mem.MemRead(p, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
	assert.Equal(t, uint64(16), f.header(t, p))
}

func TestCalloc(t *testing.T) {
	f := newFixture(t)

	// Dirty the arena so calloc has to clear reused memory.
	d := f.rt.Malloc(f.re, 64)
	require.NoError(t, f.mem.MemWrite(d, []byte("ffffffffffffffffffffffffffffffff")))
	f.rt.Free(f.re, d)

	p := f.rt.Calloc(f.re, 3, 4)
	require.NotZero(t, p)
	got, err := f.mem.MemRead(p, 12)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 12), got)
	assert.Equal(t, uint64(20), f.header(t, p))
}

func TestCallocOverflow(t *testing.T) {
	f := newFixture(t)

	before := f.rt.Heap().Arena().Stats()
	assert.Zero(t, f.rt.Calloc(f.re, math.MaxUint64/2, 3))
	assert.Equal(t, errno.ENOMEM, f.errno(t))
	assert.Equal(t, before, f.rt.Heap().Arena().Stats())
}

func TestWriteFromGuestMemory(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mem.MemWrite(scratch, []byte("hello\nwor")))
	assert.Equal(t, int64(9), f.rt.Write(f.re, 1, scratch, 9))

	lines := f.guestLines()
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0].Message)
	assert.Equal(t, zapcore.InfoLevel, lines[0].Level)

	require.NoError(t, f.mem.MemWrite(scratch, []byte("ld\n")))
	assert.Equal(t, int64(3), f.rt.Write(f.re, 1, scratch, 3))
	lines = f.guestLines()
	require.Len(t, lines, 2)
	assert.Equal(t, "world", lines[1].Message)
}

func TestWriteBadStream(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mem.MemWrite(scratch, []byte("x\n")))
	assert.Equal(t, int64(-1), f.rt.Write(f.re, 3, scratch, 2))
	assert.Equal(t, errno.EIO, f.errno(t))
	assert.Empty(t, f.rt.Stdio().Buffered(1))
	assert.Empty(t, f.guestLines())
}

func TestWriteUnreadableBuffer(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, int64(-1), f.rt.Write(f.re, 1, 0xdead0000, 4))
	assert.Equal(t, errno.EIO, f.errno(t))
}

// readSizeMemory remembers the largest read it served.
type readSizeMemory struct {
	heap.Memory
	reads   int
	largest uint64
}

func (m *readSizeMemory) MemRead(addr, size uint64) ([]byte, error) {
	m.reads++
	m.largest = max(m.largest, size)
	return m.Memory.MemRead(addr, size)
}

func newSizedFixture(t *testing.T) (*fixture, *readSizeMemory) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	lin := heap.NewLinear(memBase, memSize)
	mem := &readSizeMemory{Memory: lin}
	rt, err := New(mem, Options{HeapBase: heapBase, HeapSize: heapSize, ErrnoAddr: errnoCell}, glog.Wrap(zap.New(core)))
	require.NoError(t, err)
	return &fixture{rt: rt, mem: lin, logs: logs, re: reent.NewGuest(lin, reentAddr)}, mem
}

func TestWriteOversizedLength(t *testing.T) {
	f, mem := newSizedFixture(t)

	for _, n := range []uint64{math.MaxUint64, MaxWrite + 1} {
		require.NoError(t, f.re.SetErrno(0))
		assert.Equal(t, int64(-1), f.rt.Write(f.re, 1, scratch, n), "n=%d", n)
		assert.Equal(t, errno.EIO, f.errno(t), "n=%d", n)
	}
	assert.Zero(t, mem.reads)

	assert.Equal(t, int64(-1), f.rt.Write(f.re, 1, math.MaxUint64-3, 16))
	assert.Equal(t, errno.EIO, f.errno(t))
	assert.Empty(t, f.rt.stdio.Buffered(stdio.Stdout))
}

func TestWriteReadsInChunks(t *testing.T) {
	f, mem := newSizedFixture(t)

	const n = writeChunk + 100
	payload := bytes.Repeat([]byte("x"), n)
	payload[n-1] = '\n'
	require.NoError(t, f.mem.MemWrite(scratch, payload))

	assert.Equal(t, int64(n), f.rt.Write(f.re, 1, scratch, n))
	assert.Equal(t, 2, mem.reads)
	assert.Equal(t, uint64(writeChunk), mem.largest)

	lines := f.guestLines()
	require.Len(t, lines, 1)
	assert.Len(t, lines[0].Message, n-1)
}

func TestFileStubs(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, int64(-1), f.rt.Read(f.re, 0, scratch, 16))
	assert.Equal(t, errno.ENOENT, f.errno(t))

	assert.Equal(t, int64(-1), f.rt.Lseek(f.re, 1, 0, 2))
	assert.Equal(t, errno.ESPIPE, f.errno(t))

	assert.Equal(t, int32(-1), f.rt.Fstat(f.re, 1, scratch))
	assert.Equal(t, errno.EIO, f.errno(t))

	assert.Equal(t, int32(0), f.rt.Isatty(f.re, 1))
	assert.Equal(t, errno.ENOTTY, f.errno(t))

	require.NoError(t, f.mem.MemWrite(scratch, []byte("/tmp/data\x00")))
	assert.Equal(t, int32(-1), f.rt.Open(f.re, scratch, 0, 0))
	assert.Equal(t, errno.EINVAL, f.errno(t))

	require.NoError(t, f.re.SetErrno(0))
	assert.Equal(t, int32(0), f.rt.CloseFD(f.re, 5))
	assert.Equal(t, errno.Errno(0), f.errno(t))
}

func TestOpenTracesPath(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mem.MemWrite(scratch, []byte("/etc/hosts\x00junk")))
	f.rt.Open(f.re, scratch, 0, 0)

	opens := f.logs.Filter(func(e observer.LoggedEntry) bool {
		return e.Message == "syscall" && e.ContextMap()["fn"] == "open"
	}).All()
	require.Len(t, opens, 1)
	assert.Contains(t, opens[0].ContextMap()["detail"], `"/etc/hosts"`)
}

func TestCStringStopsAtMappingEnd(t *testing.T) {
	f := newFixture(t)

	end := uint64(memBase + memSize)
	require.NoError(t, f.mem.MemWrite(end-4, []byte("abc\x00")))
	s, err := f.rt.cstring(end-4, MaxPath)
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	require.NoError(t, f.mem.MemWrite(end-3, []byte("xyz")))
	s, err = f.rt.cstring(end-3, MaxPath)
	assert.Error(t, err)
	assert.Equal(t, "xyz", s)
}

func TestProcessStubs(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, int32(2), f.rt.Getpid(f.re))

	assert.Equal(t, int32(-1), f.rt.Kill(f.re, 2, 9))
	assert.Equal(t, errno.EPERM, f.errno(t))

	require.NoError(t, f.re.SetErrno(0))
	assert.Equal(t, int32(0), f.rt.CxaAtexit(f.re, 0x1234, 0, 0))
	assert.Equal(t, errno.Errno(0), f.errno(t))

	f.rt.Exit(1)
	assert.Len(t, f.logs.FilterMessage("guest exit requested").All(), 1)
}

func TestContextFallsBackToRuntimeCell(t *testing.T) {
	f := newFixture(t)

	f.rt.Kill(f.rt.Context(0), 2, 9)

	cell := reent.NewGuest(f.mem, f.rt.ErrnoAddr())
	code, err := cell.Errno()
	require.NoError(t, err)
	assert.Equal(t, errno.EPERM, code)
	assert.Equal(t, errno.Errno(0), f.errno(t))
}

func TestHostSideErrnoCell(t *testing.T) {
	mem := heap.NewLinear(memBase, memSize)
	rt, err := New(mem, Options{HeapBase: heapBase, HeapSize: heapSize}, nil)
	require.NoError(t, err)

	assert.Zero(t, rt.ErrnoAddr())
	rt.Lseek(rt.Errno(), 0, 0, 0)

	rec, ok := rt.Errno().(*reent.Record)
	require.True(t, ok)
	assert.Equal(t, errno.ESPIPE, rec.Errno)
}

func TestUndeliverableErrnoIsLogged(t *testing.T) {
	f := newFixture(t)

	bad := reent.NewGuest(f.mem, 0xdead0000)
	assert.Equal(t, int32(-1), f.rt.Kill(bad, 2, 9))
	assert.Len(t, f.logs.FilterMessage("errno not delivered").All(), 1)
}

func TestCloseFlushesAndReportsLeaks(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mem.MemWrite(scratch, []byte("partial")))
	f.rt.Write(f.re, 2, scratch, 7)
	p := f.rt.Malloc(f.re, 24)
	q := f.rt.Malloc(f.re, 8)
	f.rt.Free(f.re, q)

	require.NoError(t, f.rt.Close())

	lines := f.guestLines()
	require.Len(t, lines, 1)
	assert.Equal(t, "partial", lines[0].Message)
	assert.Equal(t, zapcore.WarnLevel, lines[0].Level)

	leaks := f.logs.FilterMessage("leaked allocation").All()
	require.Len(t, leaks, 1)
	assert.Equal(t, glog.Hex(p), leaks[0].ContextMap()["addr"])
	assert.Equal(t, uint64(24), leaks[0].ContextMap()["size"])

	summary := f.logs.FilterMessage("heap not empty at close").All()
	require.Len(t, summary, 1)

	require.NoError(t, f.rt.Close())
	assert.Len(t, f.logs.FilterMessage("leaked allocation").All(), 1)
}
