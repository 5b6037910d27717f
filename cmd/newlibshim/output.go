package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/newlibshim/internal/heap"
	"github.com/zboralski/newlibshim/internal/trace"
	"github.com/zboralski/newlibshim/internal/ui/colorize"
)

// outputWriter batches trace lines onto stdout from a single goroutine.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter(w io.Writer) *outputWriter {
	ow := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(w, 64*1024),
	}
	go ow.run()
	return ow
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

// Write queues a line. Trace lines are never allowed to block the guest.
func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return inst.String()
}

func mnemonic(dis string) string {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func instructionTags(dis string) []string {
	switch mnemonic(dis) {
	case "BL":
		return []string{"#call"}
	case "BLR":
		return []string{"#call", "#br"}
	case "BR":
		return []string{"#br"}
	case "RET":
		return []string{"#ret"}
	case "SVC":
		return []string{"#svc"}
	}
	return nil
}

func isBlockEnd(dis string) bool {
	m := mnemonic(dis)
	switch m {
	case "RET", "BR", "B", "ERET":
		return true
	}
	return strings.HasPrefix(m, "B.") ||
		strings.HasPrefix(m, "CBZ") || strings.HasPrefix(m, "CBNZ") ||
		strings.HasPrefix(m, "TBZ") || strings.HasPrefix(m, "TBNZ")
}

// formatLine renders one traced instruction. Syscall events recorded since
// the previous instruction are appended as a comment.
func formatLine(addr uint64, code []byte, dis string, funcName string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visibleLen := 0

	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visibleLen += 8 + 2

	if len(code) >= 4 {
		hexBytes := fmt.Sprintf("%02X%02X%02X%02X", code[3], code[2], code[1], code[0])
		b.WriteString(colorize.Detail(hexBytes))
		b.WriteString("  ")
		visibleLen += 8 + 2
	}

	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 50
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}

	tags := instructionTags(dis)
	var calls []string
	for _, e := range events {
		tags = append(tags, e.Tags.Strings()...)
		call := e.Name
		if e.Detail != "" {
			call += " " + e.Detail
		}
		calls = append(calls, call)
	}

	if len(tags) > 0 {
		b.WriteString(colorize.Tag("; " + strings.Join(tags, " ")))
		b.WriteString("  ")
	}
	if len(calls) > 0 {
		b.WriteString(colorize.Detail(strings.Join(calls, ", ")))
		b.WriteString("  ")
	}
	if funcName != "" {
		b.WriteString(colorize.FuncName(funcName))
	}

	return strings.TrimRight(b.String(), " ")
}

func printHeader(w *outputWriter, binary string, base, entry uint64, numSymbols, numHooks int, entryName string, static bool) {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, binary); err == nil && !strings.HasPrefix(rel, "..") {
			binary = rel
		}
	}
	link := "dynamic"
	if static {
		link = "static"
	}

	w.Write("")
	w.Write(fmt.Sprintf("%s newlibshim ─ ARM64 newlib guest runner", colorize.Header("▶")))
	w.Write(fmt.Sprintf("  %s %s (%s)", colorize.Detail("Loading:"), binary, link))
	w.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Base:"), colorize.Address(base),
		colorize.Detail("Entry:"), colorize.Address(entry)))
	w.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Symbols:"), colorize.FuncName(fmt.Sprintf("%d", numSymbols)),
		colorize.Detail("Hooks:"), colorize.FuncName(fmt.Sprintf("%d", numHooks))))
	if entryName != "" {
		w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Entry point:"), colorize.FuncName(entryName)))
	}
	w.Write("")
}

// runStats is what printStats reports after the guest stops.
type runStats struct {
	Insn     uint64
	Limit    uint64
	Recorder *trace.Recorder
	Heap     heap.Stats
	Err      error
}

func (s runStats) limitHit() bool {
	return s.Limit > 0 && s.Insn >= s.Limit
}

func printStats(w io.Writer, s runStats) {
	fmt.Fprintln(w)
	fmt.Fprint(w, colorize.Border("───────────────────────────────────────── "))
	fmt.Fprintf(w, "%s insn  %s syscalls",
		colorize.FuncName(fmt.Sprintf("%d", s.Insn)),
		colorize.FuncName(fmt.Sprintf("%d", len(s.Recorder.Events()))))
	if n := s.Recorder.Count(trace.Failed); n > 0 {
		fmt.Fprintf(w, "  %s failed", colorize.Error(fmt.Sprintf("%d", n)))
	}

	fmt.Fprintf(w, "  heap %s used %s free",
		colorize.Used(fmt.Sprintf("%d", s.Heap.UsedBytes)),
		colorize.Free(fmt.Sprintf("%d", s.Heap.FreeBytes)))
	if s.Heap.Allocations > 0 {
		fmt.Fprintf(w, "  %s live", colorize.Used(fmt.Sprintf("%d", s.Heap.Allocations)))
	}

	switch {
	case s.Err != nil:
		fmt.Fprintf(w, "  %s", colorize.Error(s.Err.Error()))
	case s.Recorder.Count(trace.Exit) > 0:
		fmt.Fprintf(w, "  %s", colorize.Detail("exit"))
	case s.limitHit():
		fmt.Fprintf(w, "  %s", colorize.Detail("insn limit reached"))
	}
	fmt.Fprintln(w)
}
