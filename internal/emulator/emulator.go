// Package emulator runs ARM64 guest code on the Unicorn engine.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB for code
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x90000000
	TLSBase   = 0xDEAC0000 // Thread Local Storage
	TLSSize   = 0x00010000
	ReentBase = 0xDEAD0000 // host-owned struct _reent and errno cell
	ReentSize = 0x00010000
	StubBase  = 0xF0000000 // Stub functions mapped here
	StubSize  = 0x00100000
)

// DefaultHeapSize is the heap region mapped when none is configured.
const DefaultHeapSize = 0x01000000 // 16MB

// MaxHeapSize keeps the heap below the TLS region.
const MaxHeapSize = TLSBase - HeapBase

// ErrnoAddr is the errno cell used by non-reentrant entry points. It is
// also _errno of the host-owned struct _reent at ReentBase.
const ErrnoAddr = ReentBase

const pageSize = 0x1000

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// Emulator wraps Unicorn for ARM64 emulation
type Emulator struct {
	mu uc.Unicorn

	heapSize uint64

	// Hooks
	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	stopped bool
}

// New creates an ARM64 emulator with a heap region of heapSize bytes,
// rounded up to a page. 0 selects DefaultHeapSize.
func New(heapSize uint64) (*Emulator, error) {
	if heapSize == 0 {
		heapSize = DefaultHeapSize
	}
	heapSize = (heapSize + pageSize - 1) &^ (pageSize - 1)
	if heapSize > MaxHeapSize {
		return nil, fmt.Errorf("heap size 0x%x exceeds 0x%x", heapSize, uint64(MaxHeapSize))
	}

	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapSize:  heapSize,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{HeapBase, e.heapSize, "heap"},
		{TLSBase, TLSSize, "tls"},
		{ReentBase, ReentSize, "reent"},
		{StubBase, StubSize, "stubs"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.ARM64_REG_SP, sp); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// TPIDR_EL0 is the thread pointer register on ARM64
	if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}

	// Stack canary at TLS+0x28. Fixed so runs are reproducible.
	canary := make([]byte, 8)
	binary.LittleEndian.PutUint64(canary, 0xDEADBEEFDEADBEEF)
	if err := e.mu.MemWrite(TLSBase+0x28, canary); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}
	return nil
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)

	return err
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// HeapSize returns the size of the mapped heap region.
func (e *Emulator) HeapSize() uint64 { return e.heapSize }

// LoadCode writes code at the code base
func (e *Emulator) LoadCode(code []byte) error {
	return e.mu.MemWrite(CodeBase, code)
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemReadString reads a null-terminated string from memory
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	data, err := e.mu.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// MemWriteString writes a null-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM64_REG_X0 + n)
	return val
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(uc.ARM64_REG_X0+n, val)
}

// W reads the low 32 bits of Xn as a signed C int.
func (e *Emulator) W(n int) int32 {
	return int32(uint32(e.X(n)))
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// HasAddressHook reports whether addr is hooked.
func (e *Emulator) HasAddressHook(addr uint64) bool {
	e.addrHooksMu.RLock()
	defer e.addrHooksMu.RUnlock()
	_, ok := e.addrHooks[addr]
	return ok
}

// Run emulates from start until end is reached
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// RunLimited emulates from start until end, a stop, or maxInsn
// instructions. maxInsn of 0 means no limit.
func (e *Emulator) RunLimited(start, end, maxInsn uint64) error {
	e.stopped = false
	return e.mu.StartWithOptions(start, end, &uc.UcOptions{Count: maxInsn})
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// Stopped reports whether a hook asked emulation to stop.
func (e *Emulator) Stopped() bool { return e.stopped }
