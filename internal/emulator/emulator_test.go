package emulator

import (
	"testing"
)

// ARM64 test code: MOV X0, #5; MOV X1, #3; ADD X2, X0, X1; RET
var addTestCode = []byte{
	0xa0, 0x00, 0x80, 0xd2, // MOV X0, #5
	0x61, 0x00, 0x80, 0xd2, // MOV X1, #3
	0x02, 0x00, 0x01, 0x8b, // ADD X2, X0, X1
	0xc0, 0x03, 0x5f, 0xd6, // RET
}

func newTestEmulator(t *testing.T) *Emulator {
	t.Helper()
	emu, err := New(0)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return emu
}

func TestEmulatorBasic(t *testing.T) {
	emu := newTestEmulator(t)

	if err := emu.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}
	if err := emu.SetLR(0xDEADBEEF); err != nil {
		t.Fatalf("Failed to set LR: %v", err)
	}

	endAddr := CodeBase + uint64(len(addTestCode))
	if err := emu.Run(CodeBase, endAddr); err != nil {
		// RET jumps to the unmapped sentinel.
		t.Logf("Expected stop error: %v", err)
	}

	if x2 := emu.X(2); x2 != 8 {
		t.Errorf("Expected X2=8, got X2=%d", x2)
	}
	if emu.X(0) != 5 || emu.X(1) != 3 {
		t.Errorf("Expected X0=5 X1=3, got X0=%d X1=%d", emu.X(0), emu.X(1))
	}
}

func TestHeapSize(t *testing.T) {
	emu := newTestEmulator(t)
	if emu.HeapSize() != DefaultHeapSize {
		t.Errorf("default heap size 0x%x", emu.HeapSize())
	}

	small, err := New(100)
	if err != nil {
		t.Fatalf("New(100): %v", err)
	}
	defer small.Close()
	if small.HeapSize() != 0x1000 {
		t.Errorf("heap size not rounded to a page: 0x%x", small.HeapSize())
	}
	if _, err := small.MemRead(HeapBase+0x1000, 1); err == nil {
		t.Error("read past the heap region should fail")
	}

	if _, err := New(MaxHeapSize + 1); err == nil {
		t.Error("expected error for heap overlapping TLS")
	}
}

func TestMemoryOperations(t *testing.T) {
	emu := newTestEmulator(t)

	addr := uint64(HeapBase)
	val := uint64(0x123456789ABCDEF0)
	if err := emu.MemWriteU64(addr, val); err != nil {
		t.Fatalf("Failed to write U64: %v", err)
	}
	readVal, err := emu.MemReadU64(addr)
	if err != nil {
		t.Fatalf("Failed to read U64: %v", err)
	}
	if readVal != val {
		t.Errorf("U64 mismatch: wrote 0x%x, read 0x%x", val, readVal)
	}

	lo, err := emu.MemReadU32(addr)
	if err != nil {
		t.Fatalf("Failed to read U32: %v", err)
	}
	if lo != 0x9ABCDEF0 {
		t.Errorf("U32 mismatch: 0x%x", lo)
	}

	strAddr := uint64(HeapBase + 0x100)
	testStr := "hello, newlib"
	if err := emu.MemWriteString(strAddr, testStr); err != nil {
		t.Fatalf("Failed to write string: %v", err)
	}
	readStr, err := emu.MemReadString(strAddr, 64)
	if err != nil {
		t.Fatalf("Failed to read string: %v", err)
	}
	if readStr != testStr {
		t.Errorf("String mismatch: wrote %q, read %q", testStr, readStr)
	}
}

func TestReentRegionMapped(t *testing.T) {
	emu := newTestEmulator(t)

	if err := emu.MemWrite(ErrnoAddr, []byte{22, 0, 0, 0}); err != nil {
		t.Fatalf("errno cell not writable: %v", err)
	}
	v, err := emu.MemReadU32(ErrnoAddr)
	if err != nil || v != 22 {
		t.Errorf("errno cell = %d, %v", v, err)
	}

	canary, err := emu.MemReadU64(TLSBase + 0x28)
	if err != nil || canary != 0xDEADBEEFDEADBEEF {
		t.Errorf("canary = 0x%x, %v", canary, err)
	}
}

func TestRegisterHelpers(t *testing.T) {
	emu := newTestEmulator(t)

	if err := emu.SetX(3, 0xFFFFFFFF_FFFFFFFE); err != nil {
		t.Fatal(err)
	}
	if emu.W(3) != -2 {
		t.Errorf("W3 = %d, want -2", emu.W(3))
	}
	if err := emu.SetX(31, 1); err == nil {
		t.Error("X31 is not a general-purpose register")
	}
	if emu.X(-1) != 0 {
		t.Error("X(-1) should read as 0")
	}
}

func TestAddressHookReturnsToLR(t *testing.T) {
	emu := newTestEmulator(t)

	if err := emu.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	// Hook the ADD and return to the RET instead, like a stub does.
	addAddr := uint64(CodeBase + 8)
	retAddr := uint64(CodeBase + 12)
	hookCalled := false
	emu.HookAddress(addAddr, func(e *Emulator) bool {
		hookCalled = true
		e.SetX(2, 99)
		e.SetPC(e.LR())
		return false
	})
	if !emu.HasAddressHook(addAddr) {
		t.Fatal("hook not registered")
	}

	emu.SetLR(retAddr)
	_ = emu.Run(CodeBase, retAddr)

	if !hookCalled {
		t.Fatal("Address hook was not called")
	}
	if emu.X(2) != 99 {
		t.Errorf("Expected X2=99 from the hook, got %d", emu.X(2))
	}

	emu.RemoveAddressHook(addAddr)
	if emu.HasAddressHook(addAddr) {
		t.Error("hook still registered after removal")
	}
}

func TestAddressHookStops(t *testing.T) {
	emu := newTestEmulator(t)

	if err := emu.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}
	emu.HookAddress(CodeBase+4, func(e *Emulator) bool { return true })
	emu.SetLR(0xDEADBEEF)

	_ = emu.Run(CodeBase, CodeBase+uint64(len(addTestCode)))

	if !emu.Stopped() {
		t.Error("expected emulator to report stopped")
	}
}

func TestCodeHook(t *testing.T) {
	emu := newTestEmulator(t)

	if err := emu.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	instrCount := 0
	emu.HookCode(func(e *Emulator, addr uint64, size uint32) {
		instrCount++
	})
	emu.SetLR(0xDEADBEEF)

	_ = emu.Run(CodeBase, CodeBase+uint64(len(addTestCode)))

	if instrCount != 4 {
		t.Errorf("Expected 4 instructions, got %d", instrCount)
	}
}

func TestRunLimited(t *testing.T) {
	emu := newTestEmulator(t)

	if err := emu.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}
	emu.SetLR(0xDEADBEEF)

	if err := emu.RunLimited(CodeBase, CodeBase+uint64(len(addTestCode)), 2); err != nil {
		t.Fatalf("RunLimited: %v", err)
	}
	if emu.X(1) != 3 {
		t.Errorf("second instruction did not run: X1=%d", emu.X(1))
	}
	if emu.X(2) != 0 {
		t.Errorf("ADD ran past the instruction limit: X2=%d", emu.X(2))
	}
}
