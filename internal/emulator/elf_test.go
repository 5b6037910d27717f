package emulator

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"
)

// TestELFLoader loads the ARM64 newlib binary named by NEWLIBSHIM_TEST_ELF.
func TestELFLoader(t *testing.T) {
	testPath := os.Getenv("NEWLIBSHIM_TEST_ELF")
	if testPath == "" {
		t.Skip("NEWLIBSHIM_TEST_ELF not set, skipping ELF loader test")
	}

	emu, err := New(0)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	info, err := emu.LoadELF(testPath)
	if err != nil {
		t.Fatalf("Failed to load ELF: %v", err)
	}

	t.Logf("  Base address: 0x%x", info.BaseAddr)
	t.Logf("  Entry point:  0x%x", info.Entry)
	t.Logf("  Symbols:      %d", len(info.Symbols))
	t.Logf("  Static:       %v", info.Static)

	if len(info.Segments) == 0 {
		t.Error("No segments loaded")
	}
	for _, seg := range info.Segments {
		if len(seg.Data) == 0 {
			continue
		}
		got, err := emu.MemRead(seg.VAddr, uint64(min(len(seg.Data), 16)))
		if err != nil {
			t.Fatalf("read segment at 0x%x: %v", seg.VAddr, err)
		}
		for i := range got {
			if got[i] != seg.Data[i] {
				t.Fatalf("segment at 0x%x differs at +%d", seg.VAddr, i)
			}
		}
	}

	if info.Static && info.FindSymbol("_malloc_r") == 0 {
		t.Error("static newlib binary without _malloc_r")
	}
}

func TestLoadELFRejectsGarbage(t *testing.T) {
	emu, err := New(0)
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	path := filepath.Join(t.TempDir(), "not-elf")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := emu.LoadELF(path); err == nil {
		t.Error("expected error for non-ELF input")
	}
	if _, err := emu.LoadELF(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFindEntryPoint(t *testing.T) {
	info := &ELFInfo{
		Entry: 0x1000,
		Symbols: map[string]uint64{
			"main":       0x2000,
			"guest_init": 0x3000,
		},
	}

	if entry := info.FindEntryPoint(""); entry != 0x2000 {
		t.Errorf("Expected main (0x2000), got 0x%x", entry)
	}
	if entry := info.FindEntryPoint("guest_init"); entry != 0x3000 {
		t.Errorf("Expected guest_init (0x3000), got 0x%x", entry)
	}
	if entry := info.FindEntryPoint("GUEST_INIT"); entry != 0x3000 {
		t.Errorf("Expected guest_init (0x3000) case-insensitive, got 0x%x", entry)
	}
	if entry := info.FindEntryPoint("missing"); entry != 0x2000 {
		t.Errorf("Expected main (0x2000) for unknown symbol, got 0x%x", entry)
	}

	bare := &ELFInfo{Entry: 0x1000, Symbols: map[string]uint64{"helper": 0x4000}}
	if entry := bare.FindEntryPoint(""); entry != 0x1000 {
		t.Errorf("Expected ELF entry (0x1000) as fallback, got 0x%x", entry)
	}
}

func TestAddSymbolsStripsVersion(t *testing.T) {
	info := &ELFInfo{Symbols: make(map[string]uint64)}
	info.addSymbols([]elf.Symbol{
		{Name: "malloc@@GLIBC_2.17", Value: 0x100},
		{Name: "write@VERS_1", Value: 0x200},
		{Name: "undefined", Value: 0},
		{Name: "", Value: 0x300},
	}, 0x40000000)

	want := map[string]uint64{
		"malloc@@GLIBC_2.17": 0x40000100,
		"malloc":             0x40000100,
		"write@VERS_1":       0x40000200,
		"write":              0x40000200,
	}
	if len(info.Symbols) != len(want) {
		t.Fatalf("got %d symbols, want %d: %v", len(info.Symbols), len(want), info.Symbols)
	}
	for name, addr := range want {
		if info.Symbols[name] != addr {
			t.Errorf("%s = 0x%x, want 0x%x", name, info.Symbols[name], addr)
		}
	}
}
