package emulator

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// ARM64 relocation types
const (
	R_AARCH64_ABS64     = 257  // Absolute 64-bit symbol reference
	R_AARCH64_GLOB_DAT  = 1025 // GOT entry for global data symbol
	R_AARCH64_JUMP_SLOT = 1026 // PLT GOT entry for function call
	R_AARCH64_RELATIVE  = 1027 // Position-independent data reference
)

// ELFInfo contains parsed ELF metadata
type ELFInfo struct {
	Path     string
	Machine  elf.Machine
	Entry    uint64
	Symbols  map[string]uint64 // symbol name -> virtual address (all symbols)
	Imports  map[string]uint64 // symbol name -> PLT stub address (external imports only)
	Segments []Segment
	BaseAddr uint64 // Load base address
	EndAddr  uint64 // End of loaded memory
	Static   bool   // no PT_INTERP: newlib is linked in
}

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr  uint64
	PAddr  uint64
	Offset uint64
	Size   uint64 // File size
	MemSz  uint64 // Memory size (may be larger due to .bss)
	Flags  elf.ProgFlag
	Data   []byte
}

// LoadELFBase is where position-independent images are relocated to.
const LoadELFBase = 0x40000000

// LoadELF loads an ELF file and maps it into the emulator.
// Position-independent shared libraries (base addr 0) are relocated to LoadELFBase.
func (e *Emulator) LoadELF(path string) (*ELFInfo, error) {
	return e.LoadELFAt(path, 0) // 0 means auto-select base
}

// LoadELFAt loads an ELF file at a specific base address. A loadBase of 0
// keeps the file's own addresses, except that position-independent images
// linked at 0 are moved to LoadELFBase.
func (e *Emulator) LoadELFAt(path string, loadBase uint64) (*ELFInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	// Verify ARM64
	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("expected ARM64 (EM_AARCH64), got %v", f.Machine)
	}

	// Find file base address (lowest PT_LOAD vaddr)
	fileBase := uint64(0xFFFFFFFFFFFFFFFF)
	fileEnd := uint64(0)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < fileBase {
			fileBase = prog.Vaddr
		}
		segEnd := prog.Vaddr + prog.Memsz
		if segEnd > fileEnd {
			fileEnd = segEnd
		}
	}

	if fileBase == 0xFFFFFFFFFFFFFFFF {
		return nil, fmt.Errorf("no PT_LOAD segments found")
	}

	// Determine relocation base
	// PIE/shared libraries have fileBase=0 or very low, need to relocate
	var relocOffset uint64
	if loadBase != 0 {
		// Explicit base requested
		relocOffset = loadBase - fileBase
	} else if fileBase < 0x10000 {
		// Position-independent, relocate to default base
		relocOffset = LoadELFBase - fileBase
	} else {
		// Use file's vaddr as-is
		relocOffset = 0
	}

	info := &ELFInfo{
		Path:     path,
		Machine:  f.Machine,
		Entry:    f.Entry + relocOffset,
		Symbols:  make(map[string]uint64),
		Imports:  make(map[string]uint64),
		BaseAddr: fileBase + relocOffset,
		EndAddr:  fileEnd + relocOffset,
		Static:   true,
	}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			info.Static = false
		}
	}

	if syms, err := f.DynamicSymbols(); err == nil {
		info.addSymbols(syms, relocOffset)
	}
	if syms, err := f.Symbols(); err == nil {
		info.addSymbols(syms, relocOffset)
	}

	// Read file data for segments
	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	// Load PT_LOAD segments
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		// Apply relocation
		loadVAddr := prog.Vaddr + relocOffset

		seg := Segment{
			VAddr:  loadVAddr,
			PAddr:  prog.Paddr + relocOffset,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		}

		// Extract segment data
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			seg.Data = fileData[prog.Off : prog.Off+prog.Filesz]
		}

		info.Segments = append(info.Segments, seg)

		alignedAddr := loadVAddr &^ (pageSize - 1)
		alignedEnd := (loadVAddr + prog.Memsz + pageSize - 1) &^ (pageSize - 1)
		alignedSize := alignedEnd - alignedAddr

		// Already mapped when the image sits inside the code region.
		_ = e.MapRegion(alignedAddr, alignedSize)

		// Write segment data
		if len(seg.Data) > 0 {
			if err := e.MemWrite(loadVAddr, seg.Data); err != nil {
				return nil, fmt.Errorf("write segment at 0x%x: %w", loadVAddr, err)
			}
		}

		// Zero out .bss portion (memory size > file size)
		if prog.Memsz > prog.Filesz {
			bssStart := loadVAddr + prog.Filesz
			bssSize := prog.Memsz - prog.Filesz
			zeros := make([]byte, bssSize)
			// Non-fatal if this fails
			_ = e.MemWrite(bssStart, zeros)
		}
	}

	// Build PLT stub address map FIRST (needed for relocation second pass)
	// PLT addresses go to Imports map (for stub installation) AND Symbols map (for lookups)
	addPLTSymbols(f, relocOffset, info.Symbols, info.Imports)

	// Apply relocations to fix GOT entries
	// First pass handles internal symbols, second pass resolves external symbols to PLT stubs
	if err := e.applyRelocations(f, relocOffset, info.Imports); err != nil {
		return nil, fmt.Errorf("apply relocations: %w", err)
	}

	return info, nil
}

// addSymbols records defined symbols under their full name and, for
// versioned names (malloc@@GLIBC...), under the bare name too.
func (info *ELFInfo) addSymbols(syms []elf.Symbol, relocOffset uint64) {
	for _, sym := range syms {
		if sym.Value == 0 || sym.Name == "" {
			continue
		}
		addr := sym.Value + relocOffset
		info.Symbols[sym.Name] = addr
		if bare := stripVersion(sym.Name); bare != sym.Name {
			info.Symbols[bare] = addr
		}
	}
}

func stripVersion(name string) string {
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}

// addPLTSymbols adds PLT stub addresses for external symbols.
// This allows stubs to hook external function calls via their PLT entry.
// Addresses are added to both symbols (for lookups) and imports (for stub installation).
func addPLTSymbols(f *elf.File, relocOffset uint64, symbols, imports map[string]uint64) {
	// Find .plt section
	pltSec := f.Section(".plt")
	if pltSec == nil {
		return
	}

	// Find .rela.plt section
	relaPlt := f.Section(".rela.plt")
	if relaPlt == nil {
		return
	}

	// Get dynamic symbols (note: Go skips STN_UNDEF at index 0)
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}

	// Read .rela.plt data
	relaData, err := relaPlt.Data()
	if err != nil {
		return
	}

	// ARM64 PLT structure:
	// - PLT header: 32 bytes
	// - Each PLT entry: 16 bytes
	pltBase := pltSec.Addr + relocOffset
	const pltHeaderSize = 32
	const pltEntrySize = 16

	// Each RELA entry is 24 bytes
	entryIdx := 0
	for i := 0; i+24 <= len(relaData); i += 24 {
		rInfo := binary.LittleEndian.Uint64(relaData[i+8:])
		symIdx := int(rInfo >> 32)

		// Adjust for Go skipping STN_UNDEF (symIdx is 1-based in ELF, but array is 0-based)
		arrayIdx := symIdx - 1
		if arrayIdx < 0 || arrayIdx >= len(dynSyms) {
			entryIdx++
			continue
		}

		sym := dynSyms[arrayIdx]
		if sym.Name == "" {
			entryIdx++
			continue
		}

		// Only add for external symbols (value == 0)
		if sym.Value == 0 {
			pltAddr := pltBase + pltHeaderSize + uint64(entryIdx)*pltEntrySize
			for _, name := range []string{sym.Name, stripVersion(sym.Name)} {
				symbols[name] = pltAddr
				imports[name] = pltAddr
			}
		}

		entryIdx++
	}
}

// applyRelocations fills GOT and data slots. External symbols resolve to
// their PLT stub so calls through function pointers reach the hooks too.
func (e *Emulator) applyRelocations(f *elf.File, relocOffset uint64, imports map[string]uint64) error {
	// DynamicSymbols skips STN_UNDEF, so relocation index i is dynSyms[i-1].
	dynSyms, _ := f.DynamicSymbols()
	symbol := func(idx int) (elf.Symbol, bool) {
		if idx < 1 || idx > len(dynSyms) {
			return elf.Symbol{}, false
		}
		return dynSyms[idx-1], true
	}

	const relaSize = 24 // r_offset, r_info, r_addend
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA || (sec.Name != ".rela.dyn" && sec.Name != ".rela.plt") {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}

		for i := 0; i+relaSize <= len(data); i += relaSize {
			target := binary.LittleEndian.Uint64(data[i:]) + relocOffset
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			addend := binary.LittleEndian.Uint64(data[i+16:])
			sym, hasSym := symbol(int(rInfo >> 32))

			var value uint64
			switch uint32(rInfo) {
			case R_AARCH64_RELATIVE:
				value = relocOffset + addend
			case R_AARCH64_GLOB_DAT, R_AARCH64_JUMP_SLOT:
				switch {
				case !hasSym:
					continue
				case sym.Value != 0:
					value = sym.Value + relocOffset
				case sym.Name == "__stack_chk_guard":
					value = TLSBase + 0x28
				default:
					continue
				}
			case R_AARCH64_ABS64:
				switch {
				case !hasSym:
					if int64(addend) <= 0 {
						continue
					}
					value = relocOffset + addend
				case sym.Value != 0:
					value = sym.Value + relocOffset + addend
				default:
					stub, ok := imports[stripVersion(sym.Name)]
					if !ok {
						continue
					}
					value = stub + addend
				}
			default:
				continue
			}
			_ = e.MemWriteU64(target, value)
		}
	}
	return nil
}

// FindSymbol looks up a symbol by name, returns 0 if not found
func (info *ELFInfo) FindSymbol(name string) uint64 {
	return info.Symbols[name]
}

// FindEntryPoint picks where to start the guest: the preferred symbol if
// given (exact, then case-insensitive), then main, then the ELF entry.
func (info *ELFInfo) FindEntryPoint(preferredEntry string) uint64 {
	if preferredEntry != "" {
		if addr := info.FindSymbol(preferredEntry); addr != 0 {
			return addr
		}
		for name, addr := range info.Symbols {
			if strings.EqualFold(name, preferredEntry) {
				return addr
			}
		}
	}
	if addr := info.FindSymbol("main"); addr != 0 {
		return addr
	}
	return info.Entry
}

// FindSymbolsMatching returns all symbols matching a predicate
func (info *ELFInfo) FindSymbolsMatching(predicate func(name string) bool) map[string]uint64 {
	result := make(map[string]uint64)
	for name, addr := range info.Symbols {
		if predicate(name) {
			result[name] = addr
		}
	}
	return result
}

// IsExecutable returns true if the segment is executable
func (s *Segment) IsExecutable() bool {
	return s.Flags&elf.PF_X != 0
}
