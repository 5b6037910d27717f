package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zboralski/newlibshim/internal/emulator"
	"github.com/zboralski/newlibshim/internal/stubs"
)

// hookable is one registered stub found in the binary.
type hookable struct {
	Name   string
	Addr   uint64
	Source string // "import" or "internal"
	Cat    string
}

// findHookable lists the registered stubs that Install would bind for info,
// sorted by name.
func findHookable(reg *stubs.Registry, info *emulator.ELFInfo) []hookable {
	var out []hookable
	for _, name := range reg.List() {
		def, _ := reg.Lookup(name)
		names := append([]string{def.Name}, def.Aliases...)
		for _, n := range names {
			if addr := info.Imports[n]; addr != 0 {
				out = append(out, hookable{n, addr, "import", def.Category})
			} else if addr := info.Symbols[n]; addr != 0 && !def.ImportOnly {
				out = append(out, hookable{n, addr, "internal", def.Category})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func showInfo(cmd *cobra.Command, args []string) error {
	binaryPath := args[0]

	absPath, err := filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("file not found: %s", absPath)
	}

	emu, err := emulator.New(0)
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	elfInfo, err := emu.LoadELF(absPath)
	if err != nil {
		return fmt.Errorf("load binary: %w", err)
	}

	printInfo(os.Stdout, filepath.Base(absPath), elfInfo, findHookable(stubs.DefaultRegistry, elfInfo), stubs.DefaultRegistry.List())
	return nil
}

func printInfo(w io.Writer, name string, info *emulator.ELFInfo, hooks []hookable, registered []string) {
	link := "dynamic"
	if info.Static {
		link = "static"
	}
	fmt.Fprintf(w, "Binary:  %s (%s)\n", name, link)
	fmt.Fprintf(w, "Base:    0x%x\n", info.BaseAddr)
	fmt.Fprintf(w, "End:     0x%x\n", info.EndAddr)
	fmt.Fprintf(w, "Entry:   0x%x\n", info.Entry)
	fmt.Fprintf(w, "Symbols: %d\n", len(info.Symbols))
	fmt.Fprintf(w, "Imports: %d\n\n", len(info.Imports))

	if addr := info.FindSymbol("main"); addr != 0 {
		fmt.Fprintf(w, "main:    0x%x\n\n", addr)
	}

	if len(hooks) == 0 {
		fmt.Fprintln(w, "No newlib syscall symbols found.")
	} else {
		fmt.Fprintln(w, "Hooked syscalls:")
		for _, h := range hooks {
			fmt.Fprintf(w, "  0x%08x %-8s %-8s %s\n", h.Addr, h.Cat, h.Source, h.Name)
		}
	}

	fmt.Fprintf(w, "\nRegistered stubs: %d\n", len(registered))
}
