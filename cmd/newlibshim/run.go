package main

import (
	"fmt"
	"os"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/newlibshim/internal/emulator"
	glog "github.com/zboralski/newlibshim/internal/log"
	"github.com/zboralski/newlibshim/internal/shim"
	"github.com/zboralski/newlibshim/internal/stubs"
	_ "github.com/zboralski/newlibshim/internal/stubs/all"
	"github.com/zboralski/newlibshim/internal/trace"
)

// returnAddr is where the entry function returns to; reaching it ends the run.
const returnAddr = emulator.StubBase + emulator.StubSize - 0x10

func runGuest(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	binaryPath := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	glog.Init(cfg.Log.Debug, cfg.Log.Level)
	defer glog.L.Sync()
	stubs.Debug = cfg.Log.Debug

	emu, err := emulator.New(cfg.Heap.Size)
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	info, err := emu.LoadELF(binaryPath)
	if err != nil {
		return fmt.Errorf("load ELF: %w", err)
	}

	rt, err := shim.New(emu, shim.Options{
		HeapBase:   emulator.HeapBase,
		HeapSize:   emu.HeapSize(),
		HeaderSize: cfg.Heap.HeaderSize,
		ErrnoAddr:  emulator.ErrnoAddr,
	}, glog.L)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close()

	installed := stubs.Install(emu, rt, info.Imports, info.Symbols)
	if installed == 0 {
		rt.Logger().Warn("no syscall symbols hooked", zap.String("binary", binaryPath))
	}

	entry := info.FindEntryPoint(cfg.Run.Entry)
	entrySym := symbolAt(info.Symbols, entry)
	if cfg.Run.Entry != "" && info.FindSymbol(cfg.Run.Entry) == 0 {
		rt.Logger().Warn("entry symbol not found", glog.Fn(cfg.Run.Entry), zap.String("using", entrySym))
	}

	recorder := trace.NewRecorder()
	rt.Logger().SetOnTrace(recorder.Record)

	// main(0, NULL)
	emu.SetX(0, 0)
	emu.SetX(1, 0)
	emu.SetLR(returnAddr)

	var out *outputWriter
	if traceMode && !quiet {
		out = newOutputWriter(os.Stdout)
		printHeader(out, binaryPath, info.BaseAddr, entry, len(info.Symbols), installed, entrySym, info.Static)
	}

	addrToSym := make(map[uint64]string, len(info.Symbols))
	for name, addr := range info.Symbols {
		if existing, ok := addrToSym[addr]; !ok || len(name) < len(existing) {
			addrToSym[addr] = name
		}
	}

	var count uint64
	shown := 0
	emu.HookCode(func(e *emulator.Emulator, addr uint64, size uint32) {
		count++
		if out == nil {
			return
		}
		events := recorder.Events()[shown:]
		shown += len(events)

		code, _ := e.MemRead(addr, 4)
		dis := disasm(code)
		out.Write(formatLine(addr, code, dis, addrToSym[addr], events))
		if isBlockEnd(dis) {
			out.Write("")
		}
	})

	rt.Logger().Debug("starting guest",
		zap.String("binary", binaryPath),
		glog.Addr(entry),
		glog.Fn(entrySym),
		zap.Int("hooks", installed),
		zap.Uint64("max_insn", cfg.Run.MaxInsn),
	)
	runErr := emu.RunLimited(entry, returnAddr, cfg.Run.MaxInsn)
	if out != nil {
		out.Close()
	}
	if runErr != nil {
		rt.Logger().Error("guest faulted",
			zap.Error(runErr),
			glog.Ptr("pc", emu.PC()),
			glog.Ptr("lr", emu.LR()),
			glog.Ptr("sp", emu.SP()),
		)
	}

	rt.Close()

	if cfg.Run.HeapMap {
		w := jwriter.NewWriter()
		rt.Heap().Arena().WriteMap(&w)
		if err := w.Error(); err != nil {
			return fmt.Errorf("heap map: %w", err)
		}
		os.Stdout.Write(w.Bytes())
		fmt.Println()
	}

	if !quiet || runErr != nil {
		printStats(os.Stderr, runStats{
			Insn:     count,
			Limit:    cfg.Run.MaxInsn,
			Recorder: recorder,
			Heap:     rt.Heap().Arena().Stats(),
			Err:      runErr,
		})
	}

	if runErr != nil {
		return fmt.Errorf("emulation: %w", runErr)
	}
	return nil
}

// symbolAt returns the shortest symbol name at addr, or "unknown".
func symbolAt(symbols map[string]uint64, addr uint64) string {
	best := ""
	for name, a := range symbols {
		if a == addr && (best == "" || len(name) < len(best) || (len(name) == len(best) && name < best)) {
			best = name
		}
	}
	if best == "" {
		return "unknown"
	}
	return best
}
