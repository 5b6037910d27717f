package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zboralski/newlibshim/internal/config"
)

var (
	verbose    bool
	quiet      bool
	traceMode  bool
	maxInsn    uint64
	configPath string
	entryName  string
	heapMap    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "newlibshim <binary.elf>",
		Short: "Run bare-metal ARM64 newlib programs with a hosted syscall layer",
		Long: `newlibshim runs a statically linked ARM64 newlib program under Unicorn Engine.

The guest's newlib syscall layer is replaced by host stubs: malloc and friends
allocate from a header-tagged arena in the guest heap region, and stdout and
stderr writes become structured log records, one per line. Every other file
operation fails with a fixed errno written into the caller's struct _reent.

Examples:
  newlibshim hello.elf                  # Run, guest output as log records
  newlibshim hello.elf --trace -n 200   # Disassembly trace with syscalls inline
  newlibshim hello.elf --heap-map       # Dump the heap arena as JSON at exit
  newlibshim -c shim.yaml hello.elf     # Settings from a YAML file
  newlibshim info hello.elf             # Show hookable syscall symbols`,
		Args:                  cobra.MaximumNArgs(1),
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
		RunE:                  runGuest,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (warnings and stats only)")
	rootCmd.Flags().BoolVarP(&traceMode, "trace", "t", false, "print a disassembly trace")
	rootCmd.Flags().Uint64VarP(&maxInsn, "num", "n", config.Default().Run.MaxInsn, "max instructions to execute (0 = no limit)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.Flags().StringVarP(&entryName, "entry", "e", "", "entry symbol (default main)")
	rootCmd.Flags().BoolVar(&heapMap, "heap-map", false, "dump the heap arena as JSON after the run")

	infoCmd := &cobra.Command{
		Use:   "info <binary.elf>",
		Short: "Show binary information and the syscalls that will be hooked",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("verbose") {
		cfg.Log.Debug = verbose
	}
	if quiet {
		cfg.Log.Level = "warn"
	}
	if flags.Changed("num") {
		cfg.Run.MaxInsn = maxInsn
	}
	if flags.Changed("entry") {
		cfg.Run.Entry = entryName
	}
	if flags.Changed("heap-map") {
		cfg.Run.HeapMap = heapMap
	}
	return cfg, cfg.Validate()
}
