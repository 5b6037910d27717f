// Package config loads newlibshim settings from a YAML file.
//
// A file only needs the keys it overrides; everything else keeps the value
// from Default. Command-line flags are applied on top by cmd/newlibshim.
package config

import (
	"bytes"
	"io"
	"math/bits"
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/zboralski/newlibshim/internal/emulator"
	"github.com/zboralski/newlibshim/internal/heap"
)

// Config holds every tunable of a guest run.
type Config struct {
	Heap Heap `yaml:"heap"`
	Log  Log  `yaml:"log"`
	Run  Run  `yaml:"run"`
}

// Heap configures the allocator arena.
type Heap struct {
	Size       uint64 `yaml:"size"`
	HeaderSize uint64 `yaml:"header_size"`
}

// Log configures the zap logger.
type Log struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
}

// Run configures guest execution.
type Run struct {
	Entry   string `yaml:"entry"`    // symbol to start at; empty picks main
	MaxInsn uint64 `yaml:"max_insn"` // 0 runs until the guest returns or exits
	HeapMap bool   `yaml:"heap_map"` // dump the arena as JSON after the run
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Heap: Heap{
			Size:       emulator.DefaultHeapSize,
			HeaderSize: heap.DefaultHeaderSize,
		},
		Run: Run{
			MaxInsn: 10_000_000,
		},
	}
}

// Load reads path and overlays it on Default. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg and validates the result. Unknown keys are
// rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "decode")
	}
	return cfg.Validate()
}

// Validate checks the heap geometry and log level.
func (c Config) Validate() error {
	hs := c.Heap.HeaderSize
	if hs < 8 || bits.OnesCount64(hs) != 1 {
		return errors.Wrapf(ErrInvalid, "heap.header_size %d: want a power of two >= 8", hs)
	}
	if c.Heap.Size == 0 {
		return errors.Wrap(ErrInvalid, "heap.size must be non-zero")
	}
	if c.Heap.Size > emulator.MaxHeapSize {
		return errors.Wrapf(ErrInvalid, "heap.size 0x%x exceeds 0x%x", c.Heap.Size, uint64(emulator.MaxHeapSize))
	}
	if c.Heap.Size <= hs {
		return errors.Wrapf(ErrInvalid, "heap.size 0x%x leaves no room past the header", c.Heap.Size)
	}
	if c.Log.Level != "" {
		if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
			return errors.Wrapf(ErrInvalid, "log.level %q", c.Log.Level)
		}
	}
	return nil
}
