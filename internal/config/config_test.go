package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zboralski/newlibshim/internal/emulator"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(emulator.DefaultHeapSize), cfg.Heap.Size)
	assert.Equal(t, uint64(8), cfg.Heap.HeaderSize)
	assert.Empty(t, cfg.Run.Entry)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
heap:
  header_size: 16
log:
  level: warn
run:
  entry: guest_main
  heap_map: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), cfg.Heap.HeaderSize)
	assert.Equal(t, uint64(emulator.DefaultHeapSize), cfg.Heap.Size)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.Log.Debug)
	assert.Equal(t, "guest_main", cfg.Run.Entry)
	assert.True(t, cfg.Run.HeapMap)
	assert.Equal(t, Default().Run.MaxInsn, cfg.Run.MaxInsn)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse(nil, &cfg))
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	err := Parse([]byte("heap:\n  sise: 4096\n"), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sise")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{"header too small", func(c *Config) { c.Heap.HeaderSize = 4 }},
		{"header not power of two", func(c *Config) { c.Heap.HeaderSize = 12 }},
		{"zero heap", func(c *Config) { c.Heap.Size = 0 }},
		{"heap too large", func(c *Config) { c.Heap.Size = emulator.MaxHeapSize + 1 }},
		{"heap smaller than header", func(c *Config) { c.Heap.Size = 8 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.edit(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
