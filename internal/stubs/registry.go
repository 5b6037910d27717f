// Package stubs provides a registry for self-registering hook implementations.
// Each stub package uses init() to register its hooks; Install binds them to
// the symbols of a loaded guest and to the guest's shim runtime.
package stubs

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/newlibshim/internal/emulator"
	glog "github.com/zboralski/newlibshim/internal/log"
	"github.com/zboralski/newlibshim/internal/shim"
)

// HookFunc is the signature for stub hook functions.
// Returns true to stop emulation, false to continue.
type HookFunc func(emu *emulator.Emulator, rt *shim.Runtime) bool

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // Symbol name (e.g., "_malloc_r")
	Aliases  []string // Alternative symbol names
	Hook     HookFunc
	Category string // For logging: "heap", "stdio", "process"

	// ImportOnly binds the stub to PLT imports only. Set on non-reentrant
	// entry points: inside a static newlib they are wrappers that already
	// reach the hooked reentrant call with the right struct _reent.
	ImportOnly bool
}

// Registry holds all registered stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // symbol name -> stub definition
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{
		stubs: make(map[string]*StubDef),
	}
}

// Register adds a stub definition to the registry.
// Called from init() functions in stub packages.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}

	if Debug && glog.L != nil {
		glog.L.Debug("registered",
			zap.String("cat", def.Category),
			zap.String("fn", def.Name),
			zap.Strings("aliases", def.Aliases),
		)
	}
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	r.Register(StubDef{
		Name:     name,
		Aliases:  aliases,
		Hook:     hook,
		Category: category,
	})
}

// Lookup returns the stub registered under name.
func (r *Registry) Lookup(name string) (*StubDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stubs[name]
	return def, ok
}

// Install hooks all registered stubs at their addresses in the guest and
// binds them to rt. When InstallFallbacks is true, imports without a stub
// get one that returns 0.
//
// Parameters:
//   - imports: PLT stub addresses for external symbols (fallbacks applied here)
//   - symbols: additional symbol maps, e.g. internal functions of a static binary
func (r *Registry) Install(emu *emulator.Emulator, rt *shim.Runtime, imports map[string]uint64, symbols ...map[string]uint64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := rt.Logger()
	installed := 0
	seen := make(map[uint64]bool) // Avoid double-hooking same address

	installStub := func(name string, def *StubDef, addr uint64, source string) {
		if seen[addr] {
			return
		}
		seen[addr] = true

		stub := def
		emu.HookAddress(addr, func(e *emulator.Emulator) bool {
			return stub.Hook(e, rt)
		})
		installed++

		if Debug {
			log.StubInstall(def.Category, name, addr, source)
		}
	}

	for name, def := range r.stubs {
		if addr, ok := imports[name]; ok && addr != 0 {
			installStub(name, def, addr, "import")
		}
	}

	for _, syms := range symbols {
		for name, def := range r.stubs {
			if def.ImportOnly {
				continue
			}
			if addr, ok := syms[name]; ok && addr != 0 {
				installStub(name, def, addr, "internal")
			}
		}
	}

	if InstallFallbacks {
		for name, addr := range imports {
			if addr == 0 || seen[addr] {
				continue
			}
			seen[addr] = true

			symName := name
			emu.HookAddress(addr, func(e *emulator.Emulator) bool {
				log.StubFallback(symName)
				log.Trace(e.LR(), "fallback", symName, "-> 0")
				e.SetX(0, 0)
				ReturnFromStub(e)
				return false
			})
			installed++

			if Debug {
				log.Debug("installed fallback", glog.Fn(name), glog.Addr(addr))
			}
		}
	}

	return installed
}

// Count returns the number of registered stubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns the primary name of every registered stub, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stubs))
	seen := make(map[string]bool)
	for _, def := range r.stubs {
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}

// Debug enables verbose logging during installation.
var Debug = false

// InstallFallbacks enables fallback stubs for unstubbed imports.
// When true, all unknown imports get a stub that returns 0.
var InstallFallbacks = true

// Convenience functions for the default registry

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, hook, aliases...)
}

// Install hooks all stubs in the default registry.
func Install(emu *emulator.Emulator, rt *shim.Runtime, imports map[string]uint64, symbols ...map[string]uint64) int {
	return DefaultRegistry.Install(emu, rt, imports, symbols...)
}

// Helper functions for stubs

// ReturnFromStub sets PC to LR to return from the current function.
func ReturnFromStub(emu *emulator.Emulator) {
	emu.SetPC(emu.LR())
}

// Return sets X0 to v and returns from the current function.
func Return(emu *emulator.Emulator, v uint64) bool {
	emu.SetX(0, v)
	ReturnFromStub(emu)
	return false
}

// ReturnInt returns a C int or ssize_t, sign-extended into X0.
func ReturnInt(emu *emulator.Emulator, v int64) bool {
	return Return(emu, uint64(v))
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}
