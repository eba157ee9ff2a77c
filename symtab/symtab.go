// Package symtab models a process-wide dynamic symbol space: modules
// register export tables in load order, and lookups walk that order the
// way the dynamic loader walks its link map. It exists so an
// interposing module can sit in front of the real engine and still
// reach the engine's own entry points (the RTLD_NEXT idiom), and so
// libraries can be opened by name on demand (the dlopen idiom).
package symtab

import (
	"sync"
)

// Exports exposes a module's entry points by symbol name. The values
// are typically typed function values; callers assert them to the
// signature they expect.
type Exports interface {
	Lookup(name string) (any, bool)
}

// ExportMap is a map-backed Exports.
type ExportMap map[string]any

func (m ExportMap) Lookup(name string) (any, bool) {
	sym, ok := m[name]
	return sym, ok
}

// Module is one entry in a table's search order.
type Module struct {
	Name    string
	Exports Exports
}

// Opener produces a library's export table the first time the library
// is opened. It runs at most once per registered name.
type Opener func() Exports

// Table is an ordered set of modules plus a registry of openable
// libraries. All methods are safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	modules []Module
	openers map[string]Opener
	opened  map[string]Exports
}

func NewTable() *Table {
	return &Table{
		openers: make(map[string]Opener),
		opened:  make(map[string]Exports),
	}
}

var processTable = NewTable()

// Process returns the table shared by the whole process. Interposers
// and engines that want to be found by default register here.
func Process() *Table {
	return processTable
}

// Register appends a module to the search order.
func (t *Table) Register(m Module) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modules = append(t.modules, m)
}

// Prepend puts a module ahead of everything registered so far, the
// position an LD_PRELOAD-style interposer occupies.
func (t *Table) Prepend(m Module) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modules = append([]Module{m}, t.modules...)
}

// Resolve walks the search order and returns the first export of name.
func (t *Table) Resolve(name string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lookup(t.modules, name)
}

// ResolveAfter behaves like Resolve but starts the walk after the
// first module called module, skipping that module's own export. A
// module uses this to reach the definition it is shadowing. If module
// is not registered the whole order is searched.
func (t *Table) ResolveAfter(module, name string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rest := t.modules
	for i, m := range t.modules {
		if m.Name == module {
			rest = t.modules[i+1:]
			break
		}
	}
	return lookup(rest, name)
}

func lookup(modules []Module, name string) (any, bool) {
	for _, m := range modules {
		if m.Exports == nil {
			continue
		}
		if sym, ok := m.Exports.Lookup(name); ok {
			return sym, true
		}
	}
	return nil, false
}

// RegisterOpener makes lib openable by name. The opener is not invoked
// until the first Open call.
func (t *Table) RegisterOpener(lib string, open Opener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openers[lib] = open
}

// Open returns lib's export table, invoking its opener on first use
// and caching the result for every later call. Opening a library does
// not add it to the search order; callers look symbols up in the
// returned table directly.
func (t *Table) Open(lib string) (Exports, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if exp, ok := t.opened[lib]; ok {
		return exp, exp != nil
	}
	open, ok := t.openers[lib]
	if !ok {
		return nil, false
	}
	exp := open()
	t.opened[lib] = exp
	return exp, exp != nil
}

// Modules returns the current search order by name, for diagnostics.
func (t *Table) Modules() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, len(t.modules))
	for i, m := range t.modules {
		names[i] = m.Name
	}
	return names
}
