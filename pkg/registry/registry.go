// Package registry owns the tool catalog and the dispatch pipeline: schema
// capture and validation, the write gate, per-tool metrics, and the audit
// log events every call emits.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/adaptiv/gh-broker/pkg/constants"
	"github.com/adaptiv/gh-broker/pkg/logger"
	"github.com/google/jsonschema-go/jsonschema"
	sjson "github.com/santhosh-tekuri/jsonschema/v6"
)

var registryLog = logger.New("registry:registry")

// Tool is one catalog entry. Records are built at startup and never mutated
// after Freeze, so dispatch reads take no lock.
type Tool struct {
	Name        string
	Description string
	Tags        []string
	Visibility  constants.Visibility
	SideEffect  constants.SideEffect

	// InputSchema is captured from the handler's typed args struct.
	InputSchema *jsonschema.Schema
	// SchemaHash is stable across restarts for an unchanged signature.
	SchemaHash string

	// WriteResolver may downgrade a nominally-write call to read-only based
	// on its args (preview_only and friends). Nil means the side-effect
	// class decides alone.
	WriteResolver func(args map[string]any) bool

	Handler Handler

	compiled *sjson.Schema
}

// WriteAction reports whether a call with args counts as a write.
func (t *Tool) WriteAction(args map[string]any) bool {
	if t.WriteResolver != nil {
		return t.WriteResolver(args)
	}
	return t.SideEffect != constants.ReadOnly
}

// Registry is the process-scoped tool catalog. Registration happens during
// startup; Freeze seals it before the first dispatch.
type Registry struct {
	mu     sync.Mutex
	frozen bool
	tools  map[string]*Tool
	order  []string

	gate    *WriteGate
	metrics *Metrics
}

// New returns an empty registry with the given write gate.
func New(gate *WriteGate) *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		gate:    gate,
		metrics: NewMetrics(),
	}
}

// Gate exposes the registry's write gate.
func (r *Registry) Gate() *WriteGate { return r.gate }

// Metrics exposes the per-tool counters.
func (r *Registry) Metrics() *Metrics { return r.metrics }

// Register adds a tool. Registering after Freeze or reusing a name is a
// programming error and panics at startup rather than failing a dispatch.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("registry: Register(%q) after Freeze", t.Name))
	}
	if t.Name == "" {
		panic("registry: tool with empty name")
	}
	if _, exists := r.tools[t.Name]; exists {
		panic(fmt.Sprintf("registry: duplicate tool %q", t.Name))
	}
	if t.InputSchema == nil {
		panic(fmt.Sprintf("registry: tool %q has no input schema", t.Name))
	}

	hash, compiled, err := prepareSchema(t.InputSchema)
	if err != nil {
		panic(fmt.Sprintf("registry: tool %q schema: %v", t.Name, err))
	}
	t.SchemaHash = hash
	t.compiled = compiled

	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	registryLog.Printf("Registered tool %s (side_effect=%s, schema=%s)", t.Name, t.SideEffect, hash[:12])
}

// Freeze seals the registry. Dispatch before Freeze panics; the server wires
// everything up first, then freezes, then serves.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	registryLog.Printf("Registry frozen with %d tools", len(r.tools))
}

// Get returns the named tool. The registry must be frozen.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.requireFrozen()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []*Tool {
	r.requireFrozen()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	r.requireFrozen()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

func (r *Registry) requireFrozen() {
	r.mu.Lock()
	frozen := r.frozen
	r.mu.Unlock()
	if !frozen {
		panic("registry: read before Freeze")
	}
}
