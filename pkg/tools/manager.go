// Package tools resolves tool placeholders: it looks up the registered tool,
// derives call parameters from the surrounding prompt text with a model, and
// dispatches to the executor for the tool's class.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

var (
	// ErrToolNotFound is returned for ids with no registered definition.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolInactive is returned for tools that are registered but disabled.
	ErrToolInactive = errors.New("tool is inactive")
)

// Registry looks up tool definitions by id.
type Registry interface {
	Load(ctx context.Context, id string) (*schema.ToolDefinition, error)
}

// Manager is an in-process Registry fed from tools.yaml files and code.
type Manager struct {
	defs    map[string]*schema.ToolDefinition
	sources map[string]string // id → file the definition came from
	mu      sync.RWMutex
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		defs:    make(map[string]*schema.ToolDefinition),
		sources: make(map[string]string),
	}
}

// LoadFile registers every tool in a registry file. Ids must be unique
// across all loaded files.
func (m *Manager) LoadFile(path string) error {
	f, err := schema.LoadToolRegistryFile(path)
	if err != nil {
		return err
	}
	for i := range f.Tools {
		if err := m.Register(f.Tools[i], path); err != nil {
			return err
		}
	}
	return nil
}

// Register adds one definition. source is recorded for error messages.
func (m *Manager) Register(def schema.ToolDefinition, source string) error {
	if def.ID == "" {
		return schema.Configf(source, "tool definition has no id")
	}
	if !validClass(def.Class) {
		return &schema.ConfigurationError{
			Path:    source,
			Message: fmt.Sprintf("tool %q has unknown class %q", def.ID, def.Class),
			Valid:   classNames(),
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sources[def.ID]; ok {
		return schema.Configf(source, "tool %q already registered from %s", def.ID, prev)
	}
	d := def
	m.defs[def.ID] = &d
	m.sources[def.ID] = source
	return nil
}

// Get returns the definition for id, or nil.
func (m *Manager) Get(id string) *schema.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defs[id]
}

// Load implements Registry.
func (m *Manager) Load(ctx context.Context, id string) (*schema.ToolDefinition, error) {
	def := m.Get(id)
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	if !def.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrToolInactive, id)
	}
	return def, nil
}

// IDs lists registered tool ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.defs))
	for id := range m.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func validClass(c schema.ToolClass) bool {
	for _, k := range schema.ToolClasses {
		if k == c {
			return true
		}
	}
	return false
}

func classNames() []string {
	out := make([]string, len(schema.ToolClasses))
	for i, c := range schema.ToolClasses {
		out[i] = string(c)
	}
	return out
}
