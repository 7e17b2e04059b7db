package guard

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jkaninda/vigil/internal/impact"
)

// Executor runs a tool against its raw JSON input. It may fail; whatever
// it returns in err is captured as a string result at the pipeline
// boundary, never propagated unchanged.
type Executor func(ctx context.Context, input, callID string) (string, error)

// ToolDefinition describes a registered tool. Immutable after
// registration; re-registering the same name replaces the whole entry.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"` // JSON Schema for the input payload.
	Trusted     bool           `json:"trusted"`
}

// Profile is the static risk/permission assessment computed at
// registration time, independent of any particular call's input.
type Profile struct {
	RiskLevel   impact.RiskLevel    `json:"risk_level"`
	Permissions []impact.Permission `json:"permissions"`
}

// registration is the stored tuple for one tool.
type registration struct {
	def      ToolDefinition
	executor Executor
	profile  Profile

	// Schema compiled once at registration. compileErr is surfaced as a
	// validation error at call time, per the execution sequence.
	compiled   *jsonschema.Schema
	compileErr error
}

// registry holds tool registrations keyed by name.
// Thread-safe for concurrent reads; writes happen at registration only.
type registry struct {
	mu    sync.RWMutex
	tools map[string]*registration
}

func newRegistry() *registry {
	return &registry{tools: make(map[string]*registration)}
}

func (r *registry) put(reg *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[reg.def.Name] = reg
}

func (r *registry) get(name string) *registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

func (r *registry) all() []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*registration, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg)
	}
	return out
}

// compileSchema compiles a JSON Schema declared as a generic map.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schema); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return compiled, nil
}

// ToolNames returns trusted and untrusted tool names as disjoint sorted
// lists.
func (g *Guard) ToolNames() (trusted, untrusted []string) {
	for _, reg := range g.registry.all() {
		if reg.def.Trusted {
			trusted = append(trusted, reg.def.Name)
		} else {
			untrusted = append(untrusted, reg.def.Name)
		}
	}
	sort.Strings(trusted)
	sort.Strings(untrusted)
	return trusted, untrusted
}

// ToolsByPermission returns the sorted names of tools whose static
// profile includes the given permission.
func (g *Guard) ToolsByPermission(perm impact.Permission) []string {
	var names []string
	for _, reg := range g.registry.all() {
		for _, p := range reg.profile.Permissions {
			if p == perm {
				names = append(names, reg.def.Name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// ToolProfile returns the static profile for a registered tool.
func (g *Guard) ToolProfile(name string) (Profile, bool) {
	reg := g.registry.get(name)
	if reg == nil {
		return Profile{}, false
	}
	return reg.profile, true
}

// Definitions returns LLM tool definitions for all registered tools,
// sorted by name for deterministic prompt construction.
func (g *Guard) Definitions() []ToolDefinition {
	regs := g.registry.all()
	defs := make([]ToolDefinition, 0, len(regs))
	for _, reg := range regs {
		defs = append(defs, reg.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
