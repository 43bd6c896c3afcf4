package agentcore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gyre-dev/gyre/modelstream"
)

// Scope identifies the execution context a tool may run in. Sub-agent scopes
// never include spawner tools, so sub-agents cannot spawn recursively.
type Scope string

const (
	ScopeDefault          Scope = "default"
	ScopeReadOnly         Scope = "read_only"
	ScopeSubAgentDefault  Scope = "subagent_default"
	ScopeSubAgentReadOnly Scope = "subagent_read_only"
)

// IsSubAgent reports whether the scope belongs to a nested agent.
func (s Scope) IsSubAgent() bool {
	return s == ScopeSubAgentDefault || s == ScopeSubAgentReadOnly
}

// ToolOutput is what a tool execution hands back to the dispatcher. A tool may
// report a revised version of its own input (e.g. after formatting normalized
// the content it wrote); the dispatcher reconciles the recorded tool use.
type ToolOutput struct {
	Content      string
	IsError      bool
	RevisedInput map[string]any
}

// ExecContext carries per-call collaborators into a tool execution.
type ExecContext struct {
	SessionID string
	Scope     Scope
	Emitter   *Emitter
	CallID    string
}

// ToolValidator normalizes and checks tool input, returning the structured
// input the executor will receive.
type ToolValidator func(input map[string]any) (map[string]any, error)

// ToolExecutor runs the tool.
type ToolExecutor func(ctx context.Context, input map[string]any, ec ExecContext) (ToolOutput, error)

// RegisteredTool pairs a tool definition with its behavior and placement.
type RegisteredTool struct {
	Definition modelstream.ToolDefinition
	Scopes     []Scope
	// Spawner marks tools that create sub-agents. Registration rejects a
	// spawner that lists a sub-agent scope.
	Spawner bool
	// RequiresApproval routes the call through the permission mediator.
	RequiresApproval bool
	Validate         ToolValidator
	Execute          ToolExecutor
}

// AllowedIn reports whether the tool may run in the given scope.
func (t *RegisteredTool) AllowedIn(scope Scope) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Registry manages tool registration and scope-filtered lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*RegisteredTool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*RegisteredTool)}
}

// Register adds or replaces a tool. A spawner tool permitted inside a
// sub-agent scope is rejected: that would allow recursive spawning.
func (r *Registry) Register(tool RegisteredTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if tool.Spawner {
		for _, s := range tool.Scopes {
			if s.IsSubAgent() {
				return fmt.Errorf("spawner tool %s cannot be scoped to %s", tool.Definition.Name, s)
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil.
func (r *Registry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// DefinitionsFor returns the definitions of all tools permitted in scope,
// sorted by name for a stable request payload.
func (r *Registry) DefinitionsFor(scope Scope) []modelstream.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []modelstream.ToolDefinition
	for _, tool := range r.tools {
		if tool.AllowedIn(scope) {
			defs = append(defs, tool.Definition)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns a copy of the registry. Used when deriving a sub-agent
// registry without sharing mutable state with the parent.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewRegistry()
	for name, tool := range r.tools {
		copied := *tool
		clone.tools[name] = &copied
	}
	return clone
}
