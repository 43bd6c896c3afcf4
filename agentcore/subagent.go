package agentcore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gyre-dev/gyre/logging"
	"github.com/gyre-dev/gyre/modelstream"
)

// SubAgentFactory builds isolated child loops for spawn-tool invocations.
// Each child gets a fresh history, a scope-restricted registry with every
// spawner tool removed, and a cancellation signal derived from its parent's,
// so cancelling the parent stops all in-flight children. The child transcript
// never merges into the parent's conversation; the parent receives progress
// events plus the final text answer.
type SubAgentFactory struct {
	Client   Streamer
	Registry *Registry
	Config   Config
	Logger   *logging.Logger

	mu     sync.Mutex
	active map[string]*Loop
}

// NewSubAgentFactory creates a factory over the parent's provider client and
// tool registry.
func NewSubAgentFactory(client Streamer, registry *Registry, config Config, log *logging.Logger) *SubAgentFactory {
	if log == nil {
		log = logging.Nop()
	}
	return &SubAgentFactory{
		Client:   client,
		Registry: registry,
		Config:   config,
		Logger:   log,
		active:   map[string]*Loop{},
	}
}

// SpawnToolDefinition is the schema advertised to the model for spawn_agent.
func SpawnToolDefinition() modelstream.ToolDefinition {
	return modelstream.ToolDefinition{
		Name:        "spawn_agent",
		Description: "Spawn a nested agent to work on a self-contained task. Returns only the agent's final answer. Use mode \"read_only\" for investigation tasks; read-only agents may run in parallel.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "Complete task description. The agent sees nothing else from this conversation.",
				},
				"mode": map[string]any{
					"type": "string",
					"enum": []string{"read_only", "default"},
				},
			},
			"required": []any{"task"},
		},
	}
}

// SpawnTool returns the registered spawner tool. It is only valid in
// top-level scopes; registration enforces that it never reaches a sub-agent.
func (f *SubAgentFactory) SpawnTool() RegisteredTool {
	return RegisteredTool{
		Definition: SpawnToolDefinition(),
		Scopes:     []Scope{ScopeDefault, ScopeReadOnly},
		Spawner:    true,
		Validate:   validateSpawnInput,
		Execute:    f.execute,
	}
}

func validateSpawnInput(input map[string]any) (map[string]any, error) {
	task, _ := input["task"].(string)
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("task is required")
	}
	mode, _ := input["mode"].(string)
	switch mode {
	case "", "read_only", "default":
	default:
		return nil, fmt.Errorf("mode must be read_only or default, got %q", mode)
	}
	return input, nil
}

func (f *SubAgentFactory) execute(ctx context.Context, input map[string]any, ec ExecContext) (ToolOutput, error) {
	task, _ := input["task"].(string)
	mode, _ := input["mode"].(string)

	scope := ScopeSubAgentReadOnly
	if mode == "default" {
		scope = ScopeSubAgentDefault
	}

	child := f.buildChild(scope)
	f.track(ec.CallID, child)
	defer f.untrack(ec.CallID)

	// Forward the child's activity to the parent observer, attached to the
	// pending tool call.
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for ev := range child.Events() {
			ec.Emitter.Emit(EventSubAgentProgress, map[string]any{
				"call_id":  ec.CallID,
				"agent_id": child.ID(),
				"kind":     string(ev.Kind),
				"fragment": ev.Fragment,
				"data":     ev.Data,
			})
		}
	}()

	result := child.Run(ctx, task)
	child.Close()
	<-forwardDone

	switch result.StopReason {
	case StopCancelled:
		return ToolOutput{Content: "Sub-agent cancelled.", IsError: false}, nil
	case StopError:
		return ToolOutput{Content: fmt.Sprintf("Sub-agent failed: %v", result.Err), IsError: true}, nil
	}

	answer := result.FinalText
	if answer == "" {
		answer = "(sub-agent produced no final answer)"
	}
	return ToolOutput{Content: answer}, nil
}

// buildChild derives the child loop: parent config with a fresh history and a
// registry stripped of spawner tools (no recursive spawning).
func (f *SubAgentFactory) buildChild(scope Scope) *Loop {
	registry := f.Registry.Clone()
	for _, name := range registry.Names() {
		if tool := registry.Get(name); tool != nil && tool.Spawner {
			registry.Unregister(name)
		}
	}

	cfg := f.Config
	cfg.MaxTurnRequests = subAgentRequestCap(cfg.MaxTurnRequests)

	return NewLoop(f.Client, registry, cfg,
		WithScope(scope),
		WithLogger(f.Logger),
	)
}

// subAgentRequestCap keeps children on a tighter budget than their parent.
func subAgentRequestCap(parentCap int) int {
	if parentCap <= 0 || parentCap > 25 {
		return 25
	}
	return parentCap
}

func (f *SubAgentFactory) track(callID string, child *Loop) {
	f.mu.Lock()
	f.active[callID] = child
	f.mu.Unlock()
}

func (f *SubAgentFactory) untrack(callID string) {
	f.mu.Lock()
	delete(f.active, callID)
	f.mu.Unlock()
}

// CancelAll cancels every in-flight child loop.
func (f *SubAgentFactory) CancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, child := range f.active {
		child.Cancel()
	}
}

// ActiveCount returns the number of running children.
func (f *SubAgentFactory) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}
