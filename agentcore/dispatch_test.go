package agentcore

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyre-dev/gyre/modelstream"
	"github.com/gyre-dev/gyre/toolsyntax"
)

func newTestDispatcher(t *testing.T, registry *Registry, scope Scope, mediator PermissionMediator) (*Dispatcher, *History) {
	t.Helper()
	history := NewHistory(nil)
	emitter := NewEmitter("test-session", 1024)
	t.Cleanup(emitter.Close)
	return NewDispatcher(registry, scope, mediator, emitter, history, nil), history
}

func TestConcurrentSpawnsPreserveRequestOrder(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(RegisteredTool{
		Definition: modelstream.ToolDefinition{Name: "spawn_agent"},
		Scopes:     []Scope{ScopeDefault},
		Spawner:    true,
		Execute: func(_ context.Context, input map[string]any, _ ExecContext) (ToolOutput, error) {
			// Randomized completion delay: finish order must not matter.
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			task, _ := input["task"].(string)
			return ToolOutput{Content: "answer for " + task}, nil
		},
	}))

	d, _ := newTestDispatcher(t, registry, ScopeDefault, nil)
	d.SetMaxParallel(3)

	const n = 8
	reqs := make([]toolsyntax.ToolRequest, n)
	for i := range reqs {
		reqs[i] = toolsyntax.ToolRequest{
			ID:    fmt.Sprintf("call_%d", i),
			Name:  "spawn_agent",
			Input: map[string]any{"task": fmt.Sprintf("task-%d", i), "mode": "read_only"},
			Order: i,
		}
	}

	for trial := 0; trial < 5; trial++ {
		blocks, cancelled := d.Dispatch(context.Background(), reqs)
		assert.False(t, cancelled)
		require.Len(t, blocks, n)
		for i, b := range blocks {
			require.Equal(t, modelstream.BlockToolResult, b.Kind)
			assert.Equal(t, fmt.Sprintf("call_%d", i), b.ToolResult.ToolUseID)
			assert.Equal(t, fmt.Sprintf("answer for task-%d", i), b.ToolResult.Content)
		}
	}
}

func TestMixedBatchRunsSequentially(t *testing.T) {
	var order []string
	registry := NewRegistry()
	require.NoError(t, registry.Register(RegisteredTool{
		Definition: modelstream.ToolDefinition{Name: "spawn_agent"},
		Scopes:     []Scope{ScopeDefault},
		Spawner:    true,
		Execute: func(_ context.Context, input map[string]any, _ ExecContext) (ToolOutput, error) {
			task, _ := input["task"].(string)
			order = append(order, task)
			return ToolOutput{Content: task}, nil
		},
	}))

	d, _ := newTestDispatcher(t, registry, ScopeDefault, nil)

	// One spawn requests default mode: the whole batch is sequential, so the
	// unsynchronized order slice above is safe to append to.
	reqs := []toolsyntax.ToolRequest{
		{ID: "a", Name: "spawn_agent", Input: map[string]any{"task": "first", "mode": "read_only"}},
		{ID: "b", Name: "spawn_agent", Input: map[string]any{"task": "second", "mode": "default"}},
		{ID: "c", Name: "spawn_agent", Input: map[string]any{"task": "third", "mode": "read_only"}},
	}
	blocks, cancelled := d.Dispatch(context.Background(), reqs)
	assert.False(t, cancelled)
	require.Len(t, blocks, 3)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestScopeViolationReturnsFailedResult(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(RegisteredTool{
		Definition: modelstream.ToolDefinition{Name: "write_file"},
		Scopes:     []Scope{ScopeDefault},
		Execute: func(context.Context, map[string]any, ExecContext) (ToolOutput, error) {
			t.Fatal("must not execute outside its scope")
			return ToolOutput{}, nil
		},
	}))

	d, _ := newTestDispatcher(t, registry, ScopeSubAgentReadOnly, nil)

	blocks, cancelled := d.Dispatch(context.Background(), []toolsyntax.ToolRequest{
		{ID: "call_1", Name: "write_file", Input: map[string]any{"path": "x"}},
	})
	assert.False(t, cancelled)
	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].ToolResult.IsError)
	assert.Contains(t, blocks[0].ToolResult.Content, "not permitted in scope")
}

func TestUnknownToolReturnsFailedResult(t *testing.T) {
	d, _ := newTestDispatcher(t, NewRegistry(), ScopeDefault, nil)

	blocks, _ := d.Dispatch(context.Background(), []toolsyntax.ToolRequest{
		{ID: "call_1", Name: "nope", Input: map[string]any{}},
	})
	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].ToolResult.IsError)
	assert.Contains(t, blocks[0].ToolResult.Content, "Unknown tool")
}

func TestToolRuntimeErrorNeverAbortsBatch(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(RegisteredTool{
		Definition: modelstream.ToolDefinition{Name: "flaky"},
		Scopes:     []Scope{ScopeDefault},
		Execute: func(context.Context, map[string]any, ExecContext) (ToolOutput, error) {
			return ToolOutput{}, fmt.Errorf("disk on fire")
		},
	}))
	require.NoError(t, registry.Register(echoTool(t)))

	d, _ := newTestDispatcher(t, registry, ScopeDefault, nil)
	blocks, cancelled := d.Dispatch(context.Background(), []toolsyntax.ToolRequest{
		{ID: "a", Name: "flaky", Input: map[string]any{}},
		{ID: "b", Name: "echo", Input: map[string]any{"text": "still here"}},
	})
	assert.False(t, cancelled)
	require.Len(t, blocks, 2)
	assert.True(t, blocks[0].ToolResult.IsError)
	assert.Contains(t, blocks[0].ToolResult.Content, "disk on fire")
	assert.False(t, blocks[1].ToolResult.IsError)
	assert.Equal(t, "echo: still here", blocks[1].ToolResult.Content)
}

// waitingMediator blocks until the run is cancelled, like an interactive
// prompt nobody answers.
type waitingMediator struct{}

func (waitingMediator) Request(ctx context.Context, _ toolsyntax.ToolRequest) (Decision, error) {
	<-ctx.Done()
	return DecisionDeny, ctx.Err()
}

type decisionMediator struct {
	decision Decision
	calls    int
}

func (m *decisionMediator) Request(context.Context, toolsyntax.ToolRequest) (Decision, error) {
	m.calls++
	return m.decision, nil
}

func TestPermissionDenyAndSessionGrant(t *testing.T) {
	registry := NewRegistry()
	tool := echoTool(t)
	tool.RequiresApproval = true
	require.NoError(t, registry.Register(tool))

	t.Run("deny", func(t *testing.T) {
		mediator := &decisionMediator{decision: DecisionDeny}
		d, _ := newTestDispatcher(t, registry, ScopeDefault, mediator)
		blocks, cancelled := d.Dispatch(context.Background(), []toolsyntax.ToolRequest{
			{ID: "a", Name: "echo", Input: map[string]any{"text": "x"}},
		})
		assert.False(t, cancelled)
		assert.True(t, blocks[0].ToolResult.IsError)
		assert.Contains(t, blocks[0].ToolResult.Content, "Permission denied")
	})

	t.Run("allow for session prompts once", func(t *testing.T) {
		mediator := &decisionMediator{decision: DecisionAllowSession}
		d, _ := newTestDispatcher(t, registry, ScopeDefault, mediator)
		for i := 0; i < 3; i++ {
			blocks, _ := d.Dispatch(context.Background(), []toolsyntax.ToolRequest{
				{ID: fmt.Sprintf("c%d", i), Name: "echo", Input: map[string]any{"text": "x"}},
			})
			assert.False(t, blocks[0].ToolResult.IsError)
		}
		assert.Equal(t, 1, mediator.calls)
	})

	t.Run("run cancelled while prompt pending", func(t *testing.T) {
		d, _ := newTestDispatcher(t, registry, ScopeDefault, waitingMediator{})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		blocks, cancelled := d.Dispatch(ctx, []toolsyntax.ToolRequest{
			{ID: "a", Name: "echo", Input: map[string]any{"text": "x"}},
		})
		assert.True(t, cancelled)
		require.Len(t, blocks, 1)
		assert.False(t, blocks[0].ToolResult.IsError, "cancellation is not an error")
		assert.Contains(t, blocks[0].ToolResult.Content, "Cancelled")
	})

	t.Run("cancelled prompt resolves as cancelled", func(t *testing.T) {
		mediator := &decisionMediator{decision: DecisionCancelled}
		d, _ := newTestDispatcher(t, registry, ScopeDefault, mediator)
		blocks, cancelled := d.Dispatch(context.Background(), []toolsyntax.ToolRequest{
			{ID: "a", Name: "echo", Input: map[string]any{"text": "x"}},
		})
		assert.True(t, cancelled)
		require.Len(t, blocks, 1)
		assert.False(t, blocks[0].ToolResult.IsError, "cancellation is not an error")
		assert.Contains(t, blocks[0].ToolResult.Content, "Cancelled")
	})
}

func TestRevisedInputReconcilesHistory(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(RegisteredTool{
		Definition: modelstream.ToolDefinition{Name: "write_file"},
		Scopes:     []Scope{ScopeDefault},
		Execute: func(_ context.Context, input map[string]any, _ ExecContext) (ToolOutput, error) {
			// Simulate format-on-save rewriting the content that was written.
			return ToolOutput{
				Content:      "wrote file",
				RevisedInput: map[string]any{"content": "formatted"},
			}, nil
		},
	}))

	d, history := newTestDispatcher(t, registry, ScopeDefault, nil)
	require.NoError(t, history.Append(modelstream.Message{
		Role: modelstream.RoleAssistant,
		Content: []modelstream.ContentBlock{
			modelstream.ToolUseBlock("call_1", "write_file", []byte(`{"path":"a.go","content":"raw"}`)),
		},
	}))

	blocks, _ := d.Dispatch(context.Background(), []toolsyntax.ToolRequest{
		{ID: "call_1", Name: "write_file", Input: map[string]any{"path": "a.go", "content": "raw"}},
	})
	require.Len(t, blocks, 1)
	assert.False(t, blocks[0].ToolResult.IsError)

	uses := history.Messages()[0].ToolUses()
	require.Len(t, uses, 1)
	assert.JSONEq(t, `{"path":"a.go","content":"formatted"}`, string(uses[0].Input))
}

func TestSpawnerRegistrationRejectsSubAgentScope(t *testing.T) {
	registry := NewRegistry()
	err := registry.Register(RegisteredTool{
		Definition: modelstream.ToolDefinition{Name: "spawn_agent"},
		Scopes:     []Scope{ScopeDefault, ScopeSubAgentDefault},
		Spawner:    true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be scoped")
}
