package agentcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyre-dev/gyre/modelstream"
	"github.com/gyre-dev/gyre/toolsyntax"
)

func TestSubAgentReturnsOnlyFinalAnswer(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]modelstream.StreamingChunk{
		{
			modelstream.ToolCallChunk(0, "c1", "echo", `{"text":"inner"}`),
			modelstream.DoneChunk(modelstream.StopToolUse, usageChunk(100, 0)),
		},
		{
			modelstream.TextChunk("the final report"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(200, 0)),
		},
	}}

	registry := NewRegistry()
	require.NoError(t, registry.Register(echoTool(t)))
	factory := NewSubAgentFactory(streamer, registry, DefaultConfig("claude-sonnet-4-5"), nil)
	require.NoError(t, registry.Register(factory.SpawnTool()))

	emitter := NewEmitter("parent", 1024)
	defer emitter.Close()
	history := NewHistory(nil)
	d := NewDispatcher(registry, ScopeDefault, nil, emitter, history, nil)

	blocks, cancelled := d.Dispatch(context.Background(), []toolsyntax.ToolRequest{
		{ID: "spawn_1", Name: "spawn_agent", Input: map[string]any{"task": "investigate", "mode": "read_only"}},
	})
	assert.False(t, cancelled)
	require.Len(t, blocks, 1)
	assert.False(t, blocks[0].ToolResult.IsError)
	// Only the child's final text crosses the boundary; its transcript stays
	// in the child's own history.
	assert.Equal(t, "the final report", blocks[0].ToolResult.Content)
	assert.Equal(t, "spawn_1", blocks[0].ToolResult.ToolUseID)

	// The parent history saw no child messages, only the execution record.
	assert.Equal(t, 0, history.Len())
	require.Len(t, history.Executions(), 1)

	// Progress events reached the parent observer tagged with the call id.
	sawProgress := false
	for {
		select {
		case ev := <-emitter.Events():
			if ev.Kind == EventSubAgentProgress {
				sawProgress = true
				assert.Equal(t, "spawn_1", ev.Data["call_id"])
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawProgress)
}

func TestSubAgentCannotSpawnRecursively(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]modelstream.StreamingChunk{
		{
			// The child model tries to spawn; the tool must be absent from
			// its registry.
			modelstream.ToolCallChunk(0, "c1", "spawn_agent", `{"task":"nested"}`),
			modelstream.DoneChunk(modelstream.StopToolUse, usageChunk(100, 0)),
		},
		{
			modelstream.TextChunk("gave up on nesting"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(150, 0)),
		},
	}}

	registry := NewRegistry()
	require.NoError(t, registry.Register(echoTool(t)))
	factory := NewSubAgentFactory(streamer, registry, DefaultConfig("claude-sonnet-4-5"), nil)
	require.NoError(t, registry.Register(factory.SpawnTool()))

	out, err := factory.execute(context.Background(),
		map[string]any{"task": "outer", "mode": "read_only"},
		ExecContext{SessionID: "parent", Scope: ScopeDefault, Emitter: NewEmitter("parent", 16), CallID: "spawn_1"},
	)
	require.NoError(t, err)
	assert.Equal(t, "gave up on nesting", out.Content)
	// The nested attempt resolved as an unknown tool, not an execution.
	assert.Equal(t, 2, streamer.callCount())
}

func TestSpawnInputValidation(t *testing.T) {
	_, err := validateSpawnInput(map[string]any{"task": "  "})
	assert.Error(t, err)

	_, err = validateSpawnInput(map[string]any{"task": "x", "mode": "yolo"})
	assert.Error(t, err)

	input, err := validateSpawnInput(map[string]any{"task": "x", "mode": "read_only"})
	require.NoError(t, err)
	assert.Equal(t, "x", input["task"])
}

func TestCancelAllStopsChildren(t *testing.T) {
	factory := NewSubAgentFactory(nil, NewRegistry(), DefaultConfig("claude-sonnet-4-5"), nil)
	child := NewLoop(&scriptedStreamer{scripts: [][]modelstream.StreamingChunk{{}}}, NewRegistry(), DefaultConfig("m"))
	factory.track("call_x", child)
	assert.Equal(t, 1, factory.ActiveCount())

	factory.CancelAll()
	assert.True(t, child.cancelled.Load())

	factory.untrack("call_x")
	assert.Equal(t, 0, factory.ActiveCount())
}
