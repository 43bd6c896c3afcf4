package agentcore

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyre-dev/gyre/modelstream"
	"github.com/gyre-dev/gyre/toolsyntax"
)

// scriptedStreamer replays canned chunk sequences, one per Stream call. The
// last script repeats if more calls arrive. onChunk runs before each chunk is
// delivered, letting tests interleave cancellation with the stream.
type scriptedStreamer struct {
	mu       sync.Mutex
	scripts  [][]modelstream.StreamingChunk
	calls    int
	requests []modelstream.Request
	onChunk  func(call, index int)
}

func (s *scriptedStreamer) Stream(ctx context.Context, req modelstream.Request) (<-chan modelstream.StreamingChunk, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.requests = append(s.requests, req)
	idx := call
	if idx >= len(s.scripts) {
		idx = len(s.scripts) - 1
	}
	script := s.scripts[idx]
	s.mu.Unlock()

	ch := make(chan modelstream.StreamingChunk)
	go func() {
		defer close(ch)
		for i, chunk := range script {
			if s.onChunk != nil {
				s.onChunk(call, i)
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *scriptedStreamer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func usageChunk(input, cached int) *modelstream.Usage {
	return &modelstream.Usage{InputTokens: input, OutputTokens: 50, CachedInputTokens: cached}
}

func echoTool(t *testing.T) RegisteredTool {
	t.Helper()
	return RegisteredTool{
		Definition: modelstream.ToolDefinition{
			Name:        "echo",
			Description: "echoes text",
			Parameters:  map[string]any{"type": "object"},
		},
		Scopes: []Scope{ScopeDefault, ScopeReadOnly, ScopeSubAgentDefault, ScopeSubAgentReadOnly},
		Execute: func(_ context.Context, input map[string]any, _ ExecContext) (ToolOutput, error) {
			text, _ := input["text"].(string)
			return ToolOutput{Content: "echo: " + text}, nil
		},
	}
}

func TestLoopToolRoundTrip(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]modelstream.StreamingChunk{
		{
			modelstream.TextChunk("Let me check."),
			modelstream.ToolCallChunk(0, "call_1", "echo", `{"text":"hi"}`),
			modelstream.DoneChunk(modelstream.StopToolUse, usageChunk(1000, 0)),
		},
		{
			modelstream.TextChunk("all done"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(1200, 0)),
		},
	}}

	registry := NewRegistry()
	require.NoError(t, registry.Register(echoTool(t)))

	loop := NewLoop(streamer, registry, DefaultConfig("claude-sonnet-4-5"))
	result := loop.Run(context.Background(), "say hi")

	assert.Equal(t, StopEndTurn, result.StopReason)
	assert.Equal(t, "all done", result.FinalText)
	assert.Equal(t, 2, result.Requests)

	msgs := loop.History().Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, modelstream.RoleUser, msgs[0].Role)
	require.Len(t, msgs[1].ToolUses(), 1)
	assert.Equal(t, "echo", msgs[1].ToolUses()[0].Name)

	require.Len(t, msgs[2].Content, 1)
	require.Equal(t, modelstream.BlockToolResult, msgs[2].Content[0].Kind)
	assert.Equal(t, "echo: hi", msgs[2].Content[0].ToolResult.Content)
	assert.Equal(t, "call_1", msgs[2].Content[0].ToolResult.ToolUseID)

	execs := loop.History().Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, "echo", execs[0].Request.Name)
}

func TestShouldCompactThreshold(t *testing.T) {
	cfg := ContextWindowConfig{Limit: 200000, Threshold: 0.85, Enabled: true}

	assert.True(t, cfg.ShouldCompact(&modelstream.Usage{InputTokens: 150000, CachedInputTokens: 25000}))
	assert.False(t, cfg.ShouldCompact(&modelstream.Usage{InputTokens: 100000}))
	assert.False(t, cfg.ShouldCompact(nil))

	disabled := cfg
	disabled.Enabled = false
	assert.False(t, disabled.ShouldCompact(&modelstream.Usage{InputTokens: 199999}))
}

func TestLoopCompactsAndKeepsFullHistory(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]modelstream.StreamingChunk{
		{
			modelstream.ToolCallChunk(0, "call_1", "echo", `{"text":"x"}`),
			modelstream.DoneChunk(modelstream.StopToolUse, usageChunk(150000, 25000)),
		},
		{
			modelstream.TextChunk("summary of progress so far"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(170000, 0)),
		},
		{
			modelstream.TextChunk("continuing after compaction"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(2000, 0)),
		},
	}}

	registry := NewRegistry()
	require.NoError(t, registry.Register(echoTool(t)))

	cfg := DefaultConfig("claude-sonnet-4-5")
	cfg.Window = ContextWindowConfig{Limit: 200000, Threshold: 0.85, Enabled: true}

	loop := NewLoop(streamer, registry, cfg)
	result := loop.Run(context.Background(), "do the thing")

	assert.Equal(t, StopEndTurn, result.StopReason)
	assert.Equal(t, "continuing after compaction", result.FinalText)

	msgs := loop.History().Messages()
	// user, assistant(tool), tool results, compaction, assistant.
	require.Len(t, msgs, 5)
	marker := msgs[3].CompactionMarker()
	require.NotNil(t, marker)
	assert.Equal(t, 1, marker.Sequence)
	assert.Equal(t, "summary of progress so far", marker.Summary)
	assert.Equal(t, 175000, marker.ContextSizeBefore)

	// The slice sent on the next request starts at the compaction marker.
	slice := loop.History().ActiveSlice()
	require.NotEmpty(t, slice)
	assert.NotNil(t, slice[0].CompactionMarker())
	require.Len(t, slice, 2)

	// The compaction request itself carried no tools.
	compactionReq := streamer.requests[1]
	assert.Empty(t, compactionReq.Tools)
	// The post-compaction request starts at the marker.
	finalReq := streamer.requests[2]
	require.NotEmpty(t, finalReq.Messages)
	assert.NotNil(t, finalReq.Messages[0].CompactionMarker())
}

func TestCompactionRetriesAfterRateLimit(t *testing.T) {
	retryAfter := 0.01
	streamer := &scriptedStreamer{scripts: [][]modelstream.StreamingChunk{
		{
			modelstream.ToolCallChunk(0, "call_1", "echo", `{"text":"x"}`),
			modelstream.DoneChunk(modelstream.StopToolUse, usageChunk(150000, 25000)),
		},
		{
			// First summary attempt is rate limited mid-stream.
			{Kind: modelstream.ChunkRateLimit, RetryAfter: &retryAfter},
		},
		{
			modelstream.TextChunk("summary after retry"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(170000, 0)),
		},
		{
			modelstream.TextChunk("done"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(2000, 0)),
		},
	}}

	registry := NewRegistry()
	require.NoError(t, registry.Register(echoTool(t)))

	cfg := DefaultConfig("claude-sonnet-4-5")
	cfg.Window = ContextWindowConfig{Limit: 200000, Threshold: 0.85, Enabled: true}
	cfg.Retry = modelstream.RetryPolicy{MaxRetries: 2, BaseDelay: 0.01, MaxDelay: 1, BackoffMultiplier: 2}

	loop := NewLoop(streamer, registry, cfg)
	result := loop.Run(context.Background(), "do the thing")

	assert.Equal(t, StopEndTurn, result.StopReason)
	assert.Equal(t, "done", result.FinalText)
	// tool round, rate-limited summary, retried summary, final round.
	assert.Equal(t, 4, streamer.callCount())

	var marker *modelstream.CompactionData
	for _, m := range loop.History().Messages() {
		if c := m.CompactionMarker(); c != nil {
			marker = c
		}
	}
	require.NotNil(t, marker)
	assert.Equal(t, "summary after retry", marker.Summary)
}

func TestCancelMidStreamLeavesNoPartialTool(t *testing.T) {
	var loop *Loop
	streamer := &scriptedStreamer{
		scripts: [][]modelstream.StreamingChunk{{
			modelstream.TextChunk("<tool name=\"grep\">\n"),
			modelstream.TextChunk("<param name=\"pattern\">x</param>\n"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(500, 0)),
		}},
	}
	streamer.onChunk = func(call, index int) {
		if index == 1 {
			loop.Cancel()
		}
	}

	cfg := DefaultConfig("claude-sonnet-4-5")
	cfg.Syntax = toolsyntax.SyntaxTagged

	loop = NewLoop(streamer, NewRegistry(), cfg)
	result := loop.Run(context.Background(), "search for x")

	assert.Equal(t, StopCancelled, result.StopReason)
	assert.Nil(t, result.Err)

	for _, msg := range loop.History().Messages() {
		assert.Empty(t, msg.ToolUses(), "no tool use may be recorded for the aborted block")
	}
	assert.Empty(t, loop.History().Executions())
}

func TestRateLimitRetriesSameRequest(t *testing.T) {
	retryAfter := 0.01
	streamer := &scriptedStreamer{scripts: [][]modelstream.StreamingChunk{
		{
			{Kind: modelstream.ChunkRateLimit, RetryAfter: &retryAfter},
		},
		{
			modelstream.TextChunk("recovered"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(100, 0)),
		},
	}}

	cfg := DefaultConfig("claude-sonnet-4-5")
	cfg.Retry = modelstream.RetryPolicy{MaxRetries: 2, BaseDelay: 0.01, MaxDelay: 1, BackoffMultiplier: 2}

	loop := NewLoop(streamer, NewRegistry(), cfg)
	result := loop.Run(context.Background(), "hello")

	assert.Equal(t, StopEndTurn, result.StopReason)
	assert.Equal(t, "recovered", result.FinalText)
	assert.Equal(t, 2, streamer.callCount())
}

func TestProviderErrorIsTerminal(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]modelstream.StreamingChunk{{
		{Kind: modelstream.ChunkDone, Err: modelstream.ErrorFromStatusCode(401, "bad key", "anthropic", nil)},
	}}}

	loop := NewLoop(streamer, NewRegistry(), DefaultConfig("claude-sonnet-4-5"))
	result := loop.Run(context.Background(), "hello")

	assert.Equal(t, StopError, result.StopReason)
	require.Error(t, result.Err)
	var authErr *modelstream.AuthenticationError
	assert.ErrorAs(t, result.Err, &authErr)
}

func TestParseErrorSurfacesToModel(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]modelstream.StreamingChunk{
		{
			modelstream.TextChunk("<tool name=\"9bad\">\n</tool>\n"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(100, 0)),
		},
		{
			modelstream.TextChunk("sorry, done now"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(150, 0)),
		},
	}}

	cfg := DefaultConfig("claude-sonnet-4-5")
	cfg.Syntax = toolsyntax.SyntaxTagged

	loop := NewLoop(streamer, NewRegistry(), cfg)
	result := loop.Run(context.Background(), "go")

	assert.Equal(t, StopEndTurn, result.StopReason)
	assert.Equal(t, 2, streamer.callCount())

	// The grammar error travels back as a user-visible message, not a crash.
	msgs := loop.History().Messages()
	found := false
	for _, m := range msgs {
		if m.Role == modelstream.RoleUser && strings.Contains(m.TextContent(), "could not be parsed") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSteeringInjectedBetweenRounds(t *testing.T) {
	streamer := &scriptedStreamer{scripts: [][]modelstream.StreamingChunk{
		{
			modelstream.ToolCallChunk(0, "call_1", "echo", `{"text":"a"}`),
			modelstream.DoneChunk(modelstream.StopToolUse, usageChunk(100, 0)),
		},
		{
			modelstream.TextChunk("finished"),
			modelstream.DoneChunk(modelstream.StopEndTurn, usageChunk(150, 0)),
		},
	}}

	registry := NewRegistry()
	require.NoError(t, registry.Register(echoTool(t)))

	loop := NewLoop(streamer, registry, DefaultConfig("claude-sonnet-4-5"))
	loop.Steer("prefer the simpler approach")

	result := loop.Run(context.Background(), "start")
	assert.Equal(t, StopEndTurn, result.StopReason)

	msgs := loop.History().Messages()
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, "start", msgs[0].TextContent())
	assert.Equal(t, "prefer the simpler approach", msgs[1].TextContent())
}
