package modelstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTextContentConcatenatesTextBlocks(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			TextBlock("hello "),
			ThinkingBlock("pondering"),
			TextBlock("world"),
			ToolUseBlock("t1", "grep", []byte(`{}`)),
		},
	}
	assert.Equal(t, "hello world", msg.TextContent())
}

func TestMessageToolUsesPreservesOrder(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			ToolUseBlock("a", "first", []byte(`{}`)),
			TextBlock("between"),
			ToolUseBlock("b", "second", []byte(`{}`)),
		},
	}
	uses := msg.ToolUses()
	require.Len(t, uses, 2)
	assert.Equal(t, "first", uses[0].Name)
	assert.Equal(t, "second", uses[1].Name)
}

func TestCompactionMarkerOnlyAtFirstBlock(t *testing.T) {
	marked := Message{
		Role: RoleUser,
		Content: []ContentBlock{
			CompactionBlock(CompactionData{Sequence: 3, Summary: "so far"}),
			TextBlock("trailing"),
		},
	}
	marker := marked.CompactionMarker()
	require.NotNil(t, marker)
	assert.Equal(t, 3, marker.Sequence)

	unmarked := Message{
		Role: RoleUser,
		Content: []ContentBlock{
			TextBlock("leading"),
			CompactionBlock(CompactionData{Sequence: 1}),
		},
	}
	assert.Nil(t, unmarked.CompactionMarker())
}

func TestUsageContextSizeCountsCachedInput(t *testing.T) {
	u := Usage{InputTokens: 150000, OutputTokens: 512, CachedInputTokens: 25000}
	assert.Equal(t, 175000, u.ContextSize())
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 100, OutputTokens: 20, CachedInputTokens: 5}
	b := Usage{InputTokens: 50, OutputTokens: 10}
	sum := a.Add(b)
	assert.Equal(t, Usage{InputTokens: 150, OutputTokens: 30, CachedInputTokens: 5}, sum)
}

func TestChunkConstructors(t *testing.T) {
	text := TextChunk("hi")
	assert.Equal(t, ChunkText, text.Kind)
	assert.Equal(t, "hi", text.Text)

	tc := ToolCallChunk(1, "call_9", "read_file", `{"path":`)
	assert.Equal(t, ChunkToolCall, tc.Kind)
	require.NotNil(t, tc.ToolCall)
	assert.Equal(t, 1, tc.ToolCall.Index)
	assert.Equal(t, "call_9", tc.ToolCall.ID)
	assert.Equal(t, `{"path":`, tc.ToolCall.ArgsFragment)

	done := DoneChunk(StopMaxTokens, &Usage{OutputTokens: 4096})
	assert.Equal(t, ChunkDone, done.Kind)
	assert.Equal(t, StopMaxTokens, done.StopReason)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 4096, done.Usage.OutputTokens)
}
