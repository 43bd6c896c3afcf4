package modelstream

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind is the discriminator tag for ContentBlock.
type BlockKind string

const (
	BlockText             BlockKind = "text"
	BlockToolUse          BlockKind = "tool_use"
	BlockToolResult       BlockKind = "tool_result"
	BlockThinking         BlockKind = "thinking"
	BlockRedactedThinking BlockKind = "redacted_thinking"
	BlockCompaction       BlockKind = "compaction"
)

// ToolUseData records a model-initiated tool invocation. Input holds the
// structured arguments as canonical JSON.
type ToolUseData struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultData holds the outcome of a tool execution, keyed back to the
// originating ToolUse block.
type ToolResultData struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// ThinkingData holds model reasoning content. Redacted thinking carries only
// summary items plus an opaque provider-signed payload.
type ThinkingData struct {
	Text         string   `json:"text,omitempty"`
	SummaryItems []string `json:"summary_items,omitempty"`
	Opaque       string   `json:"opaque,omitempty"`
}

// CompactionData marks a context compaction point in history. A message whose
// first block is a compaction block is the lower bound of the active slice.
type CompactionData struct {
	Sequence          int    `json:"sequence"`
	Summary           string `json:"summary"`
	MessagesArchived  int    `json:"messages_archived"`
	ContextSizeBefore int    `json:"context_size_before"`
}

// ContentBlock is a tagged union representing one block of a message.
type ContentBlock struct {
	Kind       BlockKind       `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolUse    *ToolUseData    `json:"tool_use,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
	Thinking   *ThinkingData   `json:"thinking,omitempty"`
	Compaction *CompactionData `json:"compaction,omitempty"`
}

// TextBlock creates a text ContentBlock.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// ToolUseBlock creates a tool use ContentBlock.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{
		Kind:    BlockToolUse,
		ToolUse: &ToolUseData{ID: id, Name: name, Input: input},
	}
}

// ToolResultBlock creates a tool result ContentBlock.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{
		Kind:       BlockToolResult,
		ToolResult: &ToolResultData{ToolUseID: toolUseID, Content: content, IsError: isError},
	}
}

// ThinkingBlock creates a thinking ContentBlock.
func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockThinking, Thinking: &ThinkingData{Text: text}}
}

// CompactionBlock creates a compaction marker ContentBlock.
func CompactionBlock(data CompactionData) ContentBlock {
	return ContentBlock{Kind: BlockCompaction, Compaction: &data}
}

// Usage tracks token consumption reported by the provider for one request.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
}

// Add returns the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:       u.InputTokens + other.InputTokens,
		OutputTokens:      u.OutputTokens + other.OutputTokens,
		CachedInputTokens: u.CachedInputTokens + other.CachedInputTokens,
	}
}

// ContextSize is the effective context occupancy this usage reports: fresh
// input plus cache-served input.
func (u Usage) ContextSize() int {
	return u.InputTokens + u.CachedInputTokens
}

// Message is the fundamental unit of conversation history. Once appended to a
// history it is never mutated; corrections are new messages.
type Message struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Usage     *Usage         `json:"usage,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// UserMessage creates a user Message with a single text block.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage creates an assistant Message with a single text block.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}

// TextContent returns the concatenation of all text blocks.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns all tool use blocks in order.
func (m Message) ToolUses() []ToolUseData {
	var uses []ToolUseData
	for _, b := range m.Content {
		if b.Kind == BlockToolUse && b.ToolUse != nil {
			uses = append(uses, *b.ToolUse)
		}
	}
	return uses
}

// CompactionMarker returns the compaction data if the message opens with a
// compaction block, or nil.
func (m Message) CompactionMarker() *CompactionData {
	if len(m.Content) > 0 && m.Content[0].Kind == BlockCompaction {
		return m.Content[0].Compaction
	}
	return nil
}

// StopReason describes why a stream terminated, as reported by the provider.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopRefusal   StopReason = "refusal"
)

// ChunkKind identifies the kind of StreamingChunk.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text_delta"
	ChunkToolCall  ChunkKind = "tool_call_delta"
	ChunkReasoning ChunkKind = "reasoning_delta"
	ChunkUsage     ChunkKind = "usage"
	ChunkRateLimit ChunkKind = "rate_limit"
	ChunkDone      ChunkKind = "done"
)

// ToolCallDelta is an incremental fragment of a structured tool call. The
// first delta for a call carries the name; subsequent deltas append argument
// JSON fragments.
type ToolCallDelta struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	ArgsFragment string `json:"args_fragment,omitempty"`
	Index        int    `json:"index"`
}

// StreamingChunk is the raw unit arriving from a provider stream. It is the
// parser's only input.
type StreamingChunk struct {
	Kind       ChunkKind      `json:"kind"`
	Text       string         `json:"text,omitempty"`
	ToolCall   *ToolCallDelta `json:"tool_call,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	RetryAfter *float64       `json:"retry_after,omitempty"`
	StopReason StopReason     `json:"stop_reason,omitempty"`
	Err        error          `json:"-"`
}

// TextChunk creates a text delta chunk.
func TextChunk(text string) StreamingChunk {
	return StreamingChunk{Kind: ChunkText, Text: text}
}

// ToolCallChunk creates a tool-call delta chunk.
func ToolCallChunk(index int, id, name, argsFragment string) StreamingChunk {
	return StreamingChunk{Kind: ChunkToolCall, ToolCall: &ToolCallDelta{
		Index: index, ID: id, Name: name, ArgsFragment: argsFragment,
	}}
}

// DoneChunk creates a terminal chunk carrying the final usage.
func DoneChunk(reason StopReason, usage *Usage) StreamingChunk {
	return StreamingChunk{Kind: ChunkDone, StopReason: reason, Usage: usage}
}

// ToolDefinition is the serializable description of a tool sent to the
// provider. Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the input to a provider stream. Messages carries the active
// history slice; System is kept separate because providers disagree on where
// system text lives.
type Request struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	Provider  string           `json:"provider,omitempty"`
}
