package modelstream

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// AnthropicAdapter streams through the Anthropic Messages API.
type AnthropicAdapter struct {
	client    *anthropic.Client
	maxTokens int64
}

// AnthropicOption configures an AnthropicAdapter.
type AnthropicOption func(*anthropicConfig)

type anthropicConfig struct {
	apiKey    string
	maxTokens int64
}

// WithAnthropicAPIKey sets the API key (otherwise read from the environment).
func WithAnthropicAPIKey(key string) AnthropicOption {
	return func(c *anthropicConfig) { c.apiKey = key }
}

// WithAnthropicMaxTokens sets the default max output tokens.
func WithAnthropicMaxTokens(n int64) AnthropicOption {
	return func(c *anthropicConfig) { c.maxTokens = n }
}

// NewAnthropicAdapter creates an adapter over the official Anthropic client.
func NewAnthropicAdapter(opts ...AnthropicOption) *AnthropicAdapter {
	cfg := anthropicConfig{maxTokens: 8192}
	for _, opt := range opts {
		opt(&cfg)
	}

	var clientOpts []option.RequestOption
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &AnthropicAdapter{client: &client, maxTokens: cfg.maxTokens}
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Stream sends the request and translates the SDK's event stream into chunks.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamingChunk, error) {
	params := a.buildParams(req)

	stream := a.client.Messages.NewStreaming(ctx, params)
	ch := make(chan StreamingChunk, 64)

	go func() {
		defer close(ch)

		usage := Usage{}
		stopReason := StopEndTurn
		toolIndex := -1

		emit := func(c StreamingChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)
				usage.CachedInputTokens = int(ev.Message.Usage.CacheReadInputTokens)

			case anthropic.ContentBlockStartEvent:
				if blk, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					toolIndex++
					if !emit(ToolCallChunk(toolIndex, blk.ID, blk.Name, "")) {
						return
					}
				}

			case anthropic.ContentBlockDeltaEvent:
				switch d := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if !emit(TextChunk(d.Text)) {
						return
					}
				case anthropic.InputJSONDelta:
					if toolIndex >= 0 && d.PartialJSON != "" {
						if !emit(ToolCallChunk(toolIndex, "", "", d.PartialJSON)) {
							return
						}
					}
				case anthropic.ThinkingDelta:
					if !emit(StreamingChunk{Kind: ChunkReasoning, Reasoning: d.Thinking}) {
						return
					}
				}

			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(ev.Usage.OutputTokens)
				switch ev.Delta.StopReason {
				case "max_tokens":
					stopReason = StopMaxTokens
				case "tool_use":
					stopReason = StopToolUse
				case "refusal":
					stopReason = StopRefusal
				}
			}
		}

		if err := stream.Err(); err != nil {
			emit(StreamingChunk{Kind: ChunkDone, Err: a.translateError(err)})
			return
		}

		emit(DoneChunk(stopReason, &usage))
	}()

	return ch, nil
}

// buildParams converts a unified Request into Anthropic message params.
func (a *AnthropicAdapter) buildParams(req Request) anthropic.MessageNewParams {
	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	return params
}

func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch b.Kind {
			case BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case BlockToolUse:
				var input any
				if err := json.Unmarshal(b.ToolUse.Input, &input); err != nil {
					input = string(b.ToolUse.Input)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUse.ID, input, b.ToolUse.Name))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(
					b.ToolResult.ToolUseID, b.ToolResult.Content, b.ToolResult.IsError))
			case BlockCompaction:
				// Compaction markers travel as plain text summaries.
				blocks = append(blocks, anthropic.NewTextBlock(b.Compaction.Summary))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func buildAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if tool.Parameters != nil {
			if properties, ok := tool.Parameters["properties"]; ok {
				schema.Properties = properties
			}
			if required, ok := tool.Parameters["required"]; ok {
				switch req := required.(type) {
				case []string:
					schema.Required = req
				case []any:
					for _, r := range req {
						if s, ok := r.(string); ok {
							schema.Required = append(schema.Required, s)
						}
					}
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, tool.Name)
	}
	return out
}

// translateError converts SDK errors into the unified taxonomy.
func (a *AnthropicAdapter) translateError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return ErrorFromStatusCode(apierr.StatusCode, apierr.Error(), "anthropic", nil)
	}
	return &NetworkError{StreamError: StreamError{Message: "anthropic stream failed", Cause: err}}
}
