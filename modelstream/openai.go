package modelstream

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter streams through the OpenAI chat completions API.
type OpenAIAdapter struct {
	client    *openai.Client
	maxTokens int64
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	apiKey    string
	maxTokens int64
}

// WithOpenAIAPIKey sets the API key (otherwise read from the environment).
func WithOpenAIAPIKey(key string) OpenAIOption {
	return func(c *openaiConfig) { c.apiKey = key }
}

// WithOpenAIMaxTokens sets the default max completion tokens.
func WithOpenAIMaxTokens(n int64) OpenAIOption {
	return func(c *openaiConfig) { c.maxTokens = n }
}

// NewOpenAIAdapter creates an adapter over the official OpenAI client.
func NewOpenAIAdapter(opts ...OpenAIOption) *OpenAIAdapter {
	cfg := openaiConfig{maxTokens: 8192}
	for _, opt := range opts {
		opt(&cfg)
	}

	var clientOpts []option.RequestOption
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAIAdapter{client: &client, maxTokens: cfg.maxTokens}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return "openai" }

// Stream sends the request and translates completion chunks into the unified
// chunk stream. Tool-call argument fragments are forwarded as they arrive;
// the name travels with the first fragment of each indexed call.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamingChunk, error) {
	params := a.buildParams(req)

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan StreamingChunk, 64)

	go func() {
		defer close(ch)

		usage := Usage{}
		stopReason := StopEndTurn
		seen := map[int64]bool{}

		emit := func(c StreamingChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			ck := stream.Current()
			if ck.Usage.TotalTokens > 0 {
				usage.InputTokens = int(ck.Usage.PromptTokens)
				usage.OutputTokens = int(ck.Usage.CompletionTokens)
				usage.CachedInputTokens = int(ck.Usage.PromptTokensDetails.CachedTokens)
			}
			for _, choice := range ck.Choices {
				if choice.Delta.Content != "" {
					if !emit(TextChunk(choice.Delta.Content)) {
						return
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					id, name := "", ""
					if !seen[tc.Index] {
						seen[tc.Index] = true
						id, name = tc.ID, tc.Function.Name
					}
					if !emit(ToolCallChunk(int(tc.Index), id, name, tc.Function.Arguments)) {
						return
					}
				}
				switch choice.FinishReason {
				case "length":
					stopReason = StopMaxTokens
				case "tool_calls":
					stopReason = StopToolUse
				case "content_filter":
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

// buildParams converts a unified Request into OpenAI chat params. Tool result
// blocks become tool-role messages keyed to their call ids.
func (a *OpenAIAdapter) buildParams(req Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			toolCalls := buildOpenAIToolCalls(m)
			if len(toolCalls) == 0 {
				if text := m.TextContent(); text != "" {
					messages = append(messages, openai.AssistantMessage(text))
				}
				continue
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})
		default:
			emitted := false
			for _, b := range m.Content {
				if b.Kind == BlockToolResult {
					messages = append(messages, openai.ToolMessage(b.ToolResult.Content, b.ToolResult.ToolUseID))
					emitted = true
				}
			}
			if text := m.TextContent(); text != "" {
				messages = append(messages, openai.UserMessage(text))
			} else if !emitted {
				if c := m.CompactionMarker(); c != nil {
					messages = append(messages, openai.UserMessage(c.Summary))
				}
			}
		}
	}

	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               openai.ChatModel(req.Model),
		MaxCompletionTokens: openai.Int(maxTokens),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  tool.Parameters,
				},
			}
		}
		params.Tools = tools
	}

	return params
}

func buildOpenAIToolCalls(m Message) []openai.ChatCompletionMessageToolCallParam {
	var calls []openai.ChatCompletionMessageToolCallParam
	for _, b := range m.Content {
		if b.Kind != BlockToolUse || b.ToolUse == nil {
			continue
		}
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   b.ToolUse.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      b.ToolUse.Name,
				Arguments: string(b.ToolUse.Input),
			},
		})
	}
	return calls
}

// translateError converts SDK errors into the unified taxonomy.
func (a *OpenAIAdapter) translateError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return ErrorFromStatusCode(apierr.StatusCode, apierr.Error(), "openai", nil)
	}
	return &NetworkError{StreamError: StreamError{Message: "openai stream failed", Cause: err}}
}
