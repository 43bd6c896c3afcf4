package modelstream

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance behind the chunk contract. It is
// useful for backends the official SDKs do not cover; when the backend cannot
// stream, the full completion is emitted as a single text delta.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmOption configures a GollmAdapter.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
}

// WithGollmAPIKey sets the API key for the adapter.
func WithGollmAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithGollmModel sets the default model for the adapter.
func WithGollmModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// NewGollmAdapter creates a GollmAdapter for the given provider. If apiKey is
// empty, gollm reads it from the environment.
func NewGollmAdapter(provider string, opts ...GollmOption) (*GollmAdapter, error) {
	cfg := gollmConfig{maxTokens: 8192, temperature: 0.7}
	for _, opt := range opts {
		opt(&cfg)
	}

	model := cfg.model
	if model == "" {
		if infos := ListModels(provider); len(infos) > 0 {
			model = infos[0].ID
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries are handled by the retry policy
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm backend for %s: %w", provider, err)
	}

	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string { return a.provider }

// Stream sends the request. Token streaming is used when the backend supports
// it; otherwise a blocking generation is emitted as one delta.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamingChunk, error) {
	prompt := a.translateRequest(req)
	ch := make(chan StreamingChunk, 64)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamingChunk{Kind: ChunkDone, Err: a.translateError(err)}
				return
			}
			ch <- TextChunk(text)
			ch <- DoneChunk(StopEndTurn, &Usage{
				InputTokens:  estimateRequestTokens(req),
				OutputTokens: len(text) / 4,
			})
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		outputChars := 0
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamingChunk{Kind: ChunkDone, Err: a.translateError(err)}
				return
			}
			if token == nil {
				continue
			}
			outputChars += len(token.Text)
			select {
			case ch <- TextChunk(token.Text):
			case <-ctx.Done():
				return
			}
		}

		ch <- DoneChunk(StopEndTurn, &Usage{
			InputTokens:  estimateRequestTokens(req),
			OutputTokens: outputChars / 4,
		})
	}()

	return ch, nil
}

// translateRequest flattens the message history into a gollm prompt. gollm's
// prompt model is single-shot, so assistant turns and tool results are
// inlined as labelled context.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var parts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, text)
			}
			for _, b := range msg.Content {
				if b.Kind == BlockToolResult {
					prefix := "[Tool Result]"
					if b.ToolResult.IsError {
						prefix = "[Tool Error]"
					}
					parts = append(parts, prefix+": "+b.ToolResult.Content)
				}
				if b.Kind == BlockCompaction {
					parts = append(parts, "[Summary]: "+b.Compaction.Summary)
				}
			}
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if req.System != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(req.System, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		promptOpts = append(promptOpts, gollm.WithMaxLength(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// translateError classifies gollm errors by message content, since gollm does
// not expose structured error types.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return ErrorFromStatusCode(401, msg, a.provider, nil)
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return ErrorFromStatusCode(429, msg, a.provider, nil)
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return ErrorFromStatusCode(413, msg, a.provider, nil)
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		return ErrorFromStatusCode(500, msg, a.provider, nil)
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{StreamError: StreamError{Message: msg, Cause: err}}
	default:
		return &NetworkError{StreamError: StreamError{Message: msg, Cause: err}}
	}
}

func estimateRequestTokens(req Request) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		for _, b := range msg.Content {
			switch b.Kind {
			case BlockText:
				total += len(b.Text) / 4
			case BlockToolResult:
				total += len(b.ToolResult.Content) / 4
			case BlockCompaction:
				total += len(b.Compaction.Summary) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
