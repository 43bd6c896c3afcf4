package agentcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gyre-dev/gyre/logging"
	"github.com/gyre-dev/gyre/modelstream"
	"github.com/gyre-dev/gyre/toolsyntax"
)

// Streamer is the provider surface the loop consumes. *modelstream.Client
// satisfies it; tests plug in scripted fakes.
type Streamer interface {
	Stream(ctx context.Context, req modelstream.Request) (<-chan modelstream.StreamingChunk, error)
}

// State is the loop's current phase, exposed for introspection.
type State string

const (
	StateIdle         State = "idle"
	StateRequestBuilt State = "request_built"
	StateStreaming    State = "streaming"
	StateToolDispatch State = "tool_dispatch"
	StateCompacting   State = "compacting"
	StateTerminal     State = "terminal"
)

// StopReason is the terminal outcome of one Run call. Cancelled is a normal
// outcome, never surfaced as an error.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
	StopError           StopReason = "error"
)

// TurnResult summarizes a completed Run.
type TurnResult struct {
	StopReason StopReason
	FinalText  string
	Requests   int
	Err        error
}

// Config holds per-session loop configuration.
type Config struct {
	Model        string             `mapstructure:"model"`
	Provider     string             `mapstructure:"provider"`
	SystemPrompt string             `mapstructure:"system_prompt"`
	Syntax       toolsyntax.Syntax  `mapstructure:"syntax"`
	MaxTokens    int                `mapstructure:"max_tokens"`
	// MaxTurnRequests caps provider requests per Run call.
	MaxTurnRequests     int                     `mapstructure:"max_turn_requests"`
	Window              ContextWindowConfig     `mapstructure:"window"`
	Retry               modelstream.RetryPolicy `mapstructure:"retry"`
	EnableLoopDetection bool                    `mapstructure:"enable_loop_detection"`
	LoopDetectionWindow int                     `mapstructure:"loop_detection_window"`
	ToolOutputLimits    map[string]int          `mapstructure:"tool_output_limits"`
	ToolLineLimits      map[string]int          `mapstructure:"tool_line_limits"`
	MaxParallelAgents   int                     `mapstructure:"max_parallel_agents"`
	EventBuffer         int                     `mapstructure:"event_buffer"`
}

// DefaultConfig returns sensible defaults for a model, deriving the context
// window from the catalog.
func DefaultConfig(model string) Config {
	return Config{
		Model:               model,
		Syntax:              toolsyntax.SyntaxNative,
		MaxTurnRequests:     50,
		Window:              DefaultContextWindowConfig(model),
		Retry:               modelstream.DefaultRetryPolicy(),
		EnableLoopDetection: true,
		LoopDetectionWindow: 10,
		MaxParallelAgents:   4,
		EventBuffer:         256,
	}
}

// Loop drives one agent session. It exclusively owns its history; observers
// receive one-way events and can request cancellation, nothing else.
type Loop struct {
	id         string
	client     Streamer
	config     Config
	history    *History
	registry   *Registry
	scope      Scope
	emitter    *Emitter
	dispatcher *Dispatcher
	log        *logging.Logger

	cancelled atomic.Bool

	mu            sync.Mutex
	state         State
	cancelRun     context.CancelFunc
	steeringQueue []string
	followupQueue []string
}

// Option configures a Loop.
type Option func(*loopOptions)

type loopOptions struct {
	scope    Scope
	store    Store
	mediator PermissionMediator
	logger   *logging.Logger
}

// WithScope sets the tool scope (default ScopeDefault).
func WithScope(scope Scope) Option {
	return func(o *loopOptions) { o.scope = scope }
}

// WithStore sets the persistence collaborator.
func WithStore(store Store) Option {
	return func(o *loopOptions) { o.store = store }
}

// WithMediator sets the permission mediator (default allow-all).
func WithMediator(m PermissionMediator) Option {
	return func(o *loopOptions) { o.mediator = m }
}

// WithLogger sets the structured logger.
func WithLogger(log *logging.Logger) Option {
	return func(o *loopOptions) { o.logger = log }
}

// NewLoop creates a loop over the given provider client and tool registry.
func NewLoop(client Streamer, registry *Registry, config Config, opts ...Option) *Loop {
	o := loopOptions{scope: ScopeDefault}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}

	id := uuid.NewString()
	emitter := NewEmitter(id, config.EventBuffer)
	history := NewHistory(o.store)
	log := o.logger.WithSessionID(id)

	dispatcher := NewDispatcher(registry, o.scope, o.mediator, emitter, history, log)
	dispatcher.SetOutputLimits(config.ToolOutputLimits, config.ToolLineLimits)
	dispatcher.SetMaxParallel(config.MaxParallelAgents)

	return &Loop{
		id:         id,
		client:     client,
		config:     config,
		history:    history,
		registry:   registry,
		scope:      o.scope,
		emitter:    emitter,
		dispatcher: dispatcher,
		log:        log,
		state:      StateIdle,
	}
}

// ID returns the session identifier.
func (l *Loop) ID() string { return l.id }

// History returns the loop's history.
func (l *Loop) History() *History { return l.history }

// Events returns the observer event channel.
func (l *Loop) Events() <-chan UiEvent { return l.emitter.Events() }

// State returns the loop's current phase.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Cancel requests cooperative cancellation. The loop observes it before the
// next request, between streamed chunks, and around tool dispatch, so latency
// is at most one checkpoint, never instantaneous preemption.
func (l *Loop) Cancel() {
	l.cancelled.Store(true)
	l.mu.Lock()
	if l.cancelRun != nil {
		l.cancelRun()
	}
	l.mu.Unlock()
}

// Steer queues a message injected into history after the current tool round.
func (l *Loop) Steer(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steeringQueue = append(l.steeringQueue, message)
}

// FollowUp queues an input processed after the current one completes.
func (l *Loop) FollowUp(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.followupQueue = append(l.followupQueue, message)
}

// Close shuts the loop's event channel.
func (l *Loop) Close() {
	l.setState(StateTerminal)
	l.emitter.Close()
}

var errCancelled = errors.New("cancelled")

// Run processes one user input through the agent loop until a terminal state.
func (l *Loop) Run(ctx context.Context, userInput string) TurnResult {
	l.cancelled.Store(false)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.cancelRun = cancel
	l.mu.Unlock()

	l.emitter.Emit(EventTurnStart, map[string]any{"input": userInput})

	if err := l.history.Append(modelstream.UserMessage(userInput)); err != nil {
		return l.terminal(TurnResult{StopReason: StopError, Err: err})
	}
	l.drainSteering()

	requests := 0
	var finalText string

	for {
		if l.isCancelled(runCtx) {
			return l.terminal(TurnResult{StopReason: StopCancelled, Requests: requests, FinalText: finalText})
		}

		if l.config.Window.ShouldCompact(l.history.LastAssistantUsage()) {
			if err := l.compact(runCtx); err != nil {
				if errors.Is(err, errCancelled) || l.isCancelled(runCtx) {
					return l.terminal(TurnResult{StopReason: StopCancelled, Requests: requests})
				}
				return l.terminal(TurnResult{StopReason: StopError, Requests: requests, Err: err})
			}
			continue
		}

		if requests >= l.config.MaxTurnRequests {
			l.emitter.Emit(EventWarning, map[string]any{"message": "request limit reached for this turn"})
			return l.terminal(TurnResult{StopReason: StopMaxTurnRequests, Requests: requests, FinalText: finalText})
		}
		requests++

		turn, err := l.streamOnce(runCtx)
		if err != nil {
			if errors.Is(err, errCancelled) || l.isCancelled(runCtx) {
				return l.terminal(TurnResult{StopReason: StopCancelled, Requests: requests, FinalText: finalText})
			}
			l.emitter.Emit(EventError, map[string]any{"error": err.Error()})
			return l.terminal(TurnResult{StopReason: StopError, Requests: requests, Err: err})
		}

		if err := l.history.Append(l.assembleAssistant(turn)); err != nil {
			return l.terminal(TurnResult{StopReason: StopError, Requests: requests, Err: err})
		}
		finalText = turn.text

		if turn.parseErr != nil {
			// Malformed tool block: show the grammar error to the model as a
			// tool-result-shaped message and let it retry.
			l.log.WithError(turn.parseErr).Warn("tool block parse failure")
			errMsg := fmt.Sprintf("Tool invocation could not be parsed: %v. Re-emit the tool call using the documented format.", turn.parseErr)
			if err := l.history.Append(modelstream.UserMessage(errMsg)); err != nil {
				return l.terminal(TurnResult{StopReason: StopError, Requests: requests, Err: err})
			}
			continue
		}

		switch turn.stop {
		case modelstream.StopMaxTokens:
			return l.terminal(TurnResult{StopReason: StopMaxTokens, Requests: requests, FinalText: finalText})
		case modelstream.StopRefusal:
			return l.terminal(TurnResult{StopReason: StopRefusal, Requests: requests, FinalText: finalText})
		}

		if len(turn.requests) == 0 {
			if next, ok := l.nextFollowup(); ok {
				if err := l.history.Append(modelstream.UserMessage(next)); err != nil {
					return l.terminal(TurnResult{StopReason: StopError, Requests: requests, Err: err})
				}
				continue
			}
			return l.terminal(TurnResult{StopReason: StopEndTurn, Requests: requests, FinalText: finalText})
		}

		l.setState(StateToolDispatch)
		blocks, dispatchCancelled := l.dispatcher.Dispatch(runCtx, turn.requests)
		if err := l.history.Append(modelstream.Message{Role: modelstream.RoleUser, Content: blocks}); err != nil {
			return l.terminal(TurnResult{StopReason: StopError, Requests: requests, Err: err})
		}
		if dispatchCancelled {
			return l.terminal(TurnResult{StopReason: StopCancelled, Requests: requests, FinalText: finalText})
		}

		l.drainSteering()
		l.checkForLoops()
	}
}

func (l *Loop) isCancelled(ctx context.Context) bool {
	return l.cancelled.Load() || ctx.Err() != nil
}

func (l *Loop) terminal(res TurnResult) TurnResult {
	l.setState(StateTerminal)
	l.emitter.Emit(EventTurnEnd, map[string]any{
		"stop_reason": string(res.StopReason),
		"requests":    res.Requests,
	})
	l.setState(StateIdle)
	return res
}

func (l *Loop) nextFollowup() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.followupQueue) == 0 {
		return "", false
	}
	next := l.followupQueue[0]
	l.followupQueue = l.followupQueue[1:]
	return next, true
}

func (l *Loop) drainSteering() {
	l.mu.Lock()
	messages := make([]string, len(l.steeringQueue))
	copy(messages, l.steeringQueue)
	l.steeringQueue = l.steeringQueue[:0]
	l.mu.Unlock()

	for _, msg := range messages {
		if err := l.history.Append(modelstream.UserMessage(msg)); err != nil {
			l.log.WithError(err).Warn("steering append failed")
			return
		}
		l.emitter.Emit(EventSteeringInjected, map[string]any{"content": msg})
	}
}

func (l *Loop) checkForLoops() {
	if !l.config.EnableLoopDetection {
		return
	}
	window := l.config.LoopDetectionWindow
	if window <= 0 {
		window = 10
	}
	if !DetectLoop(l.history.Messages(), window) {
		return
	}
	warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", window)
	if err := l.history.Append(modelstream.UserMessage(warning)); err != nil {
		return
	}
	l.emitter.Emit(EventLoopDetection, map[string]any{"message": warning})
}

// turnOutcome is the digest of one streamed provider response.
type turnOutcome struct {
	text     string
	thinking string
	requests []toolsyntax.ToolRequest
	parseErr error
	stop     modelstream.StopReason
	usage    *modelstream.Usage
}

// streamOnce sends one request and consumes the reply through a fresh parser,
// retrying on rate limits. Each retry starts from clean parser state; partial
// output from an aborted attempt is discarded.
func (l *Loop) streamOnce(ctx context.Context) (turnOutcome, error) {
	l.setState(StateRequestBuilt)
	req := l.buildRequest()

	return modelstream.Retry(ctx, l.config.Retry, func(ctx context.Context) (turnOutcome, error) {
		return l.doStream(ctx, req)
	})
}

func (l *Loop) buildRequest() modelstream.Request {
	req := modelstream.Request{
		Model:     l.config.Model,
		System:    l.config.SystemPrompt,
		Messages:  l.history.ActiveSlice(),
		MaxTokens: l.config.MaxTokens,
		Provider:  l.config.Provider,
	}
	if l.config.Syntax == toolsyntax.SyntaxNative {
		req.Tools = l.registry.DefinitionsFor(l.scope)
	}
	return req
}

func (l *Loop) doStream(ctx context.Context, req modelstream.Request) (turnOutcome, error) {
	parser, err := toolsyntax.NewParser(l.config.Syntax)
	if err != nil {
		return turnOutcome{}, err
	}

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	ch, err := l.client.Stream(streamCtx, req)
	if err != nil {
		return turnOutcome{}, err
	}
	l.setState(StateStreaming)

	var out turnOutcome
	var text, thinking strings.Builder
	out.stop = modelstream.StopEndTurn

	for chunk := range ch {
		if l.cancelled.Load() {
			stopStream()
			return turnOutcome{}, errCancelled
		}
		if chunk.Err != nil {
			return turnOutcome{}, chunk.Err
		}

		switch chunk.Kind {
		case modelstream.ChunkText:
			text.WriteString(chunk.Text)
		case modelstream.ChunkReasoning:
			thinking.WriteString(chunk.Reasoning)
		case modelstream.ChunkRateLimit:
			// Abandon this attempt; the retry policy waits and re-sends.
			stopStream()
			return turnOutcome{}, midStreamRateLimit(chunk.RetryAfter)
		case modelstream.ChunkUsage, modelstream.ChunkDone:
			if chunk.Usage != nil {
				out.usage = chunk.Usage
			}
			if chunk.Kind == modelstream.ChunkDone && chunk.StopReason != "" {
				out.stop = chunk.StopReason
			}
		}

		frags, perr := parser.ProcessChunk(chunk)
		for _, f := range frags {
			l.emitter.EmitFragment(f)
		}
		if errors.Is(perr, toolsyntax.ErrToolLimit) {
			// Single-tool policy: stop consuming; the first request stands.
			stopStream()
			break
		}
	}

	if l.cancelled.Load() {
		return turnOutcome{}, errCancelled
	}

	out.text = text.String()
	out.thinking = thinking.String()

	reqs, perr := parser.Finalize()
	if perr != nil {
		var parseErr *toolsyntax.ParseError
		if errors.As(perr, &parseErr) {
			out.parseErr = parseErr
			return out, nil
		}
		return turnOutcome{}, perr
	}
	out.requests = reqs
	return out, nil
}

// assembleAssistant builds the history entry for a completed reply: thinking,
// text, and the realized tool use (if any), plus reported usage.
func (l *Loop) assembleAssistant(turn turnOutcome) modelstream.Message {
	var blocks []modelstream.ContentBlock
	if turn.thinking != "" {
		blocks = append(blocks, modelstream.ThinkingBlock(turn.thinking))
	}
	if turn.text != "" {
		blocks = append(blocks, modelstream.TextBlock(turn.text))
	}
	for _, req := range turn.requests {
		input, err := json.Marshal(req.Input)
		if err != nil {
			l.log.WithError(err).Warn("tool input encode failed", zap.String("tool", req.Name))
			input = []byte("{}")
		}
		blocks = append(blocks, modelstream.ToolUseBlock(req.ID, req.Name, input))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, modelstream.TextBlock(""))
	}
	return modelstream.Message{
		Role:    modelstream.RoleAssistant,
		Content: blocks,
		Usage:   turn.usage,
	}
}

// compact asks the model for a progress summary over the current active slice
// and appends the compaction marker that becomes the slice's new lower bound.
// Nothing is deleted from the full history.
func (l *Loop) compact(ctx context.Context) error {
	l.setState(StateCompacting)
	sizeBefore := 0
	if u := l.history.LastAssistantUsage(); u != nil {
		sizeBefore = u.ContextSize()
	}
	archived := len(l.history.ActiveSlice())
	l.emitter.Emit(EventCompactionStart, map[string]any{"context_size": sizeBefore})

	req := modelstream.Request{
		Model:     l.config.Model,
		System:    l.config.SystemPrompt,
		Messages:  append(l.history.ActiveSlice(), modelstream.UserMessage(compactionPrompt)),
		MaxTokens: l.config.MaxTokens,
		Provider:  l.config.Provider,
		// No tools: the summary reply must be pure text.
	}

	summary, err := modelstream.Retry(ctx, l.config.Retry, func(ctx context.Context) (string, error) {
		return l.streamSummary(ctx, req)
	})
	if err != nil {
		if errors.Is(err, errCancelled) {
			return errCancelled
		}
		return fmt.Errorf("compaction stream: %w", err)
	}

	sequence := l.history.CompactionCount() + 1
	msg := compactionMessage(sequence, summary, archived, sizeBefore)
	if err := l.history.Append(msg); err != nil {
		return err
	}

	l.emitter.EmitFragment(toolsyntax.CompactionFragment(sequence))
	l.emitter.Emit(EventCompactionEnd, map[string]any{
		"sequence":          sequence,
		"messages_archived": archived,
	})
	l.log.Info("context compacted",
		zap.Int("sequence", sequence),
		zap.Int("messages_archived", archived),
		zap.Int("context_size_before", sizeBefore))
	return nil
}

// streamSummary consumes one summary reply. Rate limits abort the attempt the
// same way they do on the main path, so the retry policy governs both.
func (l *Loop) streamSummary(ctx context.Context, req modelstream.Request) (string, error) {
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	ch, err := l.client.Stream(streamCtx, req)
	if err != nil {
		return "", err
	}

	var summary strings.Builder
	for chunk := range ch {
		if l.cancelled.Load() {
			return "", errCancelled
		}
		if chunk.Err != nil {
			return "", chunk.Err
		}
		switch chunk.Kind {
		case modelstream.ChunkText:
			summary.WriteString(chunk.Text)
		case modelstream.ChunkRateLimit:
			stopStream()
			return "", midStreamRateLimit(chunk.RetryAfter)
		}
	}
	if l.cancelled.Load() {
		return "", errCancelled
	}
	return summary.String(), nil
}

func midStreamRateLimit(retryAfter *float64) error {
	return &modelstream.RateLimitError{
		ProviderError: modelstream.ProviderError{
			StreamError: modelstream.StreamError{Message: "rate limited mid-stream"},
			StatusCode:  429,
			Retryable:   true,
			RetryAfter:  retryAfter,
		},
	}
}
