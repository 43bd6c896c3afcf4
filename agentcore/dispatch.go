package agentcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gyre-dev/gyre/logging"
	"github.com/gyre-dev/gyre/modelstream"
	"github.com/gyre-dev/gyre/toolsyntax"
)

// Dispatcher validates and executes tool requests for one loop instance.
// Batches of read-only sub-agent spawns run concurrently with bounded
// parallelism; every other batch runs sequentially. Results always come back
// in original request order.
type Dispatcher struct {
	registry    *Registry
	scope       Scope
	mediator    PermissionMediator
	grants      *sessionGrants
	emitter     *Emitter
	history     *History
	charLimits  map[string]int
	lineLimits  map[string]int
	maxParallel int
	log         *logging.Logger
}

// NewDispatcher wires a dispatcher to its loop's collaborators.
func NewDispatcher(registry *Registry, scope Scope, mediator PermissionMediator, emitter *Emitter, history *History, log *logging.Logger) *Dispatcher {
	if mediator == nil {
		mediator = AllowAll{}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{
		registry:    registry,
		scope:       scope,
		mediator:    mediator,
		grants:      newSessionGrants(),
		emitter:     emitter,
		history:     history,
		maxParallel: 4,
		log:         log,
	}
}

// SetOutputLimits overrides the per-tool truncation tables.
func (d *Dispatcher) SetOutputLimits(charLimits, lineLimits map[string]int) {
	d.charLimits = charLimits
	d.lineLimits = lineLimits
}

// SetMaxParallel bounds concurrent sub-agent execution.
func (d *Dispatcher) SetMaxParallel(n int) {
	if n > 0 {
		d.maxParallel = n
	}
}

// Dispatch executes a batch of tool requests and returns one tool-result
// block per request, in request order. The second return value reports that a
// cancellation was observed (user cancelled a pending permission prompt or the
// context was cancelled mid-batch).
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []toolsyntax.ToolRequest) ([]modelstream.ContentBlock, bool) {
	results := make([]modelstream.ContentBlock, len(reqs))
	cancelled := false

	if len(reqs) > 1 && d.allReadOnlySpawns(reqs) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.maxParallel)
		cancels := make([]bool, len(reqs))
		for i, req := range reqs {
			g.Go(func() error {
				results[i], cancels[i] = d.executeOne(gctx, req)
				return nil
			})
		}
		_ = g.Wait()
		for _, c := range cancels {
			cancelled = cancelled || c
		}
		return results, cancelled
	}

	for i, req := range reqs {
		if cancelled {
			results[i] = modelstream.ToolResultBlock(req.ID, "Cancelled.", false)
			continue
		}
		results[i], cancelled = d.executeOne(ctx, req)
	}
	return results, cancelled
}

// allReadOnlySpawns reports whether every request is a spawner tool invoked in
// read-only mode. Only such batches are safe to parallelize.
func (d *Dispatcher) allReadOnlySpawns(reqs []toolsyntax.ToolRequest) bool {
	for _, req := range reqs {
		tool := d.registry.Get(req.Name)
		if tool == nil || !tool.Spawner {
			return false
		}
		if mode, ok := req.Input["mode"].(string); ok && mode != "read_only" {
			return false
		}
	}
	return true
}

// executeOne runs the full pipeline for a single request: scope check,
// validation, permission, execution, truncation, reconciliation. Failures come
// back as error-flagged tool results so the model can recover; they never
// abort the turn.
func (d *Dispatcher) executeOne(ctx context.Context, req toolsyntax.ToolRequest) (modelstream.ContentBlock, bool) {
	log := d.log.WithTool(req.Name)
	d.emitter.Emit(EventToolCallStart, map[string]any{
		"tool_name": req.Name,
		"call_id":   req.ID,
	})

	if ctx.Err() != nil {
		return d.finish(req, "Cancelled.", false, nil, time.Now()), true
	}

	started := time.Now()

	tool := d.registry.Get(req.Name)
	if tool == nil {
		return d.finish(req, fmt.Sprintf("Unknown tool: %s", req.Name), true, nil, started), false
	}

	if !tool.AllowedIn(d.scope) {
		msg := fmt.Sprintf("Tool %s is not permitted in scope %s.", req.Name, d.scope)
		log.Warn("scope violation")
		return d.finish(req, msg, true, nil, started), false
	}

	input := req.Input
	if tool.Validate != nil {
		validated, err := tool.Validate(input)
		if err != nil {
			return d.finish(req, fmt.Sprintf("Invalid input for %s: %v", req.Name, err), true, nil, started), false
		}
		input = validated
	}

	if tool.RequiresApproval && !d.grants.has(req.Name) {
		decision, err := d.mediator.Request(ctx, req)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return d.finish(req, "Cancelled.", false, nil, started), true
			}
			return d.finish(req, fmt.Sprintf("Permission request failed: %v", err), true, nil, started), false
		}
		switch decision {
		case DecisionAllowSession:
			d.grants.grant(req.Name)
		case DecisionAllow:
		case DecisionCancelled:
			return d.finish(req, "Cancelled by user.", false, nil, started), true
		default:
			return d.finish(req, fmt.Sprintf("Permission denied for %s.", req.Name), true, nil, started), false
		}
	}

	output, err := tool.Execute(ctx, input, ExecContext{
		SessionID: d.emitter.sessionID,
		Scope:     d.scope,
		Emitter:   d.emitter,
		CallID:    req.ID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return d.finish(req, "Cancelled.", false, nil, started), true
		}
		return d.finish(req, fmt.Sprintf("Tool error (%s): %v", req.Name, err), true, nil, started), false
	}

	content := output.Content
	if !output.IsError {
		content = TruncateToolOutput(content, req.Name, d.charLimits, d.lineLimits)
	}

	return d.finishFull(req, content, output.Content, output.IsError, output.RevisedInput, started), false
}

func (d *Dispatcher) finish(req toolsyntax.ToolRequest, content string, isError bool, revised map[string]any, started time.Time) modelstream.ContentBlock {
	return d.finishFull(req, content, content, isError, revised, started)
}

// finishFull records the execution, reconciles revised input, emits the end
// event, and shapes the tool-result block. The observer event carries the
// untruncated output; only the history block is capped.
func (d *Dispatcher) finishFull(req toolsyntax.ToolRequest, content, display string, isError bool, revised map[string]any, started time.Time) modelstream.ContentBlock {
	if revised != nil && d.history != nil {
		if err := d.history.ReconcileToolInput(req.ID, revised); err != nil {
			d.log.WithTool(req.Name).WithError(err).Warn("input reconciliation failed")
		}
	}

	if d.history != nil {
		exec := ToolExecution{
			Request:   req,
			Content:   content,
			IsError:   isError,
			StartedAt: started,
			Duration:  time.Since(started),
		}
		if err := d.history.RecordExecution(exec); err != nil {
			d.log.WithTool(req.Name).WithError(err).Warn("execution log write failed")
		}
	}

	d.emitter.Emit(EventToolCallEnd, map[string]any{
		"call_id":  req.ID,
		"is_error": isError,
		"output":   display,
	})

	return modelstream.ToolResultBlock(req.ID, content, isError)
}
