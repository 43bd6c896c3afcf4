package agentcore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/gyre-dev/gyre/modelstream"
	"github.com/gyre-dev/gyre/toolsyntax"
)

// ToolExecution pairs a tool request with its result, so completed turns can
// be re-rendered without re-running tools.
type ToolExecution struct {
	Request   toolsyntax.ToolRequest `json:"request"`
	Content   string                 `json:"content"`
	IsError   bool                   `json:"is_error"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
}

// Store is the persistence collaborator: append-only writes of messages and
// tool executions. The core never deletes or reorders persisted entries.
type Store interface {
	AppendMessage(msg modelstream.Message) error
	AppendExecution(exec ToolExecution) error
}

// History is the append-only conversation log owned by one Loop. Messages are
// never mutated once appended, with a single sanctioned exception: input
// reconciliation of a recorded tool use (see ReconcileToolInput).
type History struct {
	mu         sync.Mutex
	messages   []modelstream.Message
	executions []ToolExecution
	store      Store
}

// NewHistory creates an empty history. store may be nil.
func NewHistory(store Store) *History {
	return &History{store: store}
}

// Append adds a message to the history and persists it.
func (h *History) Append(msg modelstream.Message) error {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	if h.store != nil {
		if err := h.store.AppendMessage(msg); err != nil {
			return fmt.Errorf("persist message: %w", err)
		}
	}
	return nil
}

// RecordExecution logs a completed tool execution and persists it.
func (h *History) RecordExecution(exec ToolExecution) error {
	h.mu.Lock()
	h.executions = append(h.executions, exec)
	h.mu.Unlock()
	if h.store != nil {
		if err := h.store.AppendExecution(exec); err != nil {
			return fmt.Errorf("persist execution: %w", err)
		}
	}
	return nil
}

// Messages returns a copy of the full message log.
func (h *History) Messages() []modelstream.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]modelstream.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Executions returns a copy of the tool execution log.
func (h *History) Executions() []ToolExecution {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ToolExecution, len(h.executions))
	copy(out, h.executions)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// ActiveSlice returns the suffix of the message log starting at the most
// recent compaction marker, or the whole log if none exists. This is the view
// sent to the provider; the full log is always retained.
func (h *History) ActiveSlice() []modelstream.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].CompactionMarker() != nil {
			start = i
			break
		}
	}
	out := make([]modelstream.Message, len(h.messages)-start)
	copy(out, h.messages[start:])
	return out
}

// LastAssistantUsage returns the usage reported by the most recent assistant
// message within the active slice, or nil if none. The walk stops at a
// compaction marker so a just-compacted conversation does not re-trigger
// compaction off stale usage.
func (h *History) LastAssistantUsage() *modelstream.Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.messages) - 1; i >= 0; i-- {
		m := h.messages[i]
		if m.CompactionMarker() != nil {
			return nil
		}
		if m.Role == modelstream.RoleAssistant && m.Usage != nil {
			u := *m.Usage
			return &u
		}
	}
	return nil
}

// CompactionCount returns the number of compaction markers in the log.
func (h *History) CompactionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, m := range h.messages {
		if m.CompactionMarker() != nil {
			count++
		}
	}
	return count
}

// ReconcileToolInput rewrites the recorded input of the tool use identified by
// toolUseID so the assistant's recorded intent matches what the tool actually
// did (e.g. after a formatter normalized written content). Each revised key is
// set individually; keys absent from revised are left untouched.
func (h *History) ReconcileToolInput(toolUseID string, revised map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.messages) - 1; i >= 0; i-- {
		for j, b := range h.messages[i].Content {
			if b.Kind != modelstream.BlockToolUse || b.ToolUse == nil || b.ToolUse.ID != toolUseID {
				continue
			}
			raw := []byte(b.ToolUse.Input)
			if len(raw) == 0 {
				raw = []byte("{}")
			}
			var err error
			for key, val := range revised {
				raw, err = sjson.SetBytes(raw, key, val)
				if err != nil {
					return fmt.Errorf("reconcile input for tool use %s: %w", toolUseID, err)
				}
			}
			h.messages[i].Content[j].ToolUse.Input = json.RawMessage(raw)
			return nil
		}
	}
	return fmt.Errorf("tool use %s not found in history", toolUseID)
}
