package agentcore

import (
	"sync"
	"time"

	"github.com/gyre-dev/gyre/toolsyntax"
)

// EventKind identifies the type of UI event.
type EventKind string

const (
	EventTurnStart        EventKind = "turn_start"
	EventTurnEnd          EventKind = "turn_end"
	EventFragment         EventKind = "fragment"
	EventToolCallStart    EventKind = "tool_call_start"
	EventToolCallEnd      EventKind = "tool_call_end"
	EventSubAgentProgress EventKind = "subagent_progress"
	EventCompactionStart  EventKind = "compaction_start"
	EventCompactionEnd    EventKind = "compaction_end"
	EventSteeringInjected EventKind = "steering_injected"
	EventLoopDetection    EventKind = "loop_detection"
	EventWarning          EventKind = "warning"
	EventError            EventKind = "error"
)

// UiEvent is a discrete notification emitted by the loop for live rendering.
// Fragment events carry the incremental display fragment; the remaining kinds
// carry a small data map.
type UiEvent struct {
	Kind      EventKind           `json:"kind"`
	Timestamp time.Time           `json:"timestamp"`
	SessionID string              `json:"session_id"`
	Fragment  *toolsyntax.Fragment `json:"fragment,omitempty"`
	Data      map[string]any      `json:"data,omitempty"`
}

// Emitter delivers UiEvents to the host application over a buffered channel.
// The loop never blocks on a slow observer: when the buffer is full the event
// is dropped.
type Emitter struct {
	sessionID string
	ch        chan UiEvent
	closed    bool
	mu        sync.Mutex
}

// NewEmitter creates an Emitter with the given buffer size.
func NewEmitter(sessionID string, bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Emitter{
		sessionID: sessionID,
		ch:        make(chan UiEvent, bufferSize),
	}
}

// Emit sends a data event. Dropped silently if the emitter is closed or full.
func (e *Emitter) Emit(kind EventKind, data map[string]any) {
	e.send(UiEvent{Kind: kind, Data: data})
}

// EmitFragment sends a display fragment event.
func (e *Emitter) EmitFragment(frag toolsyntax.Fragment) {
	e.send(UiEvent{Kind: EventFragment, Fragment: &frag})
}

func (e *Emitter) send(event UiEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event.Timestamp = time.Now()
	event.SessionID = e.sessionID
	select {
	case e.ch <- event:
	default:
	}
}

// Events returns the read-only event channel.
func (e *Emitter) Events() <-chan UiEvent {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
