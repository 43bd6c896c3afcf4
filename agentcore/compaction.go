package agentcore

import (
	"github.com/gyre-dev/gyre/modelstream"
)

// ContextWindowConfig bounds the conversation's effective size. It is set once
// per session, normally from the model catalog, and read every turn.
type ContextWindowConfig struct {
	// Limit is the model's context window in tokens. 0 disables compaction.
	Limit int `json:"limit" mapstructure:"limit"`
	// Threshold is the fraction of Limit at which compaction triggers.
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
	Enabled   bool    `json:"enabled" mapstructure:"enabled"`
}

// DefaultContextWindowConfig derives a config from the model catalog.
func DefaultContextWindowConfig(modelID string) ContextWindowConfig {
	limit := modelstream.ContextWindowFor(modelID)
	return ContextWindowConfig{
		Limit:     limit,
		Threshold: 0.85,
		Enabled:   limit > 0,
	}
}

// ShouldCompact reports whether the usage from the most recent assistant
// message puts the conversation over budget: fresh input plus cache-served
// input measured against limit times threshold.
func (c ContextWindowConfig) ShouldCompact(usage *modelstream.Usage) bool {
	if !c.Enabled || c.Limit <= 0 || c.Threshold <= 0 || usage == nil {
		return false
	}
	current := usage.ContextSize()
	return float64(current) >= float64(c.Limit)*c.Threshold
}

// compactionPrompt asks the model for a complete handoff summary. Tool use is
// disabled for this request so the reply is pure text.
const compactionPrompt = `Context is nearly full. Write a complete progress summary of this conversation so work can continue from it alone.

Include: the original task and constraints, what has been done so far, relevant file paths and their current state, decisions made and why, and the concrete next steps. Do not use any tools in this reply.`

// compactionMessage builds the history entry that becomes the new lower bound
// of the active slice.
func compactionMessage(sequence int, summary string, archived, sizeBefore int) modelstream.Message {
	return modelstream.Message{
		Role: modelstream.RoleUser,
		Content: []modelstream.ContentBlock{
			modelstream.CompactionBlock(modelstream.CompactionData{
				Sequence:          sequence,
				Summary:           summary,
				MessagesArchived:  archived,
				ContextSizeBefore: sizeBefore,
			}),
		},
	}
}
