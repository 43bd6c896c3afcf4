package toolsyntax

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gyre-dev/gyre/modelstream"
)

// Syntax selects one of the interchangeable tool-invocation grammars.
type Syntax string

const (
	// SyntaxNative passes through structured tool-call deltas from providers
	// that support tool calling natively.
	SyntaxNative Syntax = "native"
	// SyntaxTagged parses <tool name="...">...</tool> blocks from plain text.
	SyntaxTagged Syntax = "tagged"
	// SyntaxFenced parses ```tool NAME ... ``` blocks from plain text.
	SyntaxFenced Syntax = "fenced"
)

// ToolRequest is a finalized, structured tool invocation extracted from model
// output. Input values are strings or ordered []string lists for the text
// syntaxes, and arbitrary decoded JSON for the native syntax.
type ToolRequest struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
	Order int            `json:"order"`
}

// Parser converts a stream of provider chunks into display fragments and, at
// finalization, at most one ToolRequest. A Parser instance serves exactly one
// assistant turn and is not safe for concurrent use.
//
// ProcessChunk returns ErrToolLimit when a second tool-start marker is seen;
// the caller should stop feeding chunks and call Finalize. Any other error is
// terminal for the turn.
type Parser interface {
	ProcessChunk(chunk modelstream.StreamingChunk) ([]Fragment, error)
	Finalize() ([]ToolRequest, error)
	ExtractFromMessage(msg modelstream.Message) ([]Fragment, []ToolRequest, error)
}

// NewParser creates a fresh parser for the given syntax.
func NewParser(syntax Syntax) (Parser, error) {
	switch syntax {
	case SyntaxNative:
		return newNativeParser(), nil
	case SyntaxTagged:
		return newTaggedParser(), nil
	case SyntaxFenced:
		return newFencedParser(), nil
	default:
		return nil, fmt.Errorf("unknown tool syntax %q", syntax)
	}
}

var toolNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

func validToolName(name string) bool {
	return toolNameRe.MatchString(name)
}

// paramCollector assembles parameter values in arrival order. Repeated keys
// merge into an ordered list.
type paramCollector struct {
	keys   []string
	values map[string][]string
}

func newParamCollector() *paramCollector {
	return &paramCollector{values: map[string][]string{}}
}

func (c *paramCollector) add(key, value string) {
	if _, seen := c.values[key]; !seen {
		c.keys = append(c.keys, key)
	}
	c.values[key] = append(c.values[key], value)
}

func (c *paramCollector) input() map[string]any {
	input := make(map[string]any, len(c.keys))
	for _, key := range c.keys {
		vals := c.values[key]
		if len(vals) == 1 {
			input[key] = vals[0]
		} else {
			input[key] = append([]string(nil), vals...)
		}
	}
	return input
}

// couldOpen reports whether partial could still grow into a line that starts
// with marker. Used to decide whether a trailing partial line may be streamed
// out as plain text or must be held back.
func couldOpen(partial, marker string) bool {
	if len(partial) >= len(marker) {
		return strings.HasPrefix(partial, marker)
	}
	return strings.HasPrefix(marker, partial)
}

// replayMessage drives a stored message through parser p, producing the same
// fragments the live stream produced. Structured blocks (tool use, thinking,
// compaction) are translated directly; text blocks run through the grammar.
func replayMessage(p Parser, msg modelstream.Message) ([]Fragment, []ToolRequest, error) {
	var frags []Fragment
	var structured []ToolRequest
	halted := false

	feed := func(chunk modelstream.StreamingChunk) {
		if halted {
			return
		}
		fs, err := p.ProcessChunk(chunk)
		frags = append(frags, fs...)
		if err == ErrToolLimit {
			halted = true
		}
	}

	for _, b := range msg.Content {
		switch b.Kind {
		case modelstream.BlockText:
			feed(modelstream.TextChunk(b.Text))
		case modelstream.BlockThinking:
			if b.Thinking != nil && b.Thinking.Text != "" {
				feed(modelstream.StreamingChunk{Kind: modelstream.ChunkReasoning, Reasoning: b.Thinking.Text})
			}
		case modelstream.BlockRedactedThinking:
			if b.Thinking != nil {
				for _, item := range b.Thinking.SummaryItems {
					frags = append(frags, SummaryFragment(item))
				}
			}
		case modelstream.BlockToolUse:
			// Stored structured calls replay without going through the
			// text grammar. Single-tool invariant: first one wins.
			if len(structured) > 0 || halted {
				continue
			}
			frags = append(frags,
				toolNameFragment(b.ToolUse.Name),
				paramFragment("", string(b.ToolUse.Input)),
				toolEndFragment(),
			)
			input, err := decodeJSONInput(b.ToolUse.Input)
			if err != nil {
				return frags, nil, &ParseError{Syntax: SyntaxNative, Reason: "stored tool input is not valid JSON"}
			}
			structured = append(structured, ToolRequest{
				ID:    b.ToolUse.ID,
				Name:  b.ToolUse.Name,
				Input: input,
			})
		case modelstream.BlockCompaction:
			if b.Compaction != nil {
				frags = append(frags, CompactionFragment(b.Compaction.Sequence))
			}
		}
	}

	feed(modelstream.DoneChunk(modelstream.StopEndTurn, nil))

	parsed, err := p.Finalize()
	if err != nil {
		return frags, nil, err
	}
	if len(structured) > 0 {
		return frags, structured, nil
	}
	return frags, parsed, nil
}
