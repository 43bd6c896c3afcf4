package toolsyntax

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/gyre-dev/gyre/modelstream"
)

// nativeParser handles providers that emit structured tool-call deltas. There
// is no grammar to recognize: the first indexed call is accumulated, a second
// index is the early-stop signal, and argument JSON is validated once at
// finalization.
type nativeParser struct {
	toolIndex  int
	toolID     string
	toolName   string
	args       strings.Builder
	endEmitted bool
	halted     bool
}

func newNativeParser() *nativeParser {
	return &nativeParser{toolIndex: -1}
}

func (p *nativeParser) ProcessChunk(chunk modelstream.StreamingChunk) ([]Fragment, error) {
	switch chunk.Kind {
	case modelstream.ChunkText:
		if chunk.Text == "" {
			return nil, nil
		}
		return []Fragment{textFragment(chunk.Text)}, nil

	case modelstream.ChunkReasoning:
		return []Fragment{thinkingFragment(chunk.Reasoning)}, nil

	case modelstream.ChunkToolCall:
		return p.processToolCall(chunk.ToolCall)

	case modelstream.ChunkDone:
		// A call whose argument JSON was cut off never finalizes, so it gets
		// no completion marker either.
		if p.toolIndex >= 0 && !p.endEmitted && p.argsComplete() {
			p.endEmitted = true
			return []Fragment{toolEndFragment()}, nil
		}
		return nil, nil

	default:
		return nil, nil
	}
}

func (p *nativeParser) processToolCall(tc *modelstream.ToolCallDelta) ([]Fragment, error) {
	if tc == nil {
		return nil, nil
	}
	if p.halted {
		return nil, ErrToolLimit
	}

	if p.toolIndex == -1 {
		p.toolIndex = tc.Index
		p.toolID = tc.ID
		p.toolName = tc.Name
		frags := []Fragment{toolNameFragment(tc.Name)}
		if tc.ArgsFragment != "" {
			p.args.WriteString(tc.ArgsFragment)
			frags = append(frags, paramFragment("", tc.ArgsFragment))
		}
		return frags, nil
	}

	if tc.Index != p.toolIndex {
		// Second call started: freeze after the first and stop the stream.
		p.halted = true
		var frags []Fragment
		if !p.endEmitted {
			p.endEmitted = true
			frags = append(frags, toolEndFragment())
		}
		return frags, ErrToolLimit
	}

	var frags []Fragment
	if tc.Name != "" && p.toolName == "" {
		p.toolName = tc.Name
		frags = append(frags, toolNameFragment(tc.Name))
	}
	if tc.ID != "" && p.toolID == "" {
		p.toolID = tc.ID
	}
	if tc.ArgsFragment != "" {
		p.args.WriteString(tc.ArgsFragment)
		frags = append(frags, paramFragment("", tc.ArgsFragment))
	}
	return frags, nil
}

// argsComplete reports whether the accumulated argument JSON parses. Empty
// arguments count as complete (an argument-free call).
func (p *nativeParser) argsComplete() bool {
	args := strings.TrimSpace(p.args.String())
	return args == "" || gjson.Valid(args)
}

func (p *nativeParser) Finalize() ([]ToolRequest, error) {
	if p.toolIndex < 0 || p.toolName == "" {
		return nil, nil
	}
	if !validToolName(p.toolName) {
		return nil, &ParseError{Syntax: SyntaxNative, Reason: "invalid tool name", Line: p.toolName}
	}

	argsJSON := strings.TrimSpace(p.args.String())
	if argsJSON == "" {
		argsJSON = "{}"
	}
	if !gjson.Valid(argsJSON) {
		// Arguments cut off mid-stream: discard the whole call.
		return nil, nil
	}

	input, err := decodeJSONInput(json.RawMessage(argsJSON))
	if err != nil {
		return nil, nil
	}

	id := p.toolID
	if id == "" {
		id = uuid.NewString()
	}
	return []ToolRequest{{ID: id, Name: p.toolName, Input: input}}, nil
}

func (p *nativeParser) ExtractFromMessage(msg modelstream.Message) ([]Fragment, []ToolRequest, error) {
	return replayMessage(newNativeParser(), msg)
}

func decodeJSONInput(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}
