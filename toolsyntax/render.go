package toolsyntax

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gyre-dev/gyre/modelstream"
)

// Render serializes a finalized ToolRequest back into its origin syntax, so a
// replayed or edited request survives a round trip through the same grammar.
// For the native syntax the result is canonical JSON.
func Render(req ToolRequest, syntax Syntax) (string, error) {
	switch syntax {
	case SyntaxNative:
		data, err := json.Marshal(struct {
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		}{req.Name, req.Input})
		if err != nil {
			return "", fmt.Errorf("encode tool request %s: %w", req.Name, err)
		}
		return string(data), nil
	case SyntaxTagged:
		return renderTagged(req), nil
	case SyntaxFenced:
		return renderFenced(req), nil
	default:
		return "", fmt.Errorf("unknown tool syntax %q", syntax)
	}
}

// RenderMessage wraps a rendered request in an assistant message shaped the
// way the live stream would have stored it.
func RenderMessage(req ToolRequest, syntax Syntax) (modelstream.Message, error) {
	if syntax == SyntaxNative {
		input, err := json.Marshal(req.Input)
		if err != nil {
			return modelstream.Message{}, fmt.Errorf("encode tool input for %s: %w", req.Name, err)
		}
		return modelstream.Message{
			Role:    modelstream.RoleAssistant,
			Content: []modelstream.ContentBlock{modelstream.ToolUseBlock(req.ID, req.Name, input)},
		}, nil
	}
	text, err := Render(req, syntax)
	if err != nil {
		return modelstream.Message{}, err
	}
	return modelstream.AssistantMessage(text), nil
}

func renderTagged(req ToolRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<tool name=%q>\n", req.Name)
	for _, key := range sortedKeys(req.Input) {
		for _, val := range valueStrings(req.Input[key]) {
			if strings.Contains(val, "\n") {
				fmt.Fprintf(&sb, "<param name=%q>\n%s\n</param>\n", key, val)
			} else {
				fmt.Fprintf(&sb, "<param name=%q>%s</param>\n", key, val)
			}
		}
	}
	sb.WriteString("</tool>\n")
	return sb.String()
}

func renderFenced(req ToolRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "```tool %s\n", req.Name)
	for _, key := range sortedKeys(req.Input) {
		vals := valueStrings(req.Input[key])
		if len(vals) > 1 && !anyMultiline(vals) {
			fmt.Fprintf(&sb, "%s:\n", key)
			for _, val := range vals {
				fmt.Fprintf(&sb, "- %s\n", val)
			}
			continue
		}
		for _, val := range vals {
			if strings.Contains(val, "\n") {
				fmt.Fprintf(&sb, "%s: <<\n%s\n>>\n", key, val)
			} else {
				fmt.Fprintf(&sb, "%s: %s\n", key, val)
			}
		}
	}
	sb.WriteString("```\n")
	return sb.String()
}

func sortedKeys(input map[string]any) []string {
	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// valueStrings flattens a parameter value into its ordered string forms.
func valueStrings(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = stringify(item)
		}
		return out
	default:
		return []string{stringify(v)}
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func anyMultiline(vals []string) bool {
	for _, v := range vals {
		if strings.Contains(v, "\n") {
			return true
		}
	}
	return false
}
