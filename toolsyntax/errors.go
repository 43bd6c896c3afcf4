package toolsyntax

import (
	"errors"
	"fmt"
)

// ErrToolLimit signals that the parser observed a second tool-start marker.
// It is a graceful early-stop request, not a failure: the first complete tool
// request remains valid and streaming should halt.
var ErrToolLimit = errors.New("tool limit reached")

// ParseError reports a malformed tool block. The loop surfaces it to the model
// as an error-shaped tool result so the model can retry; it never aborts a
// session.
type ParseError struct {
	Syntax Syntax
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("%s syntax: %s: %q", e.Syntax, e.Reason, e.Line)
	}
	return fmt.Sprintf("%s syntax: %s", e.Syntax, e.Reason)
}
