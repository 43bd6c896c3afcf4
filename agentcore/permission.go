package agentcore

import (
	"context"

	"github.com/gyre-dev/gyre/toolsyntax"
)

// Decision is the outcome of a permission request.
type Decision string

const (
	DecisionAllow        Decision = "allow"
	DecisionAllowSession Decision = "allow_session"
	DecisionDeny         Decision = "deny"
	// DecisionCancelled means the user cancelled while the prompt was
	// pending. The tool call resolves as cancelled, not as an error.
	DecisionCancelled Decision = "cancelled"
)

// PermissionMediator answers approval prompts for scope-gated tools. Request
// blocks until the user decides or ctx is cancelled.
type PermissionMediator interface {
	Request(ctx context.Context, req toolsyntax.ToolRequest) (Decision, error)
}

// AllowAll approves every request. Useful for tests and non-interactive runs.
type AllowAll struct{}

func (AllowAll) Request(context.Context, toolsyntax.ToolRequest) (Decision, error) {
	return DecisionAllow, nil
}

// sessionGrants tracks allow-for-session decisions per tool name.
type sessionGrants struct {
	granted map[string]bool
}

func newSessionGrants() *sessionGrants {
	return &sessionGrants{granted: map[string]bool{}}
}

func (g *sessionGrants) has(tool string) bool {
	return g.granted[tool]
}

func (g *sessionGrants) grant(tool string) {
	g.granted[tool] = true
}
