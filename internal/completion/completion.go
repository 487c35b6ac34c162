// Package completion wraps the turn-based completion API. It knows
// only how to send one turn — ordered role-tagged content, an optional
// continuation anchor, tool schemas — and decode the reply into text,
// tool-call requests, and the new continuation token. Conversation
// policy lives in the orchestrator, not here.
package completion

import (
	"context"

	"github.com/aida-agent/aida/internal/tools"
)

// Role tags an input item. The wire accepts exactly these two roles
// for submitted content; there is no third role for tool results, which
// are re-submitted as user-role text.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// InputItem is one role-tagged content block in a turn.
type InputItem struct {
	Role Role
	Text string
}

// ToolCall is a tool invocation requested by the model. Arguments is a
// JSON document that must be parsed before use.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

// Request is one turn to send.
type Request struct {
	// Items is the ordered content. The first item is normally the
	// system instruction; the rest are user content, including encoded
	// tool results on loop iterations.
	Items []InputItem
	// Anchor is the continuation token of the last finalized turn, or
	// "" for a session's first turn. Tokens from tool-pending turns are
	// never valid here.
	Anchor string
	// Tools lists the function schemas the model may call.
	Tools []tools.Schema
}

// Result is the decoded reply for one turn.
type Result struct {
	// Text is the assistant text, possibly empty when the model only
	// requested tools.
	Text string
	// ToolCalls is non-empty when the turn is tool-pending. Such a
	// result's Token must never be persisted or used as an anchor.
	ToolCalls []ToolCall
	// Token is the continuation token for this response.
	Token string

	InputTokens  int64
	OutputTokens int64
}

// Pending reports whether the result is awaiting tool results.
func (r *Result) Pending() bool {
	return len(r.ToolCalls) > 0
}

// Client sends turns to the completion service.
type Client interface {
	SendTurn(ctx context.Context, req Request) (*Result, error)
}
