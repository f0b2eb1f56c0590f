// Package agentapi defines the surface the session machine requires from
// the coding-agent subprocess SDK, plus the stream-json subprocess
// implementation used in production.
package agentapi

import (
	"context"
	"errors"
	"time"
)

// Decision is a tool-use hook verdict.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// HookResult is returned by the pre-tool-use hook. AdditionalContext is
// surfaced to the agent as natural-language feedback on a deny.
type HookResult struct {
	Decision          Decision
	AdditionalContext string
}

// Event is a streaming notification from a running task.
type Event struct {
	Kind EventKind
	Text string // delta text, tool name, or error message depending on Kind
}

type EventKind int

const (
	EventDelta EventKind = iota
	EventToolStart
	EventToolEnd
	EventIdle
	EventError
)

// Response is the final answer for one prompt.
type Response struct {
	Text string
}

// ErrTimeout marks a SendAndWait that exceeded its deadline. Callers map it
// to an aborted task with a timeout notice.
var ErrTimeout = errors.New("agent: request timed out")

// IsTimeout reports whether err is a task-deadline failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Options configures a new agent session.
type Options struct {
	WorkingDir    string
	Model         string
	SystemMessage string

	// OnPreToolUse gates every tool invocation before it runs.
	OnPreToolUse func(toolName string, args map[string]any) HookResult
	// OnPermissionRequest handles explicit permission prompts from the
	// agent; returning false denies.
	OnPermissionRequest func(toolName string, args map[string]any) bool
	// OnUserInput answers a question the agent asks mid-task. An error
	// leaves the question unanswered.
	OnUserInput func(question string) (string, error)
	// OnEvent receives streaming deltas, tool starts/completions, idle.
	OnEvent func(Event)
}

// Session is one live agent subprocess conversation.
type Session interface {
	// SendAndWait submits a prompt and blocks for the final response.
	// Exceeding timeout returns an error satisfying IsTimeout.
	SendAndWait(ctx context.Context, prompt string, timeout time.Duration) (*Response, error)
	// Abort cancels the in-flight request, if any.
	Abort()
	// Destroy releases the subprocess. The session is unusable afterwards.
	Destroy() error
}

// Factory creates sessions. The production factory spawns the agent CLI;
// tests substitute a scripted fake.
type Factory interface {
	Create(ctx context.Context, opts Options) (Session, error)
}

// CreateTimeout is the ceiling on session construction.
const CreateTimeout = 60 * time.Second
