// Package approval asks a human before any push-gated tool invocation
// proceeds: it posts a prompt with commit-log and diff summaries plus
// approve/reject buttons, and resolves the click of an admin within a
// deadline.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawdeck/internal/chat"
	"github.com/nextlevelbuilder/clawdeck/internal/redact"
	"github.com/nextlevelbuilder/clawdeck/internal/workspace"
)

const (
	// summaryLimit clamps the commit log and diff excerpts in the prompt.
	summaryLimit = 900
	// DefaultDeadline is how long an approval prompt stays clickable.
	DefaultDeadline = 10 * time.Minute

	logCommits = 10
)

// Collector mediates push approvals for every channel.
type Collector struct {
	Messenger chat.Messenger
	Scanner   *redact.Scanner
	Workspace *workspace.Manager

	// AdminRoles / AdminUsers define who may click. An empty set means
	// nobody resolves prompts and every request times out to reject.
	AdminRoles []string
	AdminUsers []string

	// AutoApprove bypasses the collector entirely.
	AutoApprove bool
	Deadline    time.Duration

	mu     sync.Mutex
	active map[string]*pendingPrompt // channel → outstanding prompt
}

type pendingPrompt struct {
	cancel context.CancelFunc
	msgID  string
}

// New creates a collector with the default deadline.
func New(m chat.Messenger, scanner *redact.Scanner, ws *workspace.Manager) *Collector {
	return &Collector{
		Messenger: m,
		Scanner:   scanner,
		Workspace: ws,
		Deadline:  DefaultDeadline,
		active:    make(map[string]*pendingPrompt),
	}
}

func (c *Collector) clamp(text string) string {
	text = c.Scanner.Clean(text)
	if len(text) > summaryLimit {
		return text[:summaryLimit-1] + "…"
	}
	return text
}

// isAdmin resolves whether a clicking user may decide the approval.
func (c *Collector) isAdmin(ctx context.Context, guildID, userID string) bool {
	if slices.Contains(c.AdminUsers, userID) {
		return true
	}
	if guildID == "" || len(c.AdminRoles) == 0 {
		return false
	}
	roles, err := c.Messenger.MemberRoles(ctx, guildID, userID)
	if err != nil {
		slog.Warn("role lookup failed during approval", "user", userID, "error", err)
		return false
	}
	for _, r := range roles {
		if slices.Contains(c.AdminRoles, r) {
			return true
		}
	}
	return false
}

// Request posts an approval prompt for a push-gated command and blocks for
// the decision. Approved → true; rejected, timed out, cancelled, or
// unpostable → false.
func (c *Collector) Request(ctx context.Context, channelID, guildID, workDir, command string) bool {
	if c.AutoApprove {
		slog.Info("push auto-approved", "channel", channelID)
		return true
	}

	log, err := c.Workspace.RecentLog(ctx, workDir, logCommits)
	if err != nil {
		log = "(log unavailable)"
	}
	diff, err := c.Workspace.DiffStat(ctx, workDir)
	if err != nil {
		diff = "(diff unavailable)"
	}

	prompt := fmt.Sprintf(
		"🔐 **Push approval required**\n```\n%s\n```\n**Commits**\n```\n%s\n```\n**Changes**\n```\n%s\n```",
		c.clamp(command), c.clamp(log), c.clamp(diff))

	nonce := uuid.NewString()
	approveID := "push-approve:" + nonce
	rejectID := "push-reject:" + nonce
	msgID, err := c.Messenger.SendButtons(ctx, channelID, prompt, []chat.Button{
		{Label: "Approve", CustomID: approveID, Style: chat.StyleSuccess},
		{Label: "Reject", CustomID: rejectID, Style: chat.StyleDanger},
	})
	if err != nil {
		slog.Warn("approval prompt failed to post", "channel", channelID, "error", err)
		return false
	}

	waitCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if prev, ok := c.active[channelID]; ok {
		prev.cancel()
	}
	c.active[channelID] = &pendingPrompt{cancel: cancel, msgID: msgID}
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		if p, ok := c.active[channelID]; ok && p.msgID == msgID {
			delete(c.active, channelID)
		}
		c.mu.Unlock()
	}()

	deadline := c.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	click, err := c.Messenger.AwaitButton(waitCtx, channelID, msgID, deadline,
		func(click chat.ButtonClick) bool { return c.isAdmin(ctx, guildID, click.UserID) },
		"Only admins can decide push approvals.")

	switch {
	case err == nil && click.CustomID == approveID:
		c.conclude(channelID, msgID, "✅ Push approved by <@"+click.UserID+">.")
		return true
	case err == nil:
		c.conclude(channelID, msgID, "❌ Push rejected by <@"+click.UserID+">.")
		return false
	case waitCtx.Err() != nil:
		// Cancelled by reset; the prompt is already being torn down.
		return false
	default:
		c.conclude(channelID, msgID, "⏱️ Push approval timed out, treated as rejected.")
		return false
	}
}

// conclude records the outcome on the prompt and strips the buttons.
func (c *Collector) conclude(channelID, msgID, outcome string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Messenger.EditButtons(ctx, channelID, msgID, outcome, nil); err != nil {
		slog.Warn("approval outcome edit failed", "channel", channelID, "error", err)
	}
}

// Cancel tears down a channel's outstanding prompt, deleting the message.
// Called on session reset.
func (c *Collector) Cancel(channelID string) {
	c.mu.Lock()
	p, ok := c.active[channelID]
	delete(c.active, channelID)
	c.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Messenger.Delete(ctx, channelID, p.msgID); err != nil {
		slog.Warn("approval prompt delete failed", "channel", channelID, "error", err)
	}
}
