package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nextlevelbuilder/clawdeck/internal/chat"
)

// Recover reconciles durable state with reality at boot: restore grants,
// remove orphan worktrees, drop rows whose workspace vanished, reset
// sessions stuck in working, terminalize running task rows, and offer the
// affected channels a retry.
func (c *Core) Recover(ctx context.Context) error {
	if err := c.grants.Restore(); err != nil {
		return err
	}

	rows, err := c.db.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	known := make(map[string]string, len(rows))
	for _, r := range rows {
		known[r.Channel] = r.WorkspacePath
	}
	stale, err := c.ws.Reconcile(ctx, known)
	if err != nil {
		slog.Warn("workspace reconciliation failed", "error", err)
	}
	for _, channel := range stale {
		slog.Info("dropping session row without workspace", "channel", channel)
		if err := c.db.DeleteSession(channel); err != nil {
			slog.Warn("stale session delete failed", "channel", channel, "error", err)
		}
	}

	if _, err := c.db.ResetWorkingSessions(); err != nil {
		return fmt.Errorf("reset working sessions: %w", err)
	}
	interrupted, err := c.db.AbortRunningTasks()
	if err != nil {
		return fmt.Errorf("abort running tasks: %w", err)
	}

	for _, t := range interrupted {
		if slices.Contains(stale, t.Channel) {
			continue
		}
		c.offerRetry(ctx, t.Channel, t.Prompt, t.Submitter)
	}
	slog.Info("crash recovery complete", "interrupted_tasks", len(interrupted))
	return nil
}

// offerRetry notifies a channel its task died with the process. With
// auto-retry the prompt is re-enqueued directly; otherwise a retry button
// is posted, clickable by the original submitter or an admin for ten
// minutes.
func (c *Core) offerRetry(ctx context.Context, channel, prompt, submitter string) {
	preview := c.scanner.Clean(prompt)
	if len(preview) > 200 {
		preview = preview[:199] + "…"
	}

	if c.params.AutoRetryCrash {
		msg := fmt.Sprintf("🔄 The task `%s` was interrupted by a restart and has been re-queued.", preview)
		if _, err := c.messenger.Send(ctx, channel, msg); err != nil {
			slog.Warn("recovery notice failed", "channel", channel, "error", err)
		}
		if err := c.EnqueueTask(ctx, channel, prompt, channel, submitter); err != nil {
			slog.Warn("auto-retry enqueue failed", "channel", channel, "error", err)
		}
		return
	}

	msgID, err := c.messenger.SendButtons(ctx, channel,
		fmt.Sprintf("⚠️ The task `%s` was interrupted by a restart.", preview),
		[]chat.Button{{Label: "Retry", CustomID: "crash-retry:" + channel, Style: chat.StylePrimary}})
	if err != nil {
		slog.Warn("retry prompt failed", "channel", channel, "error", err)
		return
	}

	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), retryDeadline+time.Minute)
		defer cancel()
		click, err := c.messenger.AwaitButton(waitCtx, channel, msgID, retryDeadline,
			func(click chat.ButtonClick) bool {
				return click.UserID == submitter || slices.Contains(c.params.AdminUserIDs, click.UserID)
			},
			"Only the original submitter or an admin can retry this task.")
		if err != nil {
			edit, cancelEdit := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelEdit()
			_ = c.messenger.EditButtons(edit, channel, msgID, "⚠️ Interrupted task was not retried.", nil)
			return
		}
		edit, cancelEdit := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelEdit()
		_ = c.messenger.EditButtons(edit, channel, msgID, "🔄 Retrying the interrupted task.", nil)
		if err := c.EnqueueTask(context.Background(), channel, prompt, channel, click.UserID); err != nil {
			slog.Warn("retry enqueue failed", "channel", channel, "error", err)
		}
	}()
}
