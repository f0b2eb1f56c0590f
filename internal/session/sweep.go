package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawdeck/internal/store"
)

// StartSweeps runs the background maintenance loops until ctx ends:
// per-minute grant purging, plus cron-scheduled pause-grace and idle
// sweeps.
func (c *Core) StartSweeps(ctx context.Context, pauseGraceCron, idleCron string) error {
	g := gronx.New()
	for name, expr := range map[string]string{"pause_grace": pauseGraceCron, "idle": idleCron} {
		if !g.IsValid(expr) {
			return fmt.Errorf("sweep schedule %s: invalid cron %q", name, expr)
		}
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.grants.PurgeExpired()
				if due, _ := g.IsDue(pauseGraceCron, time.Now()); due {
					c.sweepPauseGrace(ctx)
				}
				if due, _ := g.IsDue(idleCron, time.Now()); due {
					c.sweepIdle(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// sweepPauseGrace handles sessions idle for a day: empty queues are torn
// down at once; a paused session with pending work gets one warning and a
// grace timer before removal.
func (c *Core) sweepPauseGrace(ctx context.Context) {
	cutoff := time.Now().Add(-idleTeardownAge)
	for _, s := range c.snapshot() {
		s.mu.Lock()
		idle := s.status == store.SessionIdle && s.lastActivity.Before(cutoff)
		emptyQueue := len(s.queue) == 0
		pausedPending := s.paused && len(s.queue) > 0
		warned := s.graceWarned
		s.mu.Unlock()
		if !idle {
			continue
		}

		switch {
		case emptyQueue:
			c.teardown(ctx, s, "💤 Session closed after a day of inactivity. A new message starts a fresh one.")
		case pausedPending && !warned:
			s.mu.Lock()
			s.graceWarned = true
			s.mu.Unlock()
			msg := fmt.Sprintf("⚠️ This session is paused with queued tasks and has been idle for a day. Resume within %s or it will be closed.", c.params.PauseGrace)
			if _, err := c.messenger.Send(ctx, s.channel, msg); err != nil {
				slog.Warn("pause-grace warning failed", "channel", s.channel, "error", err)
			}
			time.AfterFunc(c.params.PauseGrace, func() { c.expireGrace(s) })
		}
	}
}

// expireGrace fires after the grace period: if the session is still paused
// with the warning outstanding, it is destroyed. Resume clears the flag
// and disarms this path.
func (c *Core) expireGrace(s *session) {
	s.mu.Lock()
	stillDue := s.paused && s.graceWarned
	s.mu.Unlock()
	if !stillDue {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c.teardown(ctx, s, "💤 Session closed: still paused when the grace period ended. Queued tasks were dropped.")
}

// sweepIdle removes day-idle sessions with nothing queued, closes dormant
// durable rows, and prunes old task history.
func (c *Core) sweepIdle(ctx context.Context) {
	cutoff := time.Now().Add(-idleTeardownAge)
	for _, s := range c.snapshot() {
		s.mu.Lock()
		due := s.status == store.SessionIdle && len(s.queue) == 0 && s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if due {
			c.teardown(ctx, s, "💤 Session closed after a day of inactivity. A new message starts a fresh one.")
		}
	}

	c.sweepDormant(ctx, cutoff)

	if n, err := c.db.PruneTaskHistory(time.Now().Add(-historyRetention)); err != nil {
		slog.Warn("history prune failed", "error", err)
	} else if n > 0 {
		slog.Info("task history pruned", "rows", n)
	}
}

// sweepDormant closes durable sessions whose channel never spoke again
// after a restart: the row and worktree exist but no in-memory session
// does, so the per-session sweep cannot reach them.
func (c *Core) sweepDormant(ctx context.Context, cutoff time.Time) {
	rows, err := c.db.ListSessions()
	if err != nil {
		slog.Warn("dormant sweep list failed", "error", err)
		return
	}
	for _, r := range rows {
		if r.Status != store.SessionIdle || !r.LastActivity.Before(cutoff) {
			continue
		}
		c.mu.Lock()
		_, live := c.sessions[r.Channel]
		_, building := c.creating[r.Channel]
		c.mu.Unlock()
		if live || building {
			continue
		}

		if err := c.ws.RemoveWorktree(ctx, r.Project, r.WorkspacePath); err != nil {
			slog.Warn("dormant worktree removal failed", "channel", r.Channel, "error", err)
		}
		if err := c.db.DeleteSession(r.Channel); err != nil {
			slog.Warn("dormant session delete failed", "channel", r.Channel, "error", err)
			continue
		}
		if _, err := c.messenger.Send(ctx, r.Channel, "💤 Session closed after a day of inactivity. A new message starts a fresh one."); err != nil {
			slog.Warn("teardown notice failed", "channel", r.Channel, "error", err)
		}
		slog.Info("dormant session closed", "channel", r.Channel)
	}
}

// teardown removes a session from the map and destroys it with a notice.
func (c *Core) teardown(ctx context.Context, s *session, notice string) {
	c.mu.Lock()
	if c.sessions[s.channel] != s {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, s.channel)
	c.mu.Unlock()
	if err := c.destroySession(ctx, s, notice); err != nil {
		slog.Warn("sweep teardown failed", "channel", s.channel, "error", err)
	}
}

func (c *Core) snapshot() []*session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}
