package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawdeck/internal/store"
)

// Pause stops the queue from promoting tasks; a running task finishes.
func (c *Core) Pause(channel string) error {
	s := c.lookup(channel)
	if s == nil {
		return rejectf("no session for this channel")
	}
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	return c.db.SetSessionPaused(channel, true)
}

// Resume clears the paused flag and kicks the queue.
func (c *Core) Resume(channel string) error {
	s := c.lookup(channel)
	if s == nil {
		return rejectf("no session for this channel")
	}
	s.mu.Lock()
	s.paused = false
	s.graceWarned = false
	s.mu.Unlock()
	if err := c.db.SetSessionPaused(channel, false); err != nil {
		return err
	}
	go c.processQueue(s)
	return nil
}

// Stop aborts the running task; with clearQueue it also drops every
// pending task.
func (c *Core) Stop(ctx context.Context, channel string, clearQueue bool) error {
	s := c.lookup(channel)
	if s == nil {
		return rejectf("no session for this channel")
	}

	s.mu.Lock()
	var dropped int
	if clearQueue {
		dropped = len(s.queue)
		s.queue = nil
	}
	running := s.status == store.SessionWorking
	agent := s.agent
	out := s.sink
	if running {
		s.aborted = true
	}
	s.mu.Unlock()

	if running {
		agent.Abort()
		if out != nil {
			out.Finish(ctx, "⏹️ Task aborted by user.")
		}
	}
	slog.Info("stop", "channel", channel, "aborted_running", running, "dropped", dropped)
	return nil
}

// Reset tears the session down completely: abort, destroy the agent,
// remove the worktree, drop the durable row. Grants and overrides are
// channel-owned and survive.
func (c *Core) Reset(ctx context.Context, channel string) error {
	c.mu.Lock()
	s := c.sessions[channel]
	delete(c.sessions, channel)
	c.mu.Unlock()
	if s == nil {
		return rejectf("no session for this channel")
	}
	return c.destroySession(ctx, s, "")
}

// destroySession releases everything a session owns. notice, when set, is
// posted to the channel afterwards.
func (c *Core) destroySession(ctx context.Context, s *session, notice string) error {
	c.approvals.Cancel(s.channel)

	s.mu.Lock()
	running := s.status == store.SessionWorking
	s.aborted = true
	s.taskGen++ // invalidate any in-flight completion
	agent := s.agent
	out := s.sink
	taskID := s.taskID
	s.sink = nil
	s.queue = nil
	project, workPath := s.project, s.workPath
	s.mu.Unlock()

	if running {
		agent.Abort()
		if out != nil {
			out.Finish(ctx, "⏹️ Session reset.")
		}
		if taskID != "" {
			_ = c.db.CompleteTask(taskID, store.TaskAborted, time.Now())
		}
	}
	if err := agent.Destroy(); err != nil {
		slog.Warn("agent destroy failed", "channel", s.channel, "error", err)
	}
	if err := c.ws.RemoveWorktree(ctx, project, workPath); err != nil {
		slog.Warn("worktree removal failed", "channel", s.channel, "error", err)
	}
	if err := c.db.DeleteSession(s.channel); err != nil {
		return fmt.Errorf("delete session row: %w", err)
	}

	if notice != "" {
		if _, err := c.messenger.Send(ctx, s.channel, notice); err != nil {
			slog.Warn("teardown notice failed", "channel", s.channel, "error", err)
		}
	}
	slog.Info("session destroyed", "channel", s.channel)
	return nil
}

// SetModel hot-swaps the agent session onto a new model. Refused while
// working. The old session stays live until the new one starts cleanly.
func (c *Core) SetModel(ctx context.Context, channel, model string) error {
	s := c.lookup(channel)
	if s == nil {
		return rejectf("no session for this channel")
	}

	s.mu.Lock()
	if s.status == store.SessionWorking {
		s.mu.Unlock()
		return rejectf("a task is running; stop it or wait before changing the model")
	}
	if s.changingModel {
		s.mu.Unlock()
		return rejectf("a model change is already in progress")
	}
	s.changingModel = true
	old := s.agent
	prevModel := s.model
	s.model = model
	s.mu.Unlock()

	next, nextGen, err := c.createAgent(ctx, s, model)

	s.mu.Lock()
	if err != nil {
		s.model = prevModel
		s.changingModel = false
		s.mu.Unlock()
		return &Error{Kind: KindExternalTransient, Msg: fmt.Sprintf("model %q failed to start, keeping %q", model, prevModel), Err: err}
	}
	s.agent = next
	s.agentGen = nextGen
	s.changingModel = false
	s.mu.Unlock()

	if err := old.Destroy(); err != nil {
		slog.Warn("old agent destroy failed", "channel", channel, "error", err)
	}
	if err := c.db.SetSessionModel(channel, model); err != nil {
		return err
	}
	slog.Info("model changed", "channel", channel, "model", model)
	go c.processQueue(s)
	return nil
}

// Status describes a session for the command layer.
type Status struct {
	Exists       bool
	Project      string
	Branch       string
	Model        string
	Working      bool
	Paused       bool
	QueueLen     int
	LastActivity time.Time
}

// ChannelStatus snapshots a channel's session.
func (c *Core) ChannelStatus(channel string) Status {
	s := c.lookup(channel)
	if s == nil {
		return Status{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Exists:       true,
		Project:      s.project,
		Branch:       s.agentBranch,
		Model:        s.model,
		Working:      s.status == store.SessionWorking,
		Paused:       s.paused,
		QueueLen:     len(s.queue),
		LastActivity: s.lastActivity,
	}
}

func (c *Core) lookup(channel string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[channel]
}

// Shutdown marks the core closed and destroys every agent subprocess.
// Worktrees and durable rows are kept for the next boot.
func (c *Core) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		running := s.status == store.SessionWorking
		agent := s.agent
		out := s.sink
		s.aborted = true
		s.mu.Unlock()
		if running {
			agent.Abort()
			if out != nil {
				out.Finish(ctx, "🔌 Going offline; the task was interrupted.")
			}
		}
		if err := agent.Destroy(); err != nil {
			slog.Warn("agent destroy on shutdown failed", "channel", s.channel, "error", err)
		}
	}
	c.grants.Close()
}
