// Package session is the heart of clawdeck: one lifecycle machine per
// channel, a FIFO task queue, and the glue binding the policy engine,
// grant store, output sink, approval collector, and agent subprocess
// together. All cross-channel state lives in a single Core value so tests
// can construct isolated cores.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawdeck/internal/agentapi"
	"github.com/nextlevelbuilder/clawdeck/internal/chat"
	"github.com/nextlevelbuilder/clawdeck/internal/grants"
	"github.com/nextlevelbuilder/clawdeck/internal/policy"
	"github.com/nextlevelbuilder/clawdeck/internal/redact"
	"github.com/nextlevelbuilder/clawdeck/internal/sink"
	"github.com/nextlevelbuilder/clawdeck/internal/store"
	"github.com/nextlevelbuilder/clawdeck/internal/tracing"
	"github.com/nextlevelbuilder/clawdeck/internal/workspace"
)

const (
	// questionDeadline bounds how long the agent waits for a human answer.
	questionDeadline = 5 * time.Minute
	// retryDeadline bounds the crash-recovery retry button.
	retryDeadline = 10 * time.Minute
	// approvalWait bounds how long a push-gated hook blocks on a human.
	approvalWait = 11 * time.Minute
	// idleTeardownAge is how long a session may sit idle before sweeps
	// consider it abandoned.
	idleTeardownAge = 24 * time.Hour
	// historyRetention is how far back task history is kept.
	historyRetention = 90 * 24 * time.Hour
)

// Params are the tunables and identity sets the core needs; the caller
// maps them from config.
type Params struct {
	DefaultModel   string
	SystemMessage  string
	DefaultRepo    string // owner/repo used when a channel has no override
	MaxQueueSize   int
	MaxPromptChars int
	TaskTimeout    time.Duration
	EditInterval   time.Duration
	PauseGrace     time.Duration
	AutoRetryCrash bool

	AdminUserIDs []string
	DMUserAllow  []string
}

// Workspaces is the slice of the workspace manager the core uses.
type Workspaces interface {
	EnsureRepo(ctx context.Context, project, remoteURL string) (string, error)
	CreateWorktree(ctx context.Context, project, channelID, branchOverride string) (*workspace.Worktree, error)
	RemoveWorktree(ctx context.Context, project, workPath string) error
	ValidateBranch(ctx context.Context, project, branch string) error
	Reconcile(ctx context.Context, known map[string]string) ([]string, error)
}

// Approvals resolves push-gated invocations.
type Approvals interface {
	Request(ctx context.Context, channelID, guildID, workDir, command string) bool
	Cancel(channelID string)
}

// Core owns every per-channel session and the shared maps behind them.
type Core struct {
	params    Params
	messenger chat.Messenger
	agents    agentapi.Factory
	db        *store.Store
	grants    *grants.Store
	approvals Approvals
	scanner   *redact.Scanner
	ws        Workspaces

	mu       sync.Mutex
	sessions map[string]*session
	creating map[string]*creation
	closed   bool
}

// creation is the shared promise for a session being constructed;
// concurrent first tasks for a channel wait on the same one.
type creation struct {
	done chan struct{}
	sess *session
	err  error
}

type task struct {
	id        string
	prompt    string
	outputCh  string // channel or thread the output sink writes to
	submitter string
	queuedAt  time.Time
}

type session struct {
	channel string

	mu               sync.Mutex
	project          string
	workPath         string
	baseBranch       string
	agentBranch      string
	guildID          string
	agent            agentapi.Session
	agentGen         uint64 // gen of the installed agent; stale streams are dropped
	agentSeq         uint64 // issued to each created agent
	model            string
	status           string // store.SessionIdle | store.SessionWorking
	paused           bool
	queue            []*task
	sink             *sink.Sink
	taskID           string
	taskGen          uint64
	aborted          bool
	sawDelta         bool
	awaitingQuestion bool
	changingModel    bool
	graceWarned      bool
	lastActivity     time.Time
}

// New assembles a core. Call Recover before serving traffic.
func New(p Params, m chat.Messenger, agents agentapi.Factory, db *store.Store,
	g *grants.Store, appr Approvals, scanner *redact.Scanner, ws Workspaces) *Core {
	return &Core{
		params:    p,
		messenger: m,
		agents:    agents,
		db:        db,
		grants:    g,
		approvals: appr,
		scanner:   scanner,
		ws:        ws,
		sessions:  make(map[string]*session),
		creating:  make(map[string]*creation),
	}
}

// AwaitingQuestion reports whether a channel's session is blocked on a
// human answer; the message router must not enqueue replies as tasks then.
func (c *Core) AwaitingQuestion(channel string) bool {
	c.mu.Lock()
	s := c.sessions[channel]
	c.mu.Unlock()
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingQuestion
}

// EnqueueTask adds a prompt to a channel's queue, creating the session on
// first use. outputCh is where the task streams (a thread may differ from
// the session channel).
func (c *Core) EnqueueTask(ctx context.Context, channel, prompt, outputCh, submitter string) error {
	if prompt == "" {
		return rejectf("empty prompt")
	}
	if c.params.MaxPromptChars > 0 && len(prompt) > c.params.MaxPromptChars {
		return rejectf("prompt is %d chars, limit is %d", len(prompt), c.params.MaxPromptChars)
	}
	if outputCh == "" {
		outputCh = channel
	}

	s, err := c.getOrCreate(ctx, channel)
	if err != nil {
		return err
	}

	t := &task{
		id:        uuid.NewString(),
		prompt:    prompt,
		outputCh:  outputCh,
		submitter: submitter,
		queuedAt:  time.Now(),
	}

	s.mu.Lock()
	if len(s.queue) >= c.params.MaxQueueSize {
		n := len(s.queue)
		s.mu.Unlock()
		return rejectf("queue is full (%d tasks waiting)", n)
	}
	s.queue = append(s.queue, t)
	s.lastActivity = time.Now()
	s.mu.Unlock()

	slog.Info("task queued", "channel", channel, "task", t.id)
	go c.processQueue(s)
	return nil
}

// getOrCreate returns the channel's session, sharing one construction
// among concurrent first callers.
func (c *Core) getOrCreate(ctx context.Context, channel string) (*session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &Error{Kind: KindExternalFatal, Msg: "shutting down"}
	}
	if s, ok := c.sessions[channel]; ok {
		c.mu.Unlock()
		return s, nil
	}
	if cr, ok := c.creating[channel]; ok {
		c.mu.Unlock()
		select {
		case <-cr.done:
			return cr.sess, cr.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cr := &creation{done: make(chan struct{})}
	c.creating[channel] = cr
	c.mu.Unlock()

	cr.sess, cr.err = c.buildSession(ctx, channel)
	close(cr.done)

	c.mu.Lock()
	delete(c.creating, channel)
	if cr.err == nil {
		c.sessions[channel] = cr.sess
	}
	c.mu.Unlock()
	return cr.sess, cr.err
}

// buildSession provisions workspace, branch, and agent subprocess for a
// channel. Session creation is retried once on failure; agent startup is
// the flaky part.
func (c *Core) buildSession(ctx context.Context, channel string) (*session, error) {
	repoInput := c.params.DefaultRepo
	var project string
	if ov, err := c.db.GetRepoOverride(channel); err != nil {
		return nil, fmt.Errorf("load repo override: %w", err)
	} else if ov != nil {
		repoInput = ov.RemoteURL
		project = ov.Project
	}
	if repoInput == "" {
		return nil, rejectf("no repository configured for this channel; use /set-repo")
	}
	repo, err := workspace.ParseRepoInput(repoInput)
	if err != nil {
		return nil, rejectf("bad repository %q: %v", repoInput, err)
	}
	if project == "" {
		project = repo.Project()
	}

	if _, err := c.ws.EnsureRepo(ctx, project, repo.RemoteURL); err != nil {
		return nil, &Error{Kind: KindExternalTransient, Msg: "repository clone failed", Err: err}
	}

	branchOverride, err := c.db.GetBranchOverride(channel)
	if err != nil {
		return nil, fmt.Errorf("load branch override: %w", err)
	}
	wt, err := c.ws.CreateWorktree(ctx, project, channel, branchOverride)
	if err != nil {
		return nil, &Error{Kind: KindExternalTransient, Msg: "workspace setup failed", Err: err}
	}

	guildID := ""
	if info, err := c.messenger.ChannelInfo(ctx, channel); err == nil {
		guildID = info.GuildID
	}

	// A durable row from a previous run carries the channel's model choice
	// and pause state; pause persists until an explicit resume.
	model := c.params.DefaultModel
	paused := false
	if prev, err := c.db.GetSession(channel); err == nil && prev != nil {
		if prev.Model != "" {
			model = prev.Model
		}
		paused = prev.Paused
	}

	s := &session{
		channel:      channel,
		project:      project,
		workPath:     wt.Path,
		baseBranch:   branchOverride,
		agentBranch:  wt.Branch,
		guildID:      guildID,
		model:        model,
		status:       store.SessionIdle,
		paused:       paused,
		lastActivity: time.Now(),
	}

	agent, agentGen, err := c.createAgent(ctx, s, model)
	if err != nil {
		// One retry; agent startup is the flaky part.
		agent, agentGen, err = c.createAgent(ctx, s, model)
		if err != nil {
			return nil, &Error{Kind: KindExternalTransient, Msg: "agent session failed to start", Err: err}
		}
	}
	s.agent = agent
	s.agentGen = agentGen

	if err := c.db.UpsertSession(store.SessionRow{
		Channel:       channel,
		Project:       project,
		WorkspacePath: wt.Path,
		BaseBranch:    branchOverride,
		AgentBranch:   wt.Branch,
		Status:        store.SessionIdle,
		Paused:        paused,
		Model:         model,
		LastActivity:  time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	slog.Info("session created", "channel", channel, "project", project, "branch", wt.Branch, "model", model)
	return s, nil
}

// createAgent starts an agent subprocess with the policy engine, approval
// collector, and question flow wired into its hooks. The returned gen tags
// the subprocess's event stream; the caller stores it as s.agentGen when
// installing the agent, so a replaced agent's late events no longer match.
func (c *Core) createAgent(ctx context.Context, s *session, model string) (agentapi.Session, uint64, error) {
	s.mu.Lock()
	s.agentSeq++
	gen := s.agentSeq
	s.mu.Unlock()

	agent, err := c.agents.Create(ctx, agentapi.Options{
		WorkingDir:    s.workPath,
		Model:         model,
		SystemMessage: c.params.SystemMessage,
		OnPreToolUse:  func(tool string, args map[string]any) agentapi.HookResult { return c.gateTool(s, tool, args) },
		OnPermissionRequest: func(tool string, args map[string]any) bool {
			return c.gateTool(s, tool, args).Decision == agentapi.Allow
		},
		OnUserInput: func(question string) (string, error) { return c.askHuman(s, question) },
		OnEvent:     func(ev agentapi.Event) { c.onAgentEvent(s, gen, ev) },
	})
	return agent, gen, err
}

// gateTool runs one tool invocation through the policy engine, looping in
// the approval collector for push denials.
func (c *Core) gateTool(s *session, tool string, args map[string]any) agentapi.HookResult {
	inv := policy.Classify(tool, args)
	decision := policy.Evaluate(inv, s.workPath, c.grants.Active(s.channel))
	if decision.Allowed {
		return agentapi.HookResult{Decision: agentapi.Allow}
	}

	reason := c.scanner.Clean(decision.Reason)
	switch decision.Gate {
	case policy.GatePush:
		ctx, cancel := context.WithTimeout(context.Background(), approvalWait)
		defer cancel()
		if c.approvals.Request(ctx, s.channel, s.guildID, s.workPath, inv.Command) {
			return agentapi.HookResult{Decision: agentapi.Allow}
		}
		return agentapi.HookResult{
			Decision:          agentapi.Deny,
			AdditionalContext: "Push was not approved by an admin. Do not retry the push; continue with other work or ask the user.",
		}
	case policy.GateOutside:
		return agentapi.HookResult{
			Decision: agentapi.Deny,
			AdditionalContext: fmt.Sprintf(
				"Denied: %s. The path is outside the workspace; the user can authorize it with /grant. Do not retry without a grant.", reason),
		}
	default:
		return agentapi.HookResult{
			Decision:          agentapi.Deny,
			AdditionalContext: "Denied: " + reason + ". Do not retry.",
		}
	}
}

// onAgentEvent routes streaming events into the current task's sink.
// Events from a finished task find sink == nil, and events from a replaced
// agent carry a stale gen; both are dropped.
func (c *Core) onAgentEvent(s *session, gen uint64, ev agentapi.Event) {
	s.mu.Lock()
	out := s.sink
	if gen != s.agentGen || out == nil || s.status != store.SessionWorking {
		s.mu.Unlock()
		return
	}
	if ev.Kind == agentapi.EventDelta {
		s.sawDelta = true
	}
	s.mu.Unlock()

	switch ev.Kind {
	case agentapi.EventDelta:
		out.Append(ev.Text)
	case agentapi.EventToolStart:
		out.SetStatus("⚙️ " + ev.Text)
	case agentapi.EventToolEnd, agentapi.EventIdle:
		out.SetStatus("")
	case agentapi.EventError:
		out.Append("\n⚠️ " + c.scanner.Clean(ev.Text) + "\n")
	}
}

// processQueue promotes the head task if the session is idle, unpaused,
// and not mid-model-swap. The status field is the per-channel lock: the
// check and the set happen under one mutex hold.
func (c *Core) processQueue(s *session) {
	s.mu.Lock()
	if s.paused || s.changingModel || s.status != store.SessionIdle || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	s.status = store.SessionWorking
	s.taskGen++
	gen := s.taskGen
	s.taskID = t.id
	s.aborted = false
	s.sawDelta = false
	s.sink = sink.New(c.messenger, c.scanner, t.outputCh, c.params.EditInterval)
	out := s.sink
	s.mu.Unlock()

	_ = c.db.SetSessionStatus(s.channel, store.SessionWorking)
	c.runTask(s, t, gen, out)
}

// runTask drives one task to a terminal state. gen guards against stale
// completion: if the session moved on (reset, newer task), the result is
// discarded.
func (c *Core) runTask(s *session, t *task, gen uint64, out *sink.Sink) {
	ctx, span := tracing.StartTask(context.Background(), s.channel, t.id)

	var timeoutMS *int64
	ms := c.params.TaskTimeout.Milliseconds()
	timeoutMS = &ms
	if err := c.db.InsertTask(store.TaskRow{
		ID:        t.id,
		Channel:   s.channel,
		Prompt:    t.prompt,
		Status:    store.TaskRunning,
		StartedAt: time.Now(),
		TimeoutMS: timeoutMS,
		Submitter: t.submitter,
	}); err != nil {
		slog.Warn("task row insert failed", "task", t.id, "error", err)
	}
	_ = c.messenger.Typing(ctx, t.outputCh)

	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()

	resp, err := agent.SendAndWait(ctx, t.prompt, c.params.TaskTimeout)

	s.mu.Lock()
	if s.taskGen != gen {
		// A reset or model swap already moved the session on.
		s.mu.Unlock()
		tracing.EndTask(span, "superseded", nil)
		return
	}
	aborted := s.aborted
	sawDelta := s.sawDelta
	s.mu.Unlock()

	status := store.TaskCompleted
	var taskErr error
	switch {
	case aborted:
		// Stop already finalized the sink; swallow the agent error.
		status = store.TaskAborted
	case agentapi.IsTimeout(err):
		status = store.TaskAborted
		agent.Abort()
		out.Finish(ctx, fmt.Sprintf("⏱️ Task timed out after %s and was aborted.", c.params.TaskTimeout))
	case err != nil:
		status = store.TaskFailed
		taskErr = err
		out.Finish(ctx, "❌ "+c.scanner.Clean(err.Error()))
	default:
		if !sawDelta && resp != nil && resp.Text != "" {
			out.Append(resp.Text)
		}
		out.Finish(ctx, "")
	}

	tracing.EndTask(span, status, taskErr)
	if err := c.db.CompleteTask(t.id, status, time.Now()); err != nil {
		slog.Warn("task row update failed", "task", t.id, "error", err)
	}
	slog.Info("task finished", "channel", s.channel, "task", t.id, "status", status)

	s.mu.Lock()
	s.status = store.SessionIdle
	s.taskID = ""
	s.sink = nil
	s.lastActivity = time.Now()
	paused := s.paused
	s.mu.Unlock()

	_ = c.db.SetSessionStatus(s.channel, store.SessionIdle)
	if !paused {
		c.processQueue(s)
	}
}

// askHuman implements the agent's question hook: post the question, wait
// up to five minutes for an authorized non-bot reply.
func (c *Core) askHuman(s *session, question string) (string, error) {
	s.mu.Lock()
	s.awaitingQuestion = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.awaitingQuestion = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), questionDeadline+time.Minute)
	defer cancel()

	if _, err := c.messenger.Send(ctx, s.channel, "❓ "+c.scanner.Clean(question)); err != nil {
		return "", fmt.Errorf("post question: %w", err)
	}
	msg, err := c.messenger.AwaitMessage(ctx, s.channel, questionDeadline, func(m chat.Message) bool {
		return !m.AuthorBot && c.mayAnswer(s.channel, m.AuthorID)
	})
	if err != nil {
		return "", fmt.Errorf("no answer within %s: %w", questionDeadline, err)
	}
	return msg.Content, nil
}

// mayAnswer reports whether a user is an authorized responder for a
// channel: admins, DM-allowlisted users in DM context, or per-channel
// responders.
func (c *Core) mayAnswer(channel, userID string) bool {
	for _, id := range c.params.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	if ok, err := c.db.IsResponder(channel, userID); err == nil && ok {
		return true
	}
	if info, err := c.messenger.ChannelInfo(context.Background(), channel); err == nil && info.Kind == chat.KindDM {
		for _, id := range c.params.DMUserAllow {
			if id == userID {
				return true
			}
		}
	}
	return false
}
