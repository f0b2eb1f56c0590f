package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawdeck/internal/agentapi"
	"github.com/nextlevelbuilder/clawdeck/internal/chat"
	"github.com/nextlevelbuilder/clawdeck/internal/grants"
	"github.com/nextlevelbuilder/clawdeck/internal/redact"
	"github.com/nextlevelbuilder/clawdeck/internal/store"
	"github.com/nextlevelbuilder/clawdeck/internal/workspace"
)

type fakeWS struct {
	root    string
	stale   []string
	removed []string
}

func (f *fakeWS) EnsureRepo(_ context.Context, project, _ string) (string, error) {
	path := filepath.Join(f.root, "repos", project)
	return path, os.MkdirAll(path, 0o755)
}

func (f *fakeWS) CreateWorktree(_ context.Context, project, channelID, _ string) (*workspace.Worktree, error) {
	path := filepath.Join(f.root, "workspaces", project, channelID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &workspace.Worktree{Path: path, Branch: "agent/test-branch", BaseRef: "origin/main"}, nil
}

func (f *fakeWS) RemoveWorktree(_ context.Context, _, workPath string) error {
	f.removed = append(f.removed, workPath)
	return os.RemoveAll(workPath)
}

func (f *fakeWS) ValidateBranch(context.Context, string, string) error { return nil }

func (f *fakeWS) Reconcile(context.Context, map[string]string) ([]string, error) {
	return f.stale, nil
}

type fakeApprovals struct {
	approve   bool
	requested []string
	cancelled []string
}

func (f *fakeApprovals) Request(_ context.Context, _, _, _, command string) bool {
	f.requested = append(f.requested, command)
	return f.approve
}

func (f *fakeApprovals) Cancel(channelID string) {
	f.cancelled = append(f.cancelled, channelID)
}

type harness struct {
	core      *Core
	msgr      *chat.Fake
	factory   *agentapi.FakeFactory
	db        *store.Store
	ws        *fakeWS
	approvals *fakeApprovals
}

func newHarness(t *testing.T, mutate func(*Params)) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "clawdeck.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	g := grants.New(db)
	t.Cleanup(g.Close)

	p := Params{
		DefaultModel:   "default",
		DefaultRepo:    "acme/widgets",
		MaxQueueSize:   2,
		MaxPromptChars: 4000,
		TaskTimeout:    5 * time.Second,
		EditInterval:   0,
		PauseGrace:     50 * time.Millisecond,
		AdminUserIDs:   []string{"admin1"},
	}
	if mutate != nil {
		mutate(&p)
	}

	h := &harness{
		msgr:      chat.NewFake(),
		factory:   &agentapi.FakeFactory{},
		ws:        &fakeWS{root: t.TempDir()},
		approvals: &fakeApprovals{},
	}
	h.db = db
	h.core = New(p, h.msgr, h.factory, db, g, h.approvals, redact.NewScannerFromEnv(nil), h.ws)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQueueFullAndStopClearsQueue(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.Script = func(s *agentapi.FakeSession) { s.Delay = 10 * time.Second }
	ctx := context.Background()

	// A starts working, B and C fill the queue to capacity.
	if err := h.core.EnqueueTask(ctx, "chan1", "task A", "", "u1"); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	waitFor(t, "A to start", func() bool { return h.core.ChannelStatus("chan1").Working })
	for _, prompt := range []string{"task B", "task C"} {
		if err := h.core.EnqueueTask(ctx, "chan1", prompt, "", "u1"); err != nil {
			t.Fatalf("enqueue %s: %v", prompt, err)
		}
	}

	err := h.core.EnqueueTask(ctx, "chan1", "task D", "", "u1")
	if err == nil {
		t.Fatal("queue over capacity accepted task D")
	}
	if KindOf(err) != KindInputRejected {
		t.Errorf("kind = %v, want InputRejected", KindOf(err))
	}
	if st := h.core.ChannelStatus("chan1"); st.QueueLen != 2 || !st.Working {
		t.Errorf("rejection mutated state: %+v", st)
	}

	if err := h.core.Stop(ctx, "chan1", true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "session to go idle", func() bool {
		st := h.core.ChannelStatus("chan1")
		return !st.Working && st.QueueLen == 0
	})
	if !h.factory.Last().WasAborted() {
		t.Error("running task was not aborted")
	}

	last, err := h.db.LastTask("chan1")
	if err != nil || last == nil {
		t.Fatalf("LastTask: %v, %v", last, err)
	}
	if last.Status != store.TaskAborted {
		t.Errorf("task status = %q, want aborted", last.Status)
	}
}

func TestPausedQueueDoesNotPromote(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.core.EnqueueTask(ctx, "chan1", "warm up", "", "u1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first task to finish", func() bool {
		st := h.core.ChannelStatus("chan1")
		return st.Exists && !st.Working && st.QueueLen == 0
	})

	if err := h.core.Pause("chan1"); err != nil {
		t.Fatal(err)
	}
	if err := h.core.EnqueueTask(ctx, "chan1", "held task", "", "u1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if st := h.core.ChannelStatus("chan1"); st.Working || st.QueueLen != 1 {
		t.Fatalf("paused session promoted a task: %+v", st)
	}

	if err := h.core.Resume("chan1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "queue to drain after resume", func() bool {
		st := h.core.ChannelStatus("chan1")
		return !st.Working && st.QueueLen == 0
	})
	prompts := h.factory.Last().SentPrompts()
	if len(prompts) != 2 || prompts[1] != "held task" {
		t.Errorf("prompts = %v", prompts)
	}
}

func TestConcurrentFirstTasksShareOneSession(t *testing.T) {
	h := newHarness(t, func(p *Params) { p.MaxQueueSize = 10 })
	ctx := context.Background()

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errs <- h.core.EnqueueTask(ctx, "chan1", "hello", "", "u1") }()
	}
	for i := 0; i < 4; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent enqueue: %v", err)
		}
	}
	if len(h.factory.Sessions) != 1 {
		t.Fatalf("%d agent sessions created for one channel", len(h.factory.Sessions))
	}
}

func TestTaskTimeoutAborts(t *testing.T) {
	h := newHarness(t, func(p *Params) { p.TaskTimeout = 30 * time.Millisecond })
	h.factory.Script = func(s *agentapi.FakeSession) { s.Delay = 10 * time.Second }
	ctx := context.Background()

	if err := h.core.EnqueueTask(ctx, "chan1", "slow work", "", "u1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "timeout to abort the task", func() bool {
		last, _ := h.db.LastTask("chan1")
		return last != nil && last.Status == store.TaskAborted
	})
	if !h.factory.Last().WasAborted() {
		t.Error("agent not aborted on timeout")
	}
	waitFor(t, "timeout notice", func() bool {
		m := h.msgr.Last()
		return m != nil && strings.Contains(m.Content, "timed out")
	})
}

func TestPushGateAsksApprovalAndEchoesDenial(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.core.EnqueueTask(ctx, "chan1", "warm up", "", "u1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session", func() bool { return h.core.ChannelStatus("chan1").Exists })
	s := h.core.lookup("chan1")

	res := h.core.gateTool(s, "shell", map[string]any{"command": "go test ./... && git push origin main"})
	if res.Decision != agentapi.Deny {
		t.Fatal("unapproved push allowed")
	}
	if !strings.Contains(res.AdditionalContext, "not approved") || !strings.Contains(res.AdditionalContext, "Do not retry") {
		t.Errorf("context = %q", res.AdditionalContext)
	}
	if len(h.approvals.requested) != 1 {
		t.Fatalf("approval requests = %v", h.approvals.requested)
	}

	// A rejection is not persisted: the next attempt re-prompts.
	h.approvals.approve = true
	res = h.core.gateTool(s, "shell", map[string]any{"command": "git push origin main"})
	if res.Decision != agentapi.Allow {
		t.Error("approved push denied")
	}
	if len(h.approvals.requested) != 2 {
		t.Errorf("second attempt did not re-prompt: %v", h.approvals.requested)
	}
}

func TestEscapeDenialMentionsPathAndGrant(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.core.EnqueueTask(ctx, "chan1", "warm up", "", "u1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session", func() bool { return h.core.ChannelStatus("chan1").Exists })
	s := h.core.lookup("chan1")

	res := h.core.gateTool(s, "shell", map[string]any{"command": "cd /etc && cat passwd"})
	if res.Decision != agentapi.Deny {
		t.Fatal("directory escape allowed")
	}
	if !strings.Contains(res.AdditionalContext, "/etc") || !strings.Contains(res.AdditionalContext, "/grant") {
		t.Errorf("context = %q", res.AdditionalContext)
	}
}

func TestModelSwapFailureKeepsOldSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.core.EnqueueTask(ctx, "chan1", "warm up", "", "u1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "idle", func() bool {
		st := h.core.ChannelStatus("chan1")
		return st.Exists && !st.Working
	})
	old := h.factory.Last()

	h.factory.CreateErr = context.DeadlineExceeded
	if err := h.core.SetModel(ctx, "chan1", "turbo"); err == nil {
		t.Fatal("failed swap reported success")
	}
	if st := h.core.ChannelStatus("chan1"); st.Model != "default" {
		t.Errorf("model not reverted: %q", st.Model)
	}
	if old.WasDestroyed() {
		t.Error("old agent destroyed on failed swap")
	}

	if err := h.core.SetModel(ctx, "chan1", "turbo"); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if st := h.core.ChannelStatus("chan1"); st.Model != "turbo" {
		t.Errorf("model = %q", st.Model)
	}
	if !old.WasDestroyed() {
		t.Error("old agent kept after successful swap")
	}
	row, _ := h.db.GetSession("chan1")
	if row == nil || row.Model != "turbo" {
		t.Errorf("model not persisted: %+v", row)
	}
}

func TestCrashRecoveryRetryButton(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// What a crashed process leaves behind.
	workPath := filepath.Join(h.ws.root, "workspaces", "widgets", "chan1")
	if err := os.MkdirAll(workPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := h.db.UpsertSession(store.SessionRow{
		Channel: "chan1", Project: "widgets", WorkspacePath: workPath,
		BaseBranch: "main", AgentBranch: "agent/x", Status: store.SessionWorking,
		LastActivity: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.db.InsertTask(store.TaskRow{
		ID: "t-crashed", Channel: "chan1", Prompt: "refactor cache",
		Status: store.TaskRunning, StartedAt: time.Now(), Submitter: "u1",
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.core.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	last, _ := h.db.LastTask("chan1")
	if last.Status != store.TaskAborted {
		t.Errorf("crashed task = %q, want aborted", last.Status)
	}
	row, _ := h.db.GetSession("chan1")
	if row.Status != store.SessionIdle {
		t.Errorf("session status = %q, want idle", row.Status)
	}

	var prompt *chat.FakeMessage
	waitFor(t, "retry prompt", func() bool {
		for _, m := range h.msgr.Messages() {
			if len(m.Buttons) == 1 {
				mm := m
				prompt = &mm
				return true
			}
		}
		return false
	})
	if !strings.Contains(prompt.Content, "refactor cache") {
		t.Errorf("retry prompt = %q", prompt.Content)
	}

	// Only the submitter (or an admin) may retry; then the prompt re-runs.
	h.msgr.Click(chat.ButtonClick{MessageID: prompt.ID, ChannelID: "chan1",
		UserID: "u1", CustomID: prompt.Buttons[0].CustomID})
	waitFor(t, "retried task to run", func() bool {
		s := h.factory.Last()
		if s == nil {
			return false
		}
		for _, p := range s.SentPrompts() {
			if p == "refactor cache" {
				return true
			}
		}
		return false
	})
}

func TestCrashRecoveryAutoRetry(t *testing.T) {
	h := newHarness(t, func(p *Params) { p.AutoRetryCrash = true })
	ctx := context.Background()

	workPath := filepath.Join(h.ws.root, "workspaces", "widgets", "chan1")
	if err := os.MkdirAll(workPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := h.db.UpsertSession(store.SessionRow{
		Channel: "chan1", Project: "widgets", WorkspacePath: workPath,
		BaseBranch: "main", AgentBranch: "agent/x", Status: store.SessionWorking,
		LastActivity: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.db.InsertTask(store.TaskRow{
		ID: "t-crashed", Channel: "chan1", Prompt: "refactor cache",
		Status: store.TaskRunning, StartedAt: time.Now(), Submitter: "u1",
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.core.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "auto-retried task", func() bool {
		s := h.factory.Last()
		if s == nil {
			return false
		}
		prompts := s.SentPrompts()
		return len(prompts) > 0 && prompts[0] == "refactor cache"
	})
}

func TestResetInvalidatesInFlightTask(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.Script = func(s *agentapi.FakeSession) { s.Delay = 10 * time.Second }
	ctx := context.Background()

	if err := h.core.EnqueueTask(ctx, "chan1", "long task", "", "u1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "working", func() bool { return h.core.ChannelStatus("chan1").Working })

	if err := h.core.Reset(ctx, "chan1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h.core.ChannelStatus("chan1").Exists {
		t.Error("session survived reset")
	}
	if len(h.approvals.cancelled) != 1 {
		t.Error("reset did not cancel pending approvals")
	}
	if row, _ := h.db.GetSession("chan1"); row != nil {
		t.Error("durable row survived reset")
	}
	if !h.factory.Last().WasDestroyed() {
		t.Error("agent not destroyed on reset")
	}
}

func TestQuestionFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.core.EnqueueTask(ctx, "chan1", "warm up", "", "u1"); err != nil {
		t.Fatal(err)
	}
	// Let the warm-up task finish so its sink output cannot interleave
	// with the question.
	waitFor(t, "first task to finish", func() bool {
		st := h.core.ChannelStatus("chan1")
		return st.Exists && !st.Working && st.QueueLen == 0
	})
	s := h.core.lookup("chan1")

	if err := h.db.AddResponder("chan1", "helper9"); err != nil {
		t.Fatal(err)
	}

	answer := make(chan string, 1)
	go func() {
		a, err := h.core.askHuman(s, "Which database should I target?")
		if err != nil {
			a = "error: " + err.Error()
		}
		answer <- a
	}()

	waitFor(t, "question flag", func() bool { return h.core.AwaitingQuestion("chan1") })
	waitFor(t, "question message", func() bool {
		for _, m := range h.msgr.Messages() {
			if strings.Contains(m.Content, "Which database") {
				return true
			}
		}
		return false
	})

	// Unauthorized and bot messages are ignored.
	h.msgr.Receive(chat.Message{ID: "m-a", ChannelID: "chan1", AuthorID: "stranger", Content: "sqlite"})
	h.msgr.Receive(chat.Message{ID: "m-b", ChannelID: "chan1", AuthorID: "helper9", AuthorBot: true, Content: "bot noise"})
	h.msgr.Receive(chat.Message{ID: "m-c", ChannelID: "chan1", AuthorID: "helper9", Content: "postgres"})

	if got := <-answer; got != "postgres" {
		t.Fatalf("answer = %q", got)
	}
	if h.core.AwaitingQuestion("chan1") {
		t.Error("question flag not cleared")
	}
}

func TestPauseSurvivesRestart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.core.EnqueueTask(ctx, "chan1", "warm up", "", "u1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first task to finish", func() bool {
		st := h.core.ChannelStatus("chan1")
		return st.Exists && !st.Working && st.QueueLen == 0
	})
	if err := h.core.Pause("chan1"); err != nil {
		t.Fatal(err)
	}

	// Same store, fresh core: a process restart.
	g2 := grants.New(h.db)
	t.Cleanup(g2.Close)
	core2 := New(h.core.params, h.msgr, h.factory, h.db, g2, h.approvals, redact.NewScannerFromEnv(nil), h.ws)

	if err := core2.EnqueueTask(ctx, "chan1", "held task", "", "u1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if st := core2.ChannelStatus("chan1"); !st.Paused || st.Working || st.QueueLen != 1 {
		t.Fatalf("restart dropped the pause: %+v", st)
	}
	row, err := h.db.GetSession("chan1")
	if err != nil || row == nil {
		t.Fatalf("GetSession: %v, %v", row, err)
	}
	if !row.Paused {
		t.Error("durable paused flag overwritten")
	}

	if err := core2.Resume("chan1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "queue to drain after resume", func() bool {
		st := core2.ChannelStatus("chan1")
		return !st.Working && st.QueueLen == 0
	})
	prompts := h.factory.Last().SentPrompts()
	if len(prompts) != 1 || prompts[0] != "held task" {
		t.Errorf("prompts after resume = %v", prompts)
	}
}

func TestIdleSweepClosesDormantSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// A row left behind by a previous run whose channel never spoke again.
	dormantPath := filepath.Join(h.ws.root, "workspaces", "widgets", "dormant1")
	if err := os.MkdirAll(dormantPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := h.db.UpsertSession(store.SessionRow{
		Channel: "dormant1", Project: "widgets", WorkspacePath: dormantPath,
		BaseBranch: "main", AgentBranch: "agent/x", Status: store.SessionIdle,
		LastActivity: time.Now().Add(-25 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.db.UpsertSession(store.SessionRow{
		Channel: "fresh1", Project: "widgets", WorkspacePath: filepath.Join(h.ws.root, "workspaces", "widgets", "fresh1"),
		BaseBranch: "main", AgentBranch: "agent/y", Status: store.SessionIdle,
		LastActivity: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	h.core.sweepIdle(ctx)

	if row, _ := h.db.GetSession("dormant1"); row != nil {
		t.Errorf("dormant row survived the sweep: %+v", row)
	}
	if row, _ := h.db.GetSession("fresh1"); row == nil {
		t.Error("recently active row was swept")
	}
	if len(h.ws.removed) != 1 || h.ws.removed[0] != dormantPath {
		t.Errorf("removed worktrees = %v", h.ws.removed)
	}
	notified := false
	for _, m := range h.msgr.Messages() {
		if m.ChannelID == "dormant1" && strings.Contains(m.Content, "closed") {
			notified = true
		}
	}
	if !notified {
		t.Error("dormant channel got no closure notice")
	}
}

func TestStaleAgentEventsDropped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.core.EnqueueTask(ctx, "chan1", "warm up", "", "u1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first task to finish", func() bool {
		st := h.core.ChannelStatus("chan1")
		return st.Exists && !st.Working && st.QueueLen == 0
	})
	old := h.factory.Last()

	if err := h.core.SetModel(ctx, "chan1", "turbo"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	cur := h.factory.Last()
	cur.Delay = 10 * time.Second

	if err := h.core.EnqueueTask(ctx, "chan1", "long task", "", "u1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "task to start", func() bool { return h.core.ChannelStatus("chan1").Working })

	// The replaced agent's stream must not reach the current task's sink.
	old.Emit(agentapi.Event{Kind: agentapi.EventDelta, Text: "stale output"})
	cur.Emit(agentapi.Event{Kind: agentapi.EventDelta, Text: "live output"})

	if err := h.core.Stop(ctx, "chan1", true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "abort to settle", func() bool { return !h.core.ChannelStatus("chan1").Working })

	var live, stale bool
	for _, m := range h.msgr.Messages() {
		if strings.Contains(m.Content, "live output") {
			live = true
		}
		if strings.Contains(m.Content, "stale output") {
			stale = true
		}
	}
	if !live {
		t.Error("current agent output lost")
	}
	if stale {
		t.Error("replaced agent output delivered")
	}
}
