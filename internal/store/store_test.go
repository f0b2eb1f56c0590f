package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "clawdeck.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	row := SessionRow{
		Channel:       "123456789012345678",
		Project:       "demo",
		WorkspacePath: "/data/workspaces/demo/123456789012345678",
		BaseBranch:    "main",
		AgentBranch:   "agent/45678-abc",
		Status:        SessionIdle,
		Model:         "default",
		LastActivity:  time.Now(),
	}
	if err := s.UpsertSession(row); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err := s.GetSession(row.Channel)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("session not found after upsert")
	}
	if got.Project != row.Project || got.AgentBranch != row.AgentBranch || got.Status != SessionIdle {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if missing, err := s.GetSession("000000000000000000"); err != nil || missing != nil {
		t.Errorf("absent session: got %v, %v", missing, err)
	}

	if err := s.DeleteSession(row.Channel); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if got, _ := s.GetSession(row.Channel); got != nil {
		t.Error("session survived delete")
	}
}

func TestResetWorkingSessions(t *testing.T) {
	s := openTestStore(t)

	for i, status := range []string{SessionWorking, SessionIdle, SessionWorking} {
		err := s.UpsertSession(SessionRow{
			Channel:       "10000000000000000" + string(rune('0'+i)),
			Project:       "p",
			WorkspacePath: "/w",
			BaseBranch:    "main",
			AgentBranch:   "b",
			Status:        status,
			LastActivity:  time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	channels, err := s.ResetWorkingSessions()
	if err != nil {
		t.Fatalf("ResetWorkingSessions: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("got %d working channels, want 2", len(channels))
	}

	rows, err := s.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.Status != SessionIdle {
			t.Errorf("channel %s still %s", r.Channel, r.Status)
		}
	}
}

func TestGrantRows(t *testing.T) {
	s := openTestStore(t)

	g := GrantRow{Channel: "c1", Path: "/data", Mode: "ro", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.PutGrant(g); err != nil {
		t.Fatalf("PutGrant: %v", err)
	}
	// Replacing the same key must not duplicate.
	g.Mode = "rw"
	if err := s.PutGrant(g); err != nil {
		t.Fatalf("PutGrant replace: %v", err)
	}

	rows, err := s.ChannelGrants("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Mode != "rw" {
		t.Fatalf("grant rows = %+v, want single rw", rows)
	}

	expired := GrantRow{Channel: "c1", Path: "/old", Mode: "ro", ExpiresAt: time.Now().Add(-time.Minute)}
	if err := s.PutGrant(expired); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteExpiredGrants(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept %d grants, want 1", n)
	}

	if err := s.DeleteChannelGrants("c1"); err != nil {
		t.Fatal(err)
	}
	rows, _ = s.ChannelGrants("c1")
	if len(rows) != 0 {
		t.Errorf("grants survived channel delete: %+v", rows)
	}
}

func TestTaskHistory(t *testing.T) {
	s := openTestStore(t)

	timeout := int64(300000)
	task := TaskRow{
		ID:        "t1",
		Channel:   "c1",
		Prompt:    "refactor cache",
		Status:    TaskRunning,
		StartedAt: time.Now(),
		TimeoutMS: &timeout,
		Submitter: "u1",
	}
	if err := s.InsertTask(task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	// Crash recovery path: running rows become aborted.
	aborted, err := s.AbortRunningTasks()
	if err != nil {
		t.Fatalf("AbortRunningTasks: %v", err)
	}
	if len(aborted) != 1 || aborted[0].Prompt != "refactor cache" {
		t.Fatalf("aborted = %+v", aborted)
	}

	last, err := s.LastTask("c1")
	if err != nil {
		t.Fatal(err)
	}
	if last.Status != TaskAborted || last.CompletedAt == nil {
		t.Errorf("last task not terminalized: %+v", last)
	}
	if last.TimeoutMS == nil || *last.TimeoutMS != timeout {
		t.Errorf("timeout lost: %+v", last.TimeoutMS)
	}
}

func TestPruneTaskHistory(t *testing.T) {
	s := openTestStore(t)

	old := TaskRow{ID: "old", Channel: "c", Prompt: "p", Status: TaskCompleted,
		StartedAt: time.Now().Add(-91 * 24 * time.Hour)}
	recent := TaskRow{ID: "new", Channel: "c", Prompt: "p", Status: TaskCompleted,
		StartedAt: time.Now()}
	for _, tr := range []TaskRow{old, recent} {
		if err := s.InsertTask(tr); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneTaskHistory(time.Now().Add(-90 * 24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	rows, _ := s.ChannelTasks("c", 10)
	if len(rows) != 1 || rows[0].ID != "new" {
		t.Errorf("remaining tasks = %+v", rows)
	}
}

func TestOverridesAndResponders(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetBranchOverride("c1", "develop"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRepoOverride(RepoOverride{Channel: "c1", RemoteURL: "https://github.com/o/r", RepoPath: "/repos/r", Project: "r"}); err != nil {
		t.Fatal(err)
	}
	// Repo override must invalidate the branch override.
	branch, err := s.GetBranchOverride("c1")
	if err != nil {
		t.Fatal(err)
	}
	if branch != "" {
		t.Errorf("branch override survived repo change: %q", branch)
	}

	o, err := s.GetRepoOverride("c1")
	if err != nil || o == nil {
		t.Fatalf("GetRepoOverride: %v, %v", o, err)
	}
	if o.Project != "r" {
		t.Errorf("project = %q", o.Project)
	}

	if err := s.AddResponder("c1", "u9"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddResponder("c1", "u9"); err != nil {
		t.Fatal(err) // idempotent
	}
	ok, err := s.IsResponder("c1", "u9")
	if err != nil || !ok {
		t.Errorf("IsResponder = %v, %v", ok, err)
	}
	users, _ := s.Responders("c1")
	if len(users) != 1 {
		t.Errorf("responders = %v", users)
	}
	if err := s.RemoveResponder("c1", "u9"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsResponder("c1", "u9"); ok {
		t.Error("responder survived removal")
	}
}

func TestCorruptionRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawdeck.db")

	if err := os.WriteFile(path, []byte("this is not a sqlite database, not even close"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open over corrupt file: %v", err)
	}
	defer s.Close()

	// A fresh usable database replaced the corrupt one.
	if err := s.UpsertSession(SessionRow{Channel: "c", Project: "p", WorkspacePath: "/w",
		BaseBranch: "main", AgentBranch: "b", Status: SessionIdle, LastActivity: time.Now()}); err != nil {
		t.Fatalf("store unusable after recovery: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt.") {
			found = true
		}
	}
	if !found {
		t.Error("corrupt backup file not created")
	}
}
