package approval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawdeck/internal/chat"
	"github.com/nextlevelbuilder/clawdeck/internal/redact"
	"github.com/nextlevelbuilder/clawdeck/internal/workspace"
)

func newTestCollector(t *testing.T) (*Collector, *chat.Fake) {
	t.Helper()
	f := chat.NewFake()
	c := New(f, redact.NewScannerFromEnv(nil), workspace.NewManager(t.TempDir(), "main", ""))
	c.AdminUsers = []string{"admin1"}
	c.Deadline = 2 * time.Second
	return c, f
}

// waitForPrompt polls the fake until the approval prompt appears.
func waitForPrompt(t *testing.T, f *chat.Fake) chat.FakeMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range f.Messages() {
			if len(m.Buttons) == 2 {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("approval prompt never posted")
	return chat.FakeMessage{}
}

func TestAutoApproveBypassesPrompt(t *testing.T) {
	c, f := newTestCollector(t)
	c.AutoApprove = true

	if !c.Request(context.Background(), "chan1", "g1", t.TempDir(), "git push origin main") {
		t.Fatal("auto-approve returned false")
	}
	if len(f.Messages()) != 0 {
		t.Error("auto-approve still posted a prompt")
	}
}

func TestAdminApproves(t *testing.T) {
	c, f := newTestCollector(t)

	result := make(chan bool, 1)
	go func() {
		result <- c.Request(context.Background(), "chan1", "g1", t.TempDir(), "git push origin main")
	}()

	prompt := waitForPrompt(t, f)
	if !strings.Contains(prompt.Content, "git push origin main") {
		t.Errorf("prompt missing command: %q", prompt.Content)
	}
	f.Click(chat.ButtonClick{MessageID: prompt.ID, ChannelID: "chan1",
		UserID: "admin1", CustomID: prompt.Buttons[0].CustomID})

	if !<-result {
		t.Fatal("approved click resolved to false")
	}
	if got := f.Content(prompt.ID); !strings.Contains(got, "approved") {
		t.Errorf("outcome not recorded: %q", got)
	}
}

func TestRejectAndNonAdminFiltered(t *testing.T) {
	c, f := newTestCollector(t)

	result := make(chan bool, 1)
	go func() {
		result <- c.Request(context.Background(), "chan1", "g1", t.TempDir(), "git push")
	}()

	prompt := waitForPrompt(t, f)
	// A non-admin click must not resolve the prompt.
	f.Click(chat.ButtonClick{MessageID: prompt.ID, ChannelID: "chan1",
		UserID: "rando", CustomID: prompt.Buttons[0].CustomID})
	select {
	case r := <-result:
		t.Fatalf("non-admin click resolved the prompt: %v", r)
	case <-time.After(100 * time.Millisecond):
	}

	f.Click(chat.ButtonClick{MessageID: prompt.ID, ChannelID: "chan1",
		UserID: "admin1", CustomID: prompt.Buttons[1].CustomID})
	if <-result {
		t.Fatal("rejected click resolved to true")
	}
	if got := f.Content(prompt.ID); !strings.Contains(got, "rejected") {
		t.Errorf("outcome not recorded: %q", got)
	}
}

func TestTimeoutRejects(t *testing.T) {
	c, f := newTestCollector(t)
	c.Deadline = 50 * time.Millisecond

	if c.Request(context.Background(), "chan1", "g1", t.TempDir(), "git push") {
		t.Fatal("timed-out prompt resolved to true")
	}
	prompt := f.Messages()[0]
	if got := f.Content(prompt.ID); !strings.Contains(got, "timed out") {
		t.Errorf("timeout outcome not recorded: %q", got)
	}
}

func TestCancelTearsDownPrompt(t *testing.T) {
	c, f := newTestCollector(t)

	result := make(chan bool, 1)
	go func() {
		result <- c.Request(context.Background(), "chan1", "g1", t.TempDir(), "git push")
	}()
	prompt := waitForPrompt(t, f)

	c.Cancel("chan1")
	if <-result {
		t.Fatal("cancelled prompt resolved to true")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, m := range f.Messages() {
			if m.ID == prompt.ID && m.Deleted {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("cancelled prompt not deleted")
}
