package agentapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProcFactory spawns the agent CLI in stream-json mode, one subprocess per
// session.
type ProcFactory struct {
	Binary string   // agent CLI executable
	Args   []string // extra arguments appended to every launch
}

func (f *ProcFactory) Create(ctx context.Context, opts Options) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, CreateTimeout)
	defer cancel()

	args := []string{"--input-format", "stream-json", "--output-format", "stream-json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemMessage != "" {
		args = append(args, "--append-system-prompt", opts.SystemMessage)
	}
	args = append(args, f.Args...)

	cmd := exec.Command(f.Binary, args...)
	cmd.Dir = opts.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", f.Binary, err)
	}

	s := &procSession{
		opts:    opts,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[string]chan *Response),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop(stdout)

	select {
	case <-s.ready:
	case <-s.done:
		return nil, errors.New("agent exited during startup")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("agent startup: %w", ctx.Err())
	}
	slog.Info("agent session created", "pid", cmd.Process.Pid, "dir", opts.WorkingDir, "model", opts.Model)
	return s, nil
}

type procSession struct {
	opts Options
	cmd  *exec.Cmd

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu        sync.Mutex
	pending   map[string]chan *Response
	cancelReq context.CancelFunc
	destroyed bool

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
}

// wire frames, one JSON object per line in both directions.
type outFrame struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Text     string `json:"text,omitempty"`
	Decision string `json:"decision,omitempty"`
	Context  string `json:"context,omitempty"`
}

type inFrame struct {
	Type  string         `json:"type"`
	ID    string         `json:"id,omitempty"`
	Text  string         `json:"text,omitempty"`
	Tool  string         `json:"tool,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

func (s *procSession) write(f outFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

func (s *procSession) emit(ev Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

func (s *procSession) readLoop(stdout io.Reader) {
	defer close(s.done)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for sc.Scan() {
		var f inFrame
		if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
			slog.Debug("unparseable agent frame", "error", err)
			continue
		}
		switch f.Type {
		case "ready":
			s.readyOnce.Do(func() { close(s.ready) })
		case "delta":
			s.emit(Event{Kind: EventDelta, Text: f.Text})
		case "tool_start":
			s.emit(Event{Kind: EventToolStart, Text: f.Tool})
		case "tool_end":
			s.emit(Event{Kind: EventToolEnd, Text: f.Tool})
		case "idle":
			s.emit(Event{Kind: EventIdle})
		case "error":
			s.emit(Event{Kind: EventError, Text: f.Text})
		case "hook":
			s.handleHook(f)
		case "permission_request":
			s.handlePermission(f)
		case "question":
			s.handleQuestion(f)
		case "result":
			s.mu.Lock()
			ch := s.pending[f.ID]
			delete(s.pending, f.ID)
			s.mu.Unlock()
			if ch != nil {
				ch <- &Response{Text: f.Text}
			}
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("agent stream closed", "error", err)
	}
}

func (s *procSession) handleHook(f inFrame) {
	res := HookResult{Decision: Allow}
	if s.opts.OnPreToolUse != nil {
		res = s.opts.OnPreToolUse(f.Tool, f.Input)
	}
	if err := s.write(outFrame{Type: "hook_response", ID: f.ID,
		Decision: string(res.Decision), Context: res.AdditionalContext}); err != nil {
		slog.Warn("hook response failed", "tool", f.Tool, "error", err)
	}
}

func (s *procSession) handlePermission(f inFrame) {
	allowed := true
	if s.opts.OnPermissionRequest != nil {
		allowed = s.opts.OnPermissionRequest(f.Tool, f.Input)
	}
	decision := Allow
	if !allowed {
		decision = Deny
	}
	if err := s.write(outFrame{Type: "permission_response", ID: f.ID, Decision: string(decision)}); err != nil {
		slog.Warn("permission response failed", "tool", f.Tool, "error", err)
	}
}

func (s *procSession) handleQuestion(f inFrame) {
	// Answering can block on a human; keep the read loop free.
	go func() {
		answer := ""
		if s.opts.OnUserInput != nil {
			a, err := s.opts.OnUserInput(f.Text)
			if err != nil {
				slog.Info("agent question unanswered", "error", err)
			} else {
				answer = a
			}
		}
		if err := s.write(outFrame{Type: "question_response", ID: f.ID, Text: answer}); err != nil {
			slog.Warn("question response failed", "error", err)
		}
	}()
}

func (s *procSession) SendAndWait(ctx context.Context, prompt string, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := uuid.NewString()
	ch := make(chan *Response, 1)

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, errors.New("agent session destroyed")
	}
	s.pending[id] = ch
	s.cancelReq = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		if s.cancelReq != nil {
			s.cancelReq = nil
		}
		s.mu.Unlock()
	}()

	if err := s.write(outFrame{Type: "user_message", ID: id, Text: prompt}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		_ = s.write(outFrame{Type: "abort"})
		return nil, fmt.Errorf("after %s: %w", timeout, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errors.New("agent exited mid-request")
	}
}

// Abort cancels the in-flight request and tells the agent to stop.
func (s *procSession) Abort() {
	s.mu.Lock()
	cancel := s.cancelReq
	s.cancelReq = nil
	s.mu.Unlock()
	_ = s.write(outFrame{Type: "abort"})
	if cancel != nil {
		cancel()
	}
}

func (s *procSession) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.mu.Unlock()

	_ = s.stdin.Close()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		_ = s.cmd.Process.Kill()
		<-s.done
	}
	err := s.cmd.Wait()
	var exit *exec.ExitError
	if err != nil && !errors.As(err, &exit) {
		return fmt.Errorf("agent shutdown: %w", err)
	}
	return nil
}

var _ Factory = (*ProcFactory)(nil)
var _ Session = (*procSession)(nil)
