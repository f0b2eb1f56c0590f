package agentapi

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FakeFactory builds scripted sessions for tests.
type FakeFactory struct {
	mu sync.Mutex
	// CreateErr fails the next Create once, then clears.
	CreateErr error
	// Script customizes each new session before it is returned.
	Script   func(*FakeSession)
	Sessions []*FakeSession
}

func (f *FakeFactory) Create(_ context.Context, opts Options) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return nil, err
	}
	s := &FakeSession{Opts: opts, abort: make(chan struct{})}
	if f.Script != nil {
		f.Script(s)
	}
	f.Sessions = append(f.Sessions, s)
	return s, nil
}

// Last returns the most recently created session, or nil.
func (f *FakeFactory) Last() *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sessions) == 0 {
		return nil
	}
	return f.Sessions[len(f.Sessions)-1]
}

// FakeSession is a scripted agent session. SendFn, when set, decides each
// response; otherwise every prompt resolves immediately with "ok".
type FakeSession struct {
	Opts Options

	// SendFn runs outside the lock and may block to simulate a long task.
	SendFn func(prompt string) (*Response, error)
	// Delay, if set, makes SendAndWait sit idle first so timeouts and
	// aborts can be exercised.
	Delay time.Duration

	mu        sync.Mutex
	Prompts   []string
	Aborted   bool
	Destroyed bool
	abort     chan struct{}
}

func (s *FakeSession) SendAndWait(ctx context.Context, prompt string, timeout time.Duration) (*Response, error) {
	s.mu.Lock()
	if s.Destroyed {
		s.mu.Unlock()
		return nil, errors.New("agent session destroyed")
	}
	s.Prompts = append(s.Prompts, prompt)
	delay := s.Delay
	abort := s.abort
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		select {
		case <-timer.C:
		case <-deadline.C:
			return nil, ErrTimeout
		case <-abort:
			return nil, errors.New("agent request aborted")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.SendFn != nil {
		return s.SendFn(prompt)
	}
	return &Response{Text: "ok"}, nil
}

// SentPrompts returns a copy of every prompt received so far.
func (s *FakeSession) SentPrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Prompts...)
}

// WasAborted reports whether Abort has been called.
func (s *FakeSession) WasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Aborted
}

// WasDestroyed reports whether Destroy has been called.
func (s *FakeSession) WasDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Destroyed
}

// Emit pushes a streaming event through the session's OnEvent callback.
func (s *FakeSession) Emit(ev Event) {
	if s.Opts.OnEvent != nil {
		s.Opts.OnEvent(ev)
	}
}

func (s *FakeSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Aborted {
		s.Aborted = true
		close(s.abort)
	}
}

func (s *FakeSession) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Destroyed = true
	return nil
}

var _ Factory = (*FakeFactory)(nil)
var _ Session = (*FakeSession)(nil)
