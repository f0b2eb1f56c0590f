package chat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// FakeMessage is one message recorded by the fake.
type FakeMessage struct {
	ID        string
	ChannelID string
	Content   string
	Filename  string
	FileData  []byte
	Buttons   []Button
	Deleted   bool
	Edits     int
}

// Fake is an in-memory Messenger for tests. Errors can be scripted per
// message id to exercise recovery paths, and button clicks and inbound
// messages are injected with Click and Receive.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	messages []*FakeMessage

	// EditErr, if set, is consulted per (messageID) before each edit.
	EditErr map[string]error
	// SendErr, if non-nil, fails the next send and then clears itself.
	SendErr error

	clicks   chan ButtonClick
	inbound  chan Message
	typingCh chan string
}

// NewFake creates an empty fake messenger.
func NewFake() *Fake {
	return &Fake{
		EditErr:  make(map[string]error),
		clicks:   make(chan ButtonClick, 16),
		inbound:  make(chan Message, 16),
		typingCh: make(chan string, 16),
	}
}

func (f *Fake) newID() string {
	f.nextID++
	return "m" + strconv.Itoa(f.nextID)
}

// Messages returns a snapshot of everything recorded so far.
func (f *Fake) Messages() []FakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeMessage, len(f.messages))
	for i, m := range f.messages {
		out[i] = *m
	}
	return out
}

// Last returns the most recent non-deleted message, or nil.
func (f *Fake) Last() *FakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if !f.messages[i].Deleted {
			m := *f.messages[i]
			return &m
		}
	}
	return nil
}

// Content returns the current content of a message by id.
func (f *Fake) Content(messageID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == messageID {
			return m.Content
		}
	}
	return ""
}

func (f *Fake) Send(_ context.Context, channelID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		err := f.SendErr
		f.SendErr = nil
		return "", err
	}
	m := &FakeMessage{ID: f.newID(), ChannelID: channelID, Content: content}
	f.messages = append(f.messages, m)
	return m.ID, nil
}

func (f *Fake) Edit(_ context.Context, channelID, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.EditErr[messageID]; err != nil {
		return err
	}
	for _, m := range f.messages {
		if m.ID == messageID && m.ChannelID == channelID && !m.Deleted {
			m.Content = content
			m.Edits++
			return nil
		}
	}
	return fmt.Errorf("fake: unknown message %s", messageID)
}

func (f *Fake) Delete(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == messageID && m.ChannelID == channelID {
			m.Deleted = true
			return nil
		}
	}
	return nil
}

func (f *Fake) SendFile(_ context.Context, channelID, content, filename string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &FakeMessage{ID: f.newID(), ChannelID: channelID, Content: content,
		Filename: filename, FileData: append([]byte(nil), data...)}
	f.messages = append(f.messages, m)
	return m.ID, nil
}

func (f *Fake) Typing(_ context.Context, channelID string) error {
	select {
	case f.typingCh <- channelID:
	default:
	}
	return nil
}

func (f *Fake) SendButtons(_ context.Context, channelID, content string, buttons []Button) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &FakeMessage{ID: f.newID(), ChannelID: channelID, Content: content,
		Buttons: append([]Button(nil), buttons...)}
	f.messages = append(f.messages, m)
	return m.ID, nil
}

func (f *Fake) EditButtons(_ context.Context, channelID, messageID, content string, buttons []Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == messageID && m.ChannelID == channelID && !m.Deleted {
			m.Content = content
			m.Buttons = append([]Button(nil), buttons...)
			m.Edits++
			return nil
		}
	}
	return fmt.Errorf("fake: unknown message %s", messageID)
}

// Click injects a button interaction for a pending AwaitButton.
func (f *Fake) Click(c ButtonClick) {
	f.clicks <- c
}

// Receive injects an inbound channel message for a pending AwaitMessage.
func (f *Fake) Receive(m Message) {
	f.inbound <- m
}

func (f *Fake) AwaitButton(ctx context.Context, _, messageID string, timeout time.Duration,
	filter func(ButtonClick) bool, _ string) (*ButtonClick, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case c := <-f.clicks:
			if c.MessageID != messageID {
				continue
			}
			if filter != nil && !filter(c) {
				continue
			}
			return &c, nil
		case <-timer.C:
			return nil, ErrCollectorTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *Fake) AwaitMessage(ctx context.Context, channelID string, timeout time.Duration,
	filter func(Message) bool) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case m := <-f.inbound:
			if m.ChannelID != channelID {
				continue
			}
			if filter != nil && !filter(m) {
				continue
			}
			return &m, nil
		case <-timer.C:
			return nil, ErrCollectorTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *Fake) ChannelInfo(_ context.Context, channelID string) (*ChannelInfo, error) {
	return &ChannelInfo{ID: channelID, GuildID: "g1", Kind: KindText}, nil
}

func (f *Fake) MemberRoles(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}

var _ Messenger = (*Fake)(nil)
var _ Messenger = (*Discord)(nil)
