// Package sink streams agent output into a chat channel: it accumulates
// text, redacts secrets across chunk boundaries, splits long content at
// message-size limits, throttles edits, and recovers from deleted target
// messages.
package sink

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawdeck/internal/chat"
	"github.com/nextlevelbuilder/clawdeck/internal/redact"
)

const (
	// SplitThreshold is the cleaned-content length at which the current
	// message is finalized and a new one started.
	SplitThreshold = 1800
	// Ceiling is the hard per-message limit; final content above it ships
	// as a text attachment.
	Ceiling = 1990
	// overlap is the number of raw chars rescanned across flushes so a
	// secret split between two streamed chunks is still caught.
	overlap = redact.MaxSecretLen

	// DefaultMinInterval is the minimum spacing between message edits.
	DefaultMinInterval = 1500 * time.Millisecond
)

// Sink is the live output writer for one task. One message is kept current
// and edited in place; when it grows past SplitThreshold the head is frozen
// and a fresh message started.
type Sink struct {
	messenger chat.Messenger
	scanner   *redact.Scanner
	channelID string

	limiter *rate.Limiter

	mu       sync.Mutex
	raw      strings.Builder // unscanned accumulator
	appended int             // scanned chars already moved to cleaned
	cleaned  strings.Builder // redacted content of the current message
	status   string
	msgID    string
	finished bool
	done     bool
	timer    *time.Timer
	flushing bool
	rerun    bool

	flushMu sync.Mutex // serializes performFlush
}

// New creates a sink writing to channelID through m. interval throttles
// edits; zero means no throttle.
func New(m chat.Messenger, scanner *redact.Scanner, channelID string, interval time.Duration) *Sink {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Sink{
		messenger: m,
		scanner:   scanner,
		channelID: channelID,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// Append adds streamed text. Appends after Finish are ignored.
func (s *Sink) Append(text string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.raw.WriteString(text)
	s.mu.Unlock()
	s.schedule()
}

// SetStatus replaces the transient footer shown under the streamed content
// (e.g. the current tool name). Cleared on Finish.
func (s *Sink) SetStatus(status string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()
	s.schedule()
}

// MessageID returns the id of the current live message, if any.
func (s *Sink) MessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgID
}

// schedule arranges a flush, coalescing bursts behind the edit throttle.
func (s *Sink) schedule() {
	s.mu.Lock()
	if s.finished || s.flushing {
		if s.flushing {
			s.rerun = true
		}
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.mu.Unlock()
		return
	}
	delay := s.limiter.Reserve().Delay()
	if delay <= 0 {
		s.flushing = true
		s.mu.Unlock()
		go s.flushLoop()
		return
	}
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		if s.finished || s.flushing {
			if s.flushing {
				s.rerun = true
			}
			s.mu.Unlock()
			return
		}
		s.flushing = true
		s.mu.Unlock()
		s.flushLoop()
	})
	s.mu.Unlock()
}

func (s *Sink) flushLoop() {
	s.performFlush(context.Background(), false, "")

	s.mu.Lock()
	s.flushing = false
	again := s.rerun && !s.finished
	s.rerun = false
	s.mu.Unlock()
	if again {
		s.schedule()
	}
}

// Finish forces a final flush, appends the epilogue, clears the status
// footer, and makes the sink inert.
func (s *Sink) Finish(ctx context.Context, epilogue string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.status = ""
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.performFlush(ctx, true, epilogue)

	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}

// performFlush moves newly-safe content from the raw accumulator into the
// cleaned buffer, splits and renders messages, and writes to the channel.
func (s *Sink) performFlush(ctx context.Context, final bool, epilogue string) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.done || (!final && s.finished) {
		s.mu.Unlock()
		return
	}

	// Redaction with boundary overlap: rescan the whole raw accumulator,
	// commit everything except the last overlap window (a secret still
	// being streamed may end inside it).
	scanned := s.scanner.Clean(s.raw.String())
	safeEnd := len(scanned)
	if !final {
		safeEnd -= overlap
	}
	if safeEnd > s.appended {
		s.cleaned.WriteString(scanned[s.appended:safeEnd])
		s.appended = safeEnd
	}
	// Bound the rescan cost: keep only the last two windows of raw input.
	if !final && s.raw.Len() > 4*overlap {
		pending := len(scanned) - s.appended
		tail := s.raw.String()
		tail = tail[len(tail)-2*overlap:]
		s.raw.Reset()
		s.raw.WriteString(tail)
		if s.appended = len(s.scanner.Clean(tail)) - pending; s.appended < 0 {
			s.appended = 0
		}
	}
	if final {
		s.raw.Reset()
		s.appended = 0
	}

	// Freeze full heads into their own messages.
	var heads []string
	content := s.cleaned.String()
	for len(content) > SplitThreshold {
		cut := splitPoint(content)
		heads = append(heads, strings.TrimRight(content[:cut], " \n"))
		content = strings.TrimLeft(content[cut:], " \n")
	}
	s.cleaned.Reset()
	s.cleaned.WriteString(content)

	if epilogue != "" {
		if content != "" {
			content += "\n\n"
		}
		content += epilogue
	}
	if s.status != "" && !final {
		content += "\n\n" + s.status
	}
	msgID := s.msgID
	channelID := s.channelID
	s.mu.Unlock()

	for _, head := range heads {
		msgID = s.deliver(ctx, channelID, msgID, head)
		msgID = "" // head is final; the next write opens a new message
	}

	if content == "" && msgID == "" {
		s.mu.Lock()
		s.msgID = ""
		s.mu.Unlock()
		return
	}

	if final && len(content) > Ceiling {
		if _, err := s.messenger.SendFile(ctx, channelID, "Output exceeds the message limit, attached as a file.",
			"output.txt", []byte(content)); err != nil {
			slog.Warn("overflow attachment failed", "channel", channelID, "error", err)
		}
		if msgID != "" {
			_ = s.messenger.Delete(ctx, channelID, msgID)
		}
		s.mu.Lock()
		s.msgID = ""
		s.mu.Unlock()
		return
	}

	msgID = s.deliver(ctx, channelID, msgID, content)
	s.mu.Lock()
	s.msgID = msgID
	s.mu.Unlock()
}

// deliver edits msgID (or sends fresh when empty). A gone target gets one
// fresh-send retry; a second failure gives the message up.
func (s *Sink) deliver(ctx context.Context, channelID, msgID, content string) string {
	if content == "" {
		return msgID
	}
	if msgID != "" {
		err := s.messenger.Edit(ctx, channelID, msgID, content)
		if err == nil {
			return msgID
		}
		if !chat.IsGone(err) {
			slog.Warn("output edit failed", "channel", channelID, "message", msgID, "error", err)
			return msgID
		}
		slog.Info("output message gone, sending fresh", "channel", channelID, "message", msgID)
	}
	id, err := s.messenger.Send(ctx, channelID, content)
	if err != nil {
		slog.Warn("output send failed", "channel", channelID, "error", err)
		return ""
	}
	return id
}

// splitPoint picks where to cut an over-long cleaned buffer: the last
// newline within the threshold, else the last space past 70% of it, else
// the threshold itself.
func splitPoint(content string) int {
	window := content[:SplitThreshold]
	if i := strings.LastIndexByte(window, '\n'); i > 0 {
		return i
	}
	if i := strings.LastIndexByte(window, ' '); i > SplitThreshold*7/10 {
		return i
	}
	return SplitThreshold
}
