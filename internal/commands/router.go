package commands

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/nextlevelbuilder/clawdeck/internal/chat"
	"github.com/nextlevelbuilder/clawdeck/internal/config"
	"github.com/nextlevelbuilder/clawdeck/internal/session"
)

// Inbound is one platform message as the router sees it.
type Inbound struct {
	Message   chat.Message
	GuildID   string
	IsDM      bool
	IsThread  bool
	ParentID  string
	Mentioned bool
}

// Router turns inbound chat messages into queued tasks. It enforces the
// allowlists and stays out of the way while a session waits on a question
// answer (that message belongs to the question collector).
type Router struct {
	Core      *session.Core
	Messenger chat.Messenger
	Config    func() *config.Config
	BotUserID string
}

// Handle routes one message. Non-task messages are dropped silently;
// enqueue rejections are reported to the channel.
func (r *Router) Handle(ctx context.Context, in Inbound) {
	m := in.Message
	if m.AuthorBot || m.AuthorID == r.BotUserID {
		return
	}
	if !r.allowed(in) {
		slog.Debug("message rejected by allowlist", "channel", m.ChannelID, "user", m.AuthorID)
		return
	}

	// In guild channels the bot only reacts when addressed. DMs are
	// implicitly addressed.
	if !in.IsDM && !in.Mentioned {
		return
	}

	// The session channel is the thread's parent when the message arrived
	// in a thread; output still streams into the thread itself.
	sessionCh := m.ChannelID
	if in.IsThread && in.ParentID != "" {
		sessionCh = in.ParentID
	}

	if r.Core.AwaitingQuestion(sessionCh) {
		// The question collector consumes this one.
		return
	}

	prompt := strings.TrimSpace(stripMention(m.Content, r.BotUserID))
	if prompt == "" {
		return
	}

	if err := r.Core.EnqueueTask(ctx, sessionCh, prompt, m.ChannelID, m.AuthorID); err != nil {
		slog.Info("task rejected", "channel", sessionCh, "user", m.AuthorID, "error", err)
		if _, sendErr := r.Messenger.Send(ctx, m.ChannelID, "⚠️ "+userMessage(err)); sendErr != nil {
			slog.Warn("rejection notice failed", "channel", m.ChannelID, "error", sendErr)
		}
	}
}

func (r *Router) allowed(in Inbound) bool {
	cfg := r.Config()
	if in.IsDM {
		return slices.Contains(cfg.Discord.DMUserAllow, in.Message.AuthorID)
	}
	if len(cfg.Discord.GuildAllowlist) > 0 && !slices.Contains(cfg.Discord.GuildAllowlist, in.GuildID) {
		return false
	}
	if len(cfg.Discord.ChannelAllow) > 0 {
		ch := in.Message.ChannelID
		if in.IsThread && in.ParentID != "" {
			ch = in.ParentID
		}
		return slices.Contains(cfg.Discord.ChannelAllow, ch)
	}
	return true
}

// stripMention removes every <@id> / <@!id> reference to the bot.
func stripMention(content, botID string) string {
	if botID == "" {
		return content
	}
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	return strings.ReplaceAll(content, "<@!"+botID+">", "")
}
