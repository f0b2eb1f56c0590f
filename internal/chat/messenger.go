// Package chat abstracts the chat platform behind the small surface the
// core needs: sending and editing messages, attachments, typing, button and
// reply collectors, and channel/member lookups. The discordgo adapter is
// the production implementation; tests use an in-memory fake.
package chat

import (
	"context"
	"errors"
	"time"
)

// Button style values, mirroring the platform's primary/danger semantics.
type ButtonStyle int

const (
	StylePrimary ButtonStyle = iota
	StyleSuccess
	StyleDanger
	StyleSecondary
)

// Button is one clickable component on a message.
type Button struct {
	Label    string
	CustomID string
	Style    ButtonStyle
}

// ButtonClick is a resolved button interaction.
type ButtonClick struct {
	MessageID string
	ChannelID string
	UserID    string
	CustomID  string
}

// Message is an inbound chat message.
type Message struct {
	ID        string
	ChannelID string
	AuthorID  string
	AuthorBot bool
	Content   string
}

// ChannelKind distinguishes the channel shapes the core cares about.
type ChannelKind int

const (
	KindUnknown ChannelKind = iota
	KindText
	KindThread
	KindDM
)

// ChannelInfo describes a channel.
type ChannelInfo struct {
	ID       string
	GuildID  string
	ParentID string // parent channel for threads
	Kind     ChannelKind
}

// ErrCollectorTimeout is returned when a collector deadline passes without
// a matching interaction.
var ErrCollectorTimeout = errors.New("chat: collector timed out")

// Messenger is the chat-platform surface required by the core.
type Messenger interface {
	// Send posts content and returns the new message id.
	Send(ctx context.Context, channelID, content string) (string, error)
	// Edit replaces the content of an existing message.
	Edit(ctx context.Context, channelID, messageID, content string) error
	// Delete removes a message. Best effort.
	Delete(ctx context.Context, channelID, messageID string) error
	// SendFile posts content with a text attachment.
	SendFile(ctx context.Context, channelID, content, filename string, data []byte) (string, error)
	// Typing fires a typing indicator.
	Typing(ctx context.Context, channelID string) error

	// SendButtons posts content with buttons and returns the message id.
	SendButtons(ctx context.Context, channelID, content string, buttons []Button) (string, error)
	// EditButtons rewrites a message's content and replaces (or, with nil
	// buttons, removes) its components.
	EditButtons(ctx context.Context, channelID, messageID, content string, buttons []Button) error
	// AwaitButton resolves the first click on messageID accepted by filter.
	// A rejected click receives an ephemeral refusal with the given text.
	AwaitButton(ctx context.Context, channelID, messageID string, timeout time.Duration,
		filter func(ButtonClick) bool, refusal string) (*ButtonClick, error)
	// AwaitMessage resolves the next message in channelID accepted by filter.
	AwaitMessage(ctx context.Context, channelID string, timeout time.Duration,
		filter func(Message) bool) (*Message, error)

	// ChannelInfo fetches channel metadata.
	ChannelInfo(ctx context.Context, channelID string) (*ChannelInfo, error)
	// MemberRoles returns the role ids of a guild member.
	MemberRoles(ctx context.Context, guildID, userID string) ([]string, error)
}
