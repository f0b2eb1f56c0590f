package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Discord adapts a discordgo session to the Messenger interface. One
// instance serves every channel; button and message waiters are routed by
// the gateway handlers registered in NewDiscord.
type Discord struct {
	s *discordgo.Session

	mu            sync.Mutex
	buttonWaiters map[string]*buttonWaiter // message id
	msgWaiters    map[string][]*msgWaiter  // channel id
}

type buttonWaiter struct {
	filter  func(ButtonClick) bool
	refusal string
	ch      chan ButtonClick
}

type msgWaiter struct {
	filter func(Message) bool
	ch     chan Message
}

// NewDiscord wraps an already-opened discordgo session.
func NewDiscord(s *discordgo.Session) *Discord {
	d := &Discord{
		s:             s,
		buttonWaiters: make(map[string]*buttonWaiter),
		msgWaiters:    make(map[string][]*msgWaiter),
	}
	s.AddHandler(d.onInteraction)
	s.AddHandler(d.onMessage)
	return d
}

func (d *Discord) Send(ctx context.Context, channelID, content string) (string, error) {
	msg, err := d.s.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", channelID, err)
	}
	return msg.ID, nil
}

func (d *Discord) Edit(ctx context.Context, channelID, messageID, content string) error {
	_, err := d.s.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("edit %s in %s: %w", messageID, channelID, err)
	}
	return nil
}

func (d *Discord) Delete(ctx context.Context, channelID, messageID string) error {
	return d.s.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
}

func (d *Discord) SendFile(ctx context.Context, channelID, content, filename string, data []byte) (string, error) {
	msg, err := d.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: content,
		Files:   []*discordgo.File{{Name: filename, ContentType: "text/plain", Reader: bytes.NewReader(data)}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send file to %s: %w", channelID, err)
	}
	return msg.ID, nil
}

func (d *Discord) Typing(ctx context.Context, channelID string) error {
	return d.s.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

func toComponents(buttons []Button) []discordgo.MessageComponent {
	if len(buttons) == 0 {
		return []discordgo.MessageComponent{}
	}
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		style := discordgo.PrimaryButton
		switch b.Style {
		case StyleSuccess:
			style = discordgo.SuccessButton
		case StyleDanger:
			style = discordgo.DangerButton
		case StyleSecondary:
			style = discordgo.SecondaryButton
		}
		row.Components = append(row.Components, discordgo.Button{
			Label:    b.Label,
			CustomID: b.CustomID,
			Style:    style,
		})
	}
	return []discordgo.MessageComponent{row}
}

func (d *Discord) SendButtons(ctx context.Context, channelID, content string, buttons []Button) (string, error) {
	msg, err := d.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    content,
		Components: toComponents(buttons),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send buttons to %s: %w", channelID, err)
	}
	return msg.ID, nil
}

func (d *Discord) EditButtons(ctx context.Context, channelID, messageID, content string, buttons []Button) error {
	comps := toComponents(buttons)
	_, err := d.s.ChannelMessageEditComplex(&discordgo.MessageEdit{
		Channel:    channelID,
		ID:         messageID,
		Content:    &content,
		Components: &comps,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("edit buttons %s in %s: %w", messageID, channelID, err)
	}
	return nil
}

func (d *Discord) AwaitButton(ctx context.Context, channelID, messageID string, timeout time.Duration,
	filter func(ButtonClick) bool, refusal string) (*ButtonClick, error) {
	w := &buttonWaiter{filter: filter, refusal: refusal, ch: make(chan ButtonClick, 1)}

	d.mu.Lock()
	d.buttonWaiters[messageID] = w
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.buttonWaiters[messageID] == w {
			delete(d.buttonWaiters, messageID)
		}
		d.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case click := <-w.ch:
		return &click, nil
	case <-timer.C:
		return nil, ErrCollectorTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Discord) AwaitMessage(ctx context.Context, channelID string, timeout time.Duration,
	filter func(Message) bool) (*Message, error) {
	w := &msgWaiter{filter: filter, ch: make(chan Message, 1)}

	d.mu.Lock()
	d.msgWaiters[channelID] = append(d.msgWaiters[channelID], w)
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		ws := d.msgWaiters[channelID]
		for i, cand := range ws {
			if cand == w {
				d.msgWaiters[channelID] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(d.msgWaiters[channelID]) == 0 {
			delete(d.msgWaiters, channelID)
		}
		d.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-w.ch:
		return &msg, nil
	case <-timer.C:
		return nil, ErrCollectorTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Discord) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent || i.Message == nil {
		return
	}

	d.mu.Lock()
	w := d.buttonWaiters[i.Message.ID]
	d.mu.Unlock()
	if w == nil {
		return
	}

	userID := ""
	if i.Member != nil && i.Member.User != nil {
		userID = i.Member.User.ID
	} else if i.User != nil {
		userID = i.User.ID
	}
	click := ButtonClick{
		MessageID: i.Message.ID,
		ChannelID: i.ChannelID,
		UserID:    userID,
		CustomID:  i.MessageComponentData().CustomID,
	}

	if w.filter != nil && !w.filter(click) {
		refusal := w.refusal
		if refusal == "" {
			refusal = "You are not allowed to use this button."
		}
		if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: refusal, Flags: discordgo.MessageFlagsEphemeral},
		}); err != nil {
			slog.Warn("interaction refusal failed", "message", i.Message.ID, "error", err)
		}
		return
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		slog.Warn("interaction ack failed", "message", i.Message.ID, "error", err)
	}

	select {
	case w.ch <- click:
	default: // already resolved
	}
}

func (d *Discord) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	msg := Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		AuthorID:  m.Author.ID,
		AuthorBot: m.Author.Bot,
		Content:   m.Content,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.msgWaiters[m.ChannelID] {
		if w.filter != nil && !w.filter(msg) {
			continue
		}
		select {
		case w.ch <- msg:
		default:
		}
		ws := d.msgWaiters[m.ChannelID]
		d.msgWaiters[m.ChannelID] = append(ws[:i], ws[i+1:]...)
		return
	}
}

func (d *Discord) ChannelInfo(ctx context.Context, channelID string) (*ChannelInfo, error) {
	ch, err := d.s.State.Channel(channelID)
	if err != nil {
		ch, err = d.s.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("fetch channel %s: %w", channelID, err)
		}
	}

	kind := KindUnknown
	switch ch.Type {
	case discordgo.ChannelTypeGuildText:
		kind = KindText
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		kind = KindThread
	case discordgo.ChannelTypeDM:
		kind = KindDM
	}
	return &ChannelInfo{ID: ch.ID, GuildID: ch.GuildID, ParentID: ch.ParentID, Kind: kind}, nil
}

func (d *Discord) MemberRoles(ctx context.Context, guildID, userID string) ([]string, error) {
	member, err := d.s.State.Member(guildID, userID)
	if err != nil {
		member, err = d.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("fetch member %s in %s: %w", userID, guildID, err)
		}
	}
	return member.Roles, nil
}

// IsGone reports whether err means the target message or channel no longer
// accepts writes (deleted message, missing access, revoked permissions).
// Callers recover by sending a fresh message instead of retrying the edit.
func IsGone(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownMessage,
			discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return true
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}
