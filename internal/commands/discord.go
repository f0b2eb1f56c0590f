package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawdeck/internal/chat"
)

// quietCommands get ephemeral responses; everything else replies in the
// channel so the room sees what changed.
var quietCommands = map[string]bool{"status": true, "config": true}

// Definitions is the slash-command set registered with Discord.
func Definitions() []*discordgo.ApplicationCommand {
	minTTL := float64(1)
	return []*discordgo.ApplicationCommand{
		{
			Name:        "grant",
			Description: "Grant the agent time-bounded access to a path outside the workspace",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "path", Description: "Absolute path", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "mode", Description: "Access mode", Required: true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "read-only", Value: "ro"},
						{Name: "read-write", Value: "rw"},
					}},
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "ttl", Description: "Minutes until expiry", Required: true, MinValue: &minTTL},
			},
		},
		{
			Name:        "revoke",
			Description: "Revoke a filesystem grant",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "path", Description: "Absolute path"},
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "all", Description: "Revoke every grant for this channel"},
			},
		},
		{Name: "reset", Description: "Destroy this channel's session and workspace"},
		{
			Name:        "stop",
			Description: "Abort the running task",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "clear_queue", Description: "Also drop queued tasks"},
			},
		},
		{Name: "pause", Description: "Stop promoting queued tasks"},
		{Name: "resume", Description: "Resume promoting queued tasks"},
		{
			Name:        "set-repo",
			Description: "Point this channel at a repository",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "repo", Description: "owner/repo or full URL", Required: true},
			},
		},
		{
			Name:        "set-branch",
			Description: "Override the base branch for this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "branch", Description: "Branch name on the remote", Required: true},
			},
		},
		{
			Name:        "set-model",
			Description: "Hot-swap the agent model for this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "model", Description: "Model identifier", Required: true},
			},
		},
		{
			Name:        "responder",
			Description: "Allow or disallow a user to answer agent questions here",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "action", Description: "add or remove", Required: true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "add", Value: "add"},
						{Name: "remove", Value: "remove"},
					}},
				{Type: discordgo.ApplicationCommandOptionUser, Name: "user", Description: "The user", Required: true},
			},
		},
		{Name: "status", Description: "Show this channel's session state"},
		{Name: "config", Description: "Show the current configuration (secrets redacted)"},
	}
}

// Gateway binds the handler and router onto a discordgo session.
type Gateway struct {
	Handler *Handler
	Router  *Router
}

// Register overwrites the bot's slash commands. An empty guildID registers
// globally (slower to propagate).
func (g *Gateway) Register(s *discordgo.Session, appID, guildID string) error {
	if _, err := s.ApplicationCommandBulkOverwrite(appID, guildID, Definitions()); err != nil {
		return fmt.Errorf("register slash commands: %w", err)
	}
	return nil
}

// Bind attaches the interaction and message handlers.
func (g *Gateway) Bind(s *discordgo.Session) {
	s.AddHandler(g.onInteraction)
	s.AddHandler(g.onMessage)
}

func (g *Gateway) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()

	req := Request{
		Command:   data.Name,
		ChannelID: i.ChannelID,
		GuildID:   i.GuildID,
		Options:   make(map[string]any, len(data.Options)),
	}
	if i.Member != nil && i.Member.User != nil {
		req.UserID = i.Member.User.ID
		req.Roles = i.Member.Roles
	} else if i.User != nil {
		req.UserID = i.User.ID
	}
	for _, opt := range data.Options {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionString:
			req.Options[opt.Name] = opt.StringValue()
		case discordgo.ApplicationCommandOptionInteger:
			req.Options[opt.Name] = opt.IntValue()
		case discordgo.ApplicationCommandOptionBoolean:
			req.Options[opt.Name] = opt.BoolValue()
		case discordgo.ApplicationCommandOptionUser:
			req.Options[opt.Name], _ = opt.Value.(string)
		}
	}

	// Commands like set-repo clone repositories; always defer.
	var flags discordgo.MessageFlags
	if quietCommands[req.Command] {
		flags = discordgo.MessageFlagsEphemeral
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	}); err != nil {
		slog.Warn("command ack failed", "command", req.Command, "error", err)
		return
	}

	go func() {
		reply := g.Handler.Dispatch(context.Background(), req)
		if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
			Content: &reply.Content,
		}); err != nil {
			slog.Warn("command reply failed", "command", req.Command, "error", err)
		}
	}()
}

func (g *Gateway) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	in := Inbound{
		Message: chat.Message{
			ID:        m.ID,
			ChannelID: m.ChannelID,
			AuthorID:  m.Author.ID,
			AuthorBot: m.Author.Bot,
			Content:   m.Content,
		},
		GuildID: m.GuildID,
		IsDM:    m.GuildID == "",
	}
	for _, u := range m.Mentions {
		if u.ID == g.Router.BotUserID {
			in.Mentioned = true
			break
		}
	}
	if ch, err := s.State.Channel(m.ChannelID); err == nil && ch.IsThread() {
		in.IsThread = true
		in.ParentID = ch.ParentID
	}

	g.Router.Handle(context.Background(), in)
}
