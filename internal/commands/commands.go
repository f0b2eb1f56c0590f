// Package commands is the administrative surface: slash-command handlers
// acting on the session core, grant store, and override tables. Handlers
// are platform-neutral (Request in, Reply out); the discordgo glue lives
// in discord.go.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawdeck/internal/config"
	"github.com/nextlevelbuilder/clawdeck/internal/grants"
	"github.com/nextlevelbuilder/clawdeck/internal/policy"
	"github.com/nextlevelbuilder/clawdeck/internal/session"
	"github.com/nextlevelbuilder/clawdeck/internal/store"
	"github.com/nextlevelbuilder/clawdeck/internal/workspace"
)

// Request is one command invocation, already parsed out of the platform
// interaction.
type Request struct {
	Command   string
	ChannelID string
	GuildID   string
	UserID    string
	Roles     []string
	Options   map[string]any
}

// Reply is what the user sees. Ephemeral replies are visible only to the
// invoker.
type Reply struct {
	Content   string
	Ephemeral bool
}

// Handler dispatches admin commands against the core. Config is a
// snapshot function so hot-reloaded allowlists take effect without
// restarting.
type Handler struct {
	Core       *session.Core
	Grants     *grants.Store
	DB         *store.Store
	Workspaces session.Workspaces
	Config     func() *config.Config

	limiter *userLimiter
}

// New wires a handler with a per-user rate limiter.
func New(core *session.Core, g *grants.Store, db *store.Store, ws session.Workspaces, cfg func() *config.Config) *Handler {
	return &Handler{
		Core:       core,
		Grants:     g,
		DB:         db,
		Workspaces: ws,
		Config:     cfg,
		limiter:    newUserLimiter(),
	}
}

// Dispatch runs one command through rate limiting, admin gating, and the
// named handler. Every path returns a Reply; errors never escape.
func (h *Handler) Dispatch(ctx context.Context, req Request) Reply {
	if !h.limiter.Allow(req.UserID) {
		return Reply{Content: "⏳ Slow down: too many commands.", Ephemeral: true}
	}
	if !h.isAdmin(req) {
		return Reply{Content: "🚫 This command is restricted to administrators.", Ephemeral: true}
	}

	var reply Reply
	var err error
	switch req.Command {
	case "grant":
		reply, err = h.grant(req)
	case "revoke":
		reply, err = h.revoke(req)
	case "reset":
		reply, err = h.reset(ctx, req)
	case "stop":
		reply, err = h.stop(ctx, req)
	case "pause":
		reply, err = h.pause(req)
	case "resume":
		reply, err = h.resume(req)
	case "set-repo":
		reply, err = h.setRepo(ctx, req)
	case "set-branch":
		reply, err = h.setBranch(ctx, req)
	case "set-model":
		reply, err = h.setModel(ctx, req)
	case "responder":
		reply, err = h.responder(req)
	case "status":
		reply, err = h.status(req)
	case "config":
		reply, err = h.showConfig()
	default:
		return Reply{Content: fmt.Sprintf("Unknown command %q.", req.Command), Ephemeral: true}
	}
	if err != nil {
		slog.Warn("command failed", "command", req.Command, "channel", req.ChannelID, "error", err)
		return Reply{Content: "⚠️ " + userMessage(err), Ephemeral: true}
	}
	return reply
}

// userMessage keeps internal detail out of chat for non-rejection errors.
func userMessage(err error) string {
	var e *session.Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "Command failed; check the logs."
}

func (h *Handler) isAdmin(req Request) bool {
	cfg := h.Config()
	if slices.Contains(cfg.Discord.AdminUserIDs, req.UserID) {
		return true
	}
	for _, r := range req.Roles {
		if slices.Contains(cfg.Discord.AdminRoleIDs, r) {
			return true
		}
	}
	return false
}

func optString(opts map[string]any, name string) string {
	v, _ := opts[name].(string)
	return v
}

func optInt(opts map[string]any, name string) (int64, bool) {
	switch v := opts[name].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func optBool(opts map[string]any, name string) bool {
	v, _ := opts[name].(bool)
	return v
}

func (h *Handler) grant(req Request) (Reply, error) {
	path := optString(req.Options, "path")
	if !filepath.IsAbs(path) {
		return Reply{}, &session.Error{Kind: session.KindInputRejected,
			Msg: fmt.Sprintf("grant path must be absolute, got %q", path)}
	}
	mode := policy.Mode(optString(req.Options, "mode"))
	if mode != policy.ModeRO && mode != policy.ModeRW {
		return Reply{}, &session.Error{Kind: session.KindInputRejected,
			Msg: fmt.Sprintf("grant mode must be ro or rw, got %q", mode)}
	}
	ttl, ok := optInt(req.Options, "ttl")
	if !ok || ttl < 1 {
		return Reply{}, &session.Error{Kind: session.KindInputRejected,
			Msg: "grant ttl must be a positive number of minutes"}
	}

	expiry, err := h.Grants.Add(req.ChannelID, path, mode, time.Duration(ttl)*time.Minute)
	if err != nil {
		return Reply{}, fmt.Errorf("add grant: %w", err)
	}
	return Reply{Content: fmt.Sprintf("🔐 Granted %s access to `%s` until %s (%d min).",
		mode, path, expiry.Format(time.RFC3339), ttl)}, nil
}

func (h *Handler) revoke(req Request) (Reply, error) {
	if optBool(req.Options, "all") {
		if err := h.Grants.RevokeAll(req.ChannelID); err != nil {
			return Reply{}, fmt.Errorf("revoke all grants: %w", err)
		}
		return Reply{Content: "🔓 All grants for this channel revoked."}, nil
	}
	path := optString(req.Options, "path")
	if !filepath.IsAbs(path) {
		return Reply{}, &session.Error{Kind: session.KindInputRejected,
			Msg: fmt.Sprintf("revoke path must be absolute, got %q", path)}
	}
	if err := h.Grants.Revoke(req.ChannelID, path); err != nil {
		return Reply{}, fmt.Errorf("revoke grant: %w", err)
	}
	return Reply{Content: fmt.Sprintf("🔓 Grant on `%s` revoked.", path)}, nil
}

func (h *Handler) reset(ctx context.Context, req Request) (Reply, error) {
	if err := h.Core.Reset(ctx, req.ChannelID); err != nil {
		return Reply{}, err
	}
	return Reply{Content: "♻️ Session reset. The workspace was removed; the next message starts fresh."}, nil
}

func (h *Handler) stop(ctx context.Context, req Request) (Reply, error) {
	clear := optBool(req.Options, "clear_queue")
	if err := h.Core.Stop(ctx, req.ChannelID, clear); err != nil {
		return Reply{}, err
	}
	if clear {
		return Reply{Content: "⏹️ Running task aborted and queue cleared."}, nil
	}
	return Reply{Content: "⏹️ Running task aborted. Queued tasks remain."}, nil
}

func (h *Handler) pause(req Request) (Reply, error) {
	if err := h.Core.Pause(req.ChannelID); err != nil {
		return Reply{}, err
	}
	return Reply{Content: "⏸️ Paused. The running task finishes; queued tasks wait for /resume."}, nil
}

func (h *Handler) resume(req Request) (Reply, error) {
	if err := h.Core.Resume(req.ChannelID); err != nil {
		return Reply{}, err
	}
	return Reply{Content: "▶️ Resumed."}, nil
}

func (h *Handler) setRepo(ctx context.Context, req Request) (Reply, error) {
	input := optString(req.Options, "repo")
	repo, err := workspace.ParseRepoInput(input)
	if err != nil {
		return Reply{}, &session.Error{Kind: session.KindInputRejected,
			Msg: fmt.Sprintf("repository %q not accepted: %v", input, err)}
	}

	repoPath, err := h.Workspaces.EnsureRepo(ctx, repo.Project(), repo.RemoteURL)
	if err != nil {
		return Reply{}, fmt.Errorf("clone %s: %w", repo.Project(), err)
	}
	if err := h.DB.SetRepoOverride(store.RepoOverride{
		Channel:   req.ChannelID,
		RemoteURL: repo.RemoteURL,
		RepoPath:  repoPath,
		Project:   repo.Project(),
	}); err != nil {
		return Reply{}, fmt.Errorf("persist repo override: %w", err)
	}

	// The old session points at the old repo; tear it down. Absent is fine.
	if err := h.Core.Reset(ctx, req.ChannelID); err != nil && session.KindOf(err) != session.KindInputRejected {
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("📦 Channel now targets `%s`. Any branch override was cleared and the session reset.", repo.Project())}, nil
}

func (h *Handler) setBranch(ctx context.Context, req Request) (Reply, error) {
	branch := optString(req.Options, "branch")
	if branch == "" {
		return Reply{}, &session.Error{Kind: session.KindInputRejected, Msg: "branch name is required"}
	}

	project, err := h.channelProject(req.ChannelID)
	if err != nil {
		return Reply{}, err
	}
	if err := h.Workspaces.ValidateBranch(ctx, project, branch); err != nil {
		return Reply{}, &session.Error{Kind: session.KindInputRejected,
			Msg: fmt.Sprintf("branch %q not found on the remote of %s", branch, project)}
	}
	if err := h.DB.SetBranchOverride(req.ChannelID, branch); err != nil {
		return Reply{}, fmt.Errorf("persist branch override: %w", err)
	}
	if err := h.Core.Reset(ctx, req.ChannelID); err != nil && session.KindOf(err) != session.KindInputRejected {
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("🌿 Base branch set to `%s`. Session reset; the next task branches from it.", branch)}, nil
}

// channelProject resolves which repository a channel works against:
// override first, then the global default.
func (h *Handler) channelProject(channel string) (string, error) {
	if ov, err := h.DB.GetRepoOverride(channel); err != nil {
		return "", fmt.Errorf("load repo override: %w", err)
	} else if ov != nil {
		return ov.Project, nil
	}
	def := h.Config().Storage.DefaultRepo
	if def == "" {
		return "", &session.Error{Kind: session.KindInputRejected,
			Msg: "no repository configured for this channel; use /set-repo first"}
	}
	repo, err := workspace.ParseRepoInput(def)
	if err != nil {
		return "", fmt.Errorf("default repo %q: %w", def, err)
	}
	return repo.Project(), nil
}

func (h *Handler) setModel(ctx context.Context, req Request) (Reply, error) {
	model := optString(req.Options, "model")
	if model == "" {
		return Reply{}, &session.Error{Kind: session.KindInputRejected, Msg: "model id is required"}
	}
	if err := h.Core.SetModel(ctx, req.ChannelID, model); err != nil {
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("🧠 Model switched to `%s`.", model)}, nil
}

func (h *Handler) responder(req Request) (Reply, error) {
	user := optString(req.Options, "user")
	if user == "" {
		return Reply{}, &session.Error{Kind: session.KindInputRejected, Msg: "user is required"}
	}
	if optString(req.Options, "action") == "remove" {
		if err := h.DB.RemoveResponder(req.ChannelID, user); err != nil {
			return Reply{}, fmt.Errorf("remove responder: %w", err)
		}
		return Reply{Content: fmt.Sprintf("🙊 <@%s> may no longer answer agent questions here.", user)}, nil
	}
	if err := h.DB.AddResponder(req.ChannelID, user); err != nil {
		return Reply{}, fmt.Errorf("add responder: %w", err)
	}
	return Reply{Content: fmt.Sprintf("🗣️ <@%s> may now answer agent questions in this channel.", user)}, nil
}

func (h *Handler) status(req Request) (Reply, error) {
	st := h.Core.ChannelStatus(req.ChannelID)
	if !st.Exists {
		return Reply{Content: "No active session in this channel.", Ephemeral: true}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** on `%s`\n", st.Project, st.Branch)
	state := "idle"
	if st.Working {
		state = "working"
	}
	if st.Paused {
		state += " (paused)"
	}
	fmt.Fprintf(&b, "State: %s · queued: %d · model: `%s`\n", state, st.QueueLen, st.Model)

	if active := h.Grants.Active(req.ChannelID); len(active) > 0 {
		b.WriteString("Grants:\n")
		for _, g := range active {
			fmt.Fprintf(&b, "  `%s` (%s)\n", g.Path, g.Mode)
		}
	}
	if last, err := h.DB.LastTask(req.ChannelID); err == nil && last != nil {
		fmt.Fprintf(&b, "Last task: %s (%s)\n", last.Status, last.StartedAt.Format(time.RFC3339))
	}
	return Reply{Content: b.String(), Ephemeral: true}, nil
}

func (h *Handler) showConfig() (Reply, error) {
	redacted := h.Config().Redacted()
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return Reply{}, fmt.Errorf("render config: %w", err)
	}
	return Reply{Content: "```json\n" + string(data) + "\n```", Ephemeral: true}, nil
}
