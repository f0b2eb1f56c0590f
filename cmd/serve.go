package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawdeck/internal/agentapi"
	"github.com/nextlevelbuilder/clawdeck/internal/approval"
	"github.com/nextlevelbuilder/clawdeck/internal/chat"
	"github.com/nextlevelbuilder/clawdeck/internal/commands"
	"github.com/nextlevelbuilder/clawdeck/internal/config"
	"github.com/nextlevelbuilder/clawdeck/internal/grants"
	"github.com/nextlevelbuilder/clawdeck/internal/redact"
	"github.com/nextlevelbuilder/clawdeck/internal/session"
	"github.com/nextlevelbuilder/clawdeck/internal/store"
	"github.com/nextlevelbuilder/clawdeck/internal/tracing"
	"github.com/nextlevelbuilder/clawdeck/internal/workspace"
)

// shutdownDeadline is how long a graceful shutdown may take before the
// watchdog force-exits.
const shutdownDeadline = 15 * time.Second

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Discord.Token == "" {
		slog.Error("CLAWDECK_DISCORD_TOKEN is not set")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopTracing, err := tracing.Setup(ctx, tracing.Options{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Insecure: cfg.Telemetry.Insecure,
		Version:  Version,
	})
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
		stopTracing = func(context.Context) error { return nil }
	}

	db, err := store.Open(filepath.Join(cfg.Storage.BaseRoot, "clawdeck.db"))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	if db.Degraded {
		slog.Warn("store is running on a prior schema; see pre-migration backup")
	}

	grantStore := grants.New(db)
	scanner := redact.NewScanner()
	ws := workspace.NewManager(cfg.Storage.BaseRoot, cfg.Storage.DefaultBranch, cfg.Storage.HostToken)

	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		slog.Error("discord client", "error", err)
		os.Exit(1)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	messenger := chat.NewDiscord(dg)

	if err := dg.Open(); err != nil {
		slog.Error("discord login failed", "error", err)
		os.Exit(1)
	}
	me, err := dg.User("@me")
	if err != nil {
		slog.Error("discord identity fetch failed", "error", err)
		dg.Close()
		os.Exit(1)
	}

	// Allowlists and admin sets follow the file; everything else needs a
	// restart.
	var liveCfg atomic.Pointer[config.Config]
	liveCfg.Store(cfg)
	snapshot := func() *config.Config { return liveCfg.Load() }
	watcher, werr := config.Watch(cfgPath, func(c *config.Config) { liveCfg.Store(c) })
	if werr != nil {
		slog.Warn("config hot-reload unavailable", "error", werr)
	}

	approvals := approval.New(messenger, scanner, ws)
	approvals.AdminRoles = cfg.Discord.AdminRoleIDs
	approvals.AdminUsers = cfg.Discord.AdminUserIDs
	approvals.AutoApprove = cfg.Agent.AutoApprovePush

	agents := &agentapi.ProcFactory{Binary: cfg.Agent.Binary, Args: cfg.Agent.Args}

	core := session.New(session.Params{
		DefaultModel:   cfg.Agent.DefaultModel,
		SystemMessage:  cfg.Agent.SystemMessage,
		DefaultRepo:    cfg.Storage.DefaultRepo,
		MaxQueueSize:   cfg.Limits.MaxQueueSize,
		MaxPromptChars: cfg.Limits.MaxPromptChars,
		TaskTimeout:    time.Duration(cfg.Agent.TaskTimeoutMS) * time.Millisecond,
		EditInterval:   time.Duration(cfg.Limits.EditIntervalMS) * time.Millisecond,
		PauseGrace:     time.Duration(cfg.Limits.PauseGraceMS) * time.Millisecond,
		AutoRetryCrash: cfg.Agent.AutoRetryCrash,
		AdminUserIDs:   cfg.Discord.AdminUserIDs,
		DMUserAllow:    cfg.Discord.DMUserAllow,
	}, messenger, agents, db, grantStore, approvals, scanner, ws)

	if err := core.Recover(ctx); err != nil {
		slog.Error("crash recovery failed", "error", err)
	}
	if err := core.StartSweeps(ctx, cfg.Sweeps.PauseGrace, cfg.Sweeps.Idle); err != nil {
		slog.Error("invalid sweep schedule", "error", err)
		os.Exit(1)
	}

	gw := &commands.Gateway{
		Handler: commands.New(core, grantStore, db, ws, snapshot),
		Router: &commands.Router{
			Core:      core,
			Messenger: messenger,
			Config:    snapshot,
			BotUserID: me.ID,
		},
	}
	gw.Bind(dg)
	if err := gw.Register(dg, me.ID, ""); err != nil {
		slog.Warn("slash command registration failed", "error", err)
	}

	slog.Info("clawdeck up", "version", Version, "user", me.Username, "id", me.ID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig)

	time.AfterFunc(shutdownDeadline, func() {
		slog.Error("shutdown watchdog fired, exiting unclean")
		os.Exit(1)
	})

	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownDeadline-5*time.Second)
	defer shCancel()
	if cfg.Discord.AdminChannelID != "" {
		if _, err := messenger.Send(shCtx, cfg.Discord.AdminChannelID, "🔌 Clawdeck going offline."); err != nil {
			slog.Warn("offline notice failed", "error", err)
		}
	}

	core.Shutdown(shCtx)
	cancel()
	if watcher != nil {
		watcher.Close()
	}
	if err := dg.Close(); err != nil {
		slog.Warn("discord close failed", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	if err := stopTracing(shCtx); err != nil {
		slog.Warn("trace flush failed", "error", err)
	}
	slog.Info("clawdeck stopped")
}
