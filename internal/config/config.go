// Package config loads the clawdeck configuration: a JSON5 file overlaid
// with CLAWDECK_* environment variables, env taking precedence. Secrets are
// only ever read from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// snowflakePattern validates platform identifiers before use.
var snowflakePattern = regexp.MustCompile(`^\d{17,20}$`)

// Config is the root configuration.
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Agent     AgentConfig     `json:"agent"`
	Storage   StorageConfig   `json:"storage"`
	Limits    LimitsConfig    `json:"limits"`
	Sweeps    SweepsConfig    `json:"sweeps"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// DiscordConfig identifies the bot and who may administer it. The token is
// NEVER read from the file, only from CLAWDECK_DISCORD_TOKEN.
type DiscordConfig struct {
	Token          string   `json:"-"`
	AdminChannelID string   `json:"admin_channel_id,omitempty"`
	AdminUserIDs   []string `json:"admin_user_ids,omitempty"`
	AdminRoleIDs   []string `json:"admin_role_ids,omitempty"`
	GuildAllowlist []string `json:"guild_allowlist,omitempty"`
	ChannelAllow   []string `json:"channel_allowlist,omitempty"`
	DMUserAllow    []string `json:"dm_user_allowlist,omitempty"`
}

// AgentConfig configures the coding-agent subprocess.
type AgentConfig struct {
	Binary          string   `json:"binary"`
	Args            []string `json:"args,omitempty"`
	DefaultModel    string   `json:"default_model"`
	SystemMessage   string   `json:"system_message,omitempty"`
	TaskTimeoutMS   int64    `json:"task_timeout_ms"`
	AutoApprovePush bool     `json:"auto_approve_push,omitempty"`
	AutoRetryCrash  bool     `json:"auto_retry_crash,omitempty"`
}

// StorageConfig places everything durable under one root. The hosting
// token comes from CLAWDECK_GITHUB_TOKEN (or GITHUB_TOKEN) only.
type StorageConfig struct {
	BaseRoot      string `json:"base_root"`
	DefaultRepo   string `json:"default_repo,omitempty"` // owner/repo used when a channel has no override
	DefaultBranch string `json:"default_branch"`
	HostToken     string `json:"-"`
}

// LimitsConfig tunes queue and output behavior.
type LimitsConfig struct {
	MaxQueueSize   int   `json:"max_queue_size"`
	MaxPromptChars int   `json:"max_prompt_chars"`
	EditIntervalMS int64 `json:"edit_interval_ms"`
	PauseGraceMS   int64 `json:"pause_grace_ms"`
}

// SweepsConfig holds cron expressions for the background sweeps.
type SweepsConfig struct {
	PauseGrace string `json:"pause_grace,omitempty"` // default every 12h
	Idle       string `json:"idle,omitempty"`        // default hourly
}

// TelemetryConfig enables optional OTLP task tracing.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure bool   `json:"insecure,omitempty"`
}

// Default returns a Config with working defaults for everything that has
// one.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Binary:        "claude",
			DefaultModel:  "default",
			TaskTimeoutMS: 20 * 60 * 1000,
		},
		Storage: StorageConfig{
			BaseRoot:      filepath.Join(home, ".clawdeck"),
			DefaultBranch: "main",
		},
		Limits: LimitsConfig{
			MaxQueueSize:   10,
			MaxPromptChars: 4000,
			EditIntervalMS: 1500,
			PauseGraceMS:   60 * 60 * 1000,
		},
		Sweeps: SweepsConfig{
			PauseGrace: "0 */12 * * *",
			Idle:       "0 * * * *",
		},
	}
}

// Load reads path (a missing file just yields defaults), overlays env
// vars, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	envStr("CLAWDECK_DISCORD_TOKEN", &c.Discord.Token)
	envStr("CLAWDECK_ADMIN_CHANNEL", &c.Discord.AdminChannelID)
	if v := os.Getenv("CLAWDECK_ADMIN_USERS"); v != "" {
		c.Discord.AdminUserIDs = splitList(v)
	}

	envStr("CLAWDECK_GITHUB_TOKEN", &c.Storage.HostToken)
	if c.Storage.HostToken == "" {
		envStr("GITHUB_TOKEN", &c.Storage.HostToken)
	}
	envStr("CLAWDECK_BASE_ROOT", &c.Storage.BaseRoot)
	envStr("CLAWDECK_DEFAULT_REPO", &c.Storage.DefaultRepo)
	envStr("CLAWDECK_DEFAULT_BRANCH", &c.Storage.DefaultBranch)

	envStr("CLAWDECK_AGENT_BINARY", &c.Agent.Binary)
	envStr("CLAWDECK_MODEL", &c.Agent.DefaultModel)
	envInt64("CLAWDECK_TASK_TIMEOUT_MS", &c.Agent.TaskTimeoutMS)
	envBool("CLAWDECK_AUTO_APPROVE_PUSH", &c.Agent.AutoApprovePush)

	envInt64("CLAWDECK_EDIT_INTERVAL_MS", &c.Limits.EditIntervalMS)
	envInt64("CLAWDECK_PAUSE_GRACE_MS", &c.Limits.PauseGraceMS)

	envBool("CLAWDECK_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("CLAWDECK_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envBool("CLAWDECK_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects malformed identifiers and nonsensical limits before any
// component sees them.
func (c *Config) Validate() error {
	idLists := map[string][]string{
		"admin_user_ids":    c.Discord.AdminUserIDs,
		"admin_role_ids":    c.Discord.AdminRoleIDs,
		"guild_allowlist":   c.Discord.GuildAllowlist,
		"channel_allowlist": c.Discord.ChannelAllow,
		"dm_user_allowlist": c.Discord.DMUserAllow,
	}
	if c.Discord.AdminChannelID != "" {
		idLists["admin_channel_id"] = []string{c.Discord.AdminChannelID}
	}
	for name, ids := range idLists {
		for _, id := range ids {
			if !snowflakePattern.MatchString(id) {
				return fmt.Errorf("config %s: %q is not a 17-20 digit identifier", name, id)
			}
		}
	}

	if c.Limits.MaxQueueSize < 1 {
		return fmt.Errorf("config max_queue_size must be at least 1, got %d", c.Limits.MaxQueueSize)
	}
	if c.Agent.TaskTimeoutMS < 1000 {
		return fmt.Errorf("config task_timeout_ms must be at least 1000, got %d", c.Agent.TaskTimeoutMS)
	}
	if c.Storage.BaseRoot == "" {
		return fmt.Errorf("config base_root is required")
	}
	return nil
}

// Redacted returns a copy safe to print: secrets blanked.
func (c *Config) Redacted() Config {
	out := *c
	if out.Discord.Token != "" {
		out.Discord.Token = "****"
	}
	if out.Storage.HostToken != "" {
		out.Storage.HostToken = "****"
	}
	return out
}
