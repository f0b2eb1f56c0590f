package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	body := `{
		// channel the admins live in
		discord: {
			admin_channel_id: "123456789012345678",
			admin_user_ids: ["876543210987654321"],
		},
		limits: { max_queue_size: 5 },
		storage: { base_root: "` + dir + `", default_branch: "develop" },
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.AdminChannelID != "123456789012345678" {
		t.Errorf("admin channel = %q", cfg.Discord.AdminChannelID)
	}
	if cfg.Limits.MaxQueueSize != 5 {
		t.Errorf("queue size = %d", cfg.Limits.MaxQueueSize)
	}
	if cfg.Storage.DefaultBranch != "develop" {
		t.Errorf("branch = %q", cfg.Storage.DefaultBranch)
	}
	// Fields the file omitted keep their defaults.
	if cfg.Agent.TaskTimeoutMS != 20*60*1000 {
		t.Errorf("task timeout = %d", cfg.Agent.TaskTimeoutMS)
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load of absent file: %v", err)
	}
	if cfg.Agent.Binary != "claude" {
		t.Errorf("binary = %q", cfg.Agent.Binary)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("CLAWDECK_DISCORD_TOKEN", "tok-from-env")
	t.Setenv("CLAWDECK_MODEL", "opus")
	t.Setenv("CLAWDECK_PAUSE_GRACE_MS", "120000")
	t.Setenv("CLAWDECK_ADMIN_USERS", "111111111111111111, 222222222222222222")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Discord.Token != "tok-from-env" {
		t.Errorf("token = %q", cfg.Discord.Token)
	}
	if cfg.Agent.DefaultModel != "opus" {
		t.Errorf("model = %q", cfg.Agent.DefaultModel)
	}
	if cfg.Limits.PauseGraceMS != 120000 {
		t.Errorf("pause grace = %d", cfg.Limits.PauseGraceMS)
	}
	if len(cfg.Discord.AdminUserIDs) != 2 {
		t.Errorf("admin users = %v", cfg.Discord.AdminUserIDs)
	}
}

func TestSnowflakeValidation(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{"123456789012345678", true},  // 18 digits
		{"12345678901234567", true},   // 17
		{"12345678901234567890", true}, // 20
		{"1234567890123456", false},   // 16
		{"123456789012345678901", false},
		{"12345678901234567x", false},
		{"", false},
	}
	for _, tt := range tests {
		cfg := Default()
		if tt.id != "" {
			cfg.Discord.GuildAllowlist = []string{tt.id}
		} else {
			cfg.Discord.GuildAllowlist = []string{""}
		}
		err := cfg.Validate()
		if tt.ok && err != nil {
			t.Errorf("id %q rejected: %v", tt.id, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("id %q accepted", tt.id)
		}
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Discord.Token = "supersecrettoken"
	cfg.Storage.HostToken = "ghp_supersecret"

	r := cfg.Redacted()
	if r.Discord.Token != "****" || r.Storage.HostToken != "****" {
		t.Errorf("secrets leaked: %+v", r)
	}
	// Original untouched.
	if cfg.Discord.Token != "supersecrettoken" {
		t.Error("Redacted mutated the original")
	}
}
