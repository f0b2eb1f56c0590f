// Package redact scrubs secrets from text before it reaches the chat platform.
package redact

import (
	"os"
	"regexp"
	"strings"
	"sync"
)

// Replacement is substituted for every matched secret.
const Replacement = "[REDACTED]"

// tokenPatterns match well-known credential shapes regardless of environment.
var tokenPatterns = []*regexp.Regexp{
	// GitHub tokens: classic PAT, fine-grained PAT, OAuth, server-to-server, refresh
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`),
	regexp.MustCompile(`gh[osur]_[A-Za-z0-9]{36,}`),
	// AWS access key id + secret assignment
	regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`),
	regexp.MustCompile(`(?i)aws_secret_access_key\s*[=:]\s*\S+`),
	// Slack tokens
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	// Discord bot tokens (three dot-separated base64 runs)
	regexp.MustCompile(`[MNO][A-Za-z\d_-]{23,}\.[A-Za-z\d_-]{6}\.[A-Za-z\d_-]{27,}`),
	// OpenAI / Anthropic style API keys
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	// Generic assignments: password=..., token: ..., api_key=...
	regexp.MustCompile(`(?i)\b(password|passwd|api[_-]?key|auth[_-]?token|secret)\s*[=:]\s*["']?[^\s"']{8,}`),
	// Private key headers
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// envSecretNames are environment variables whose literal values are scrubbed.
var envSecretNames = []string{
	"DISCORD_TOKEN",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"CLAWDECK_DISCORD_TOKEN",
	"CLAWDECK_HOST_TOKEN",
}

// Scanner replaces secret material in arbitrary text. The interesting
// environment values are captured once at construction so tests can inject
// a synthetic environment.
type Scanner struct {
	mu        sync.RWMutex
	envValues []string
}

// NewScanner captures secret values from the process environment.
func NewScanner() *Scanner {
	env := make(map[string]string, len(envSecretNames))
	for _, name := range envSecretNames {
		if v := os.Getenv(name); v != "" {
			env[name] = v
		}
	}
	return NewScannerFromEnv(env)
}

// NewScannerFromEnv builds a scanner from an explicit environment map.
func NewScannerFromEnv(env map[string]string) *Scanner {
	s := &Scanner{}
	for _, v := range env {
		// Short values would cause rampant false positives.
		if len(v) >= 8 {
			s.envValues = append(s.envValues, v)
		}
	}
	return s
}

// AddSecret registers an additional literal value to scrub.
func (s *Scanner) AddSecret(value string) {
	if len(value) < 8 {
		return
	}
	s.mu.Lock()
	s.envValues = append(s.envValues, value)
	s.mu.Unlock()
}

// Clean returns text with every secret occurrence replaced.
func (s *Scanner) Clean(text string) string {
	if text == "" {
		return text
	}
	s.mu.RLock()
	for _, v := range s.envValues {
		text = strings.ReplaceAll(text, v, Replacement)
	}
	s.mu.RUnlock()
	for _, pat := range tokenPatterns {
		text = pat.ReplaceAllString(text, Replacement)
	}
	return text
}

// MaxSecretLen bounds the longest secret a pattern can match across a chunk
// boundary. Streaming writers keep this many trailing characters unscanned
// until more input arrives.
const MaxSecretLen = 120
