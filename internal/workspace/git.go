package workspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// gitTimeout bounds any single git invocation; clones of large repos are
// the slowest thing we run.
const gitTimeout = 5 * time.Minute

// Runner executes git subprocesses. Credentials, when set, are injected
// through GIT_CONFIG_* environment variables so tokens never appear in
// remote URLs, process listings, or on-disk config.
type Runner struct {
	Token string // hosting-service token, optional
}

// env returns the process environment for a git call.
func (r *Runner) env() []string {
	env := os.Environ()
	env = append(env, "GIT_TERMINAL_PROMPT=0")
	if r.Token == "" {
		env = append(env, "GIT_CONFIG_COUNT=0")
		return env
	}
	auth := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + r.Token))
	env = append(env,
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http.https://github.com/.extraheader",
		"GIT_CONFIG_VALUE_0=Authorization: basic "+auth,
	)
	return env
}

// Run executes git with the given args in dir and returns trimmed stdout.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = r.env()

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Ok reports whether a git command succeeds, discarding output.
func (r *Runner) Ok(ctx context.Context, dir string, args ...string) bool {
	_, err := r.Run(ctx, dir, args...)
	return err == nil
}
