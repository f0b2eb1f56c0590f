// Package workspace provisions per-channel git worktrees: cloning repos on
// demand, cutting agent branches, validating and healing corrupted trees,
// and reconciling the on-disk layout with the durable store at boot.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var repoShortPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// Repo identifies a parsed repository input.
type Repo struct {
	Owner     string
	Name      string
	RemoteURL string
}

// Project is the directory-safe name for a repo.
func (r Repo) Project() string {
	return strings.TrimSuffix(r.Name, ".git")
}

// ParseRepoInput accepts `owner/repo` or a full hosting URL and rejects
// anything else.
func ParseRepoInput(input string) (Repo, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Repo{}, fmt.Errorf("empty repository")
	}

	if repoShortPattern.MatchString(input) {
		parts := strings.SplitN(input, "/", 2)
		return Repo{
			Owner:     parts[0],
			Name:      strings.TrimSuffix(parts[1], ".git"),
			RemoteURL: "https://github.com/" + parts[0] + "/" + strings.TrimSuffix(parts[1], ".git"),
		}, nil
	}

	if strings.HasPrefix(input, "git@") {
		// git@host:owner/repo.git
		rest := strings.SplitN(strings.TrimPrefix(input, "git@"), ":", 2)
		if len(rest) != 2 {
			return Repo{}, fmt.Errorf("unrecognized repository %q", input)
		}
		path := strings.TrimSuffix(rest[1], ".git")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Repo{}, fmt.Errorf("unrecognized repository %q", input)
		}
		return Repo{Owner: parts[0], Name: parts[1], RemoteURL: "https://" + rest[0] + "/" + path}, nil
	}

	u, err := url.Parse(input)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return Repo{}, fmt.Errorf("unrecognized repository %q", input)
	}
	path := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("repository URL must name owner/repo: %q", input)
	}
	return Repo{Owner: parts[0], Name: parts[1], RemoteURL: "https://" + u.Host + "/" + path}, nil
}

// Worktree is one provisioned channel workspace.
type Worktree struct {
	Path    string
	Branch  string
	BaseRef string
}

// Manager owns the on-disk layout under BaseRoot: repos/<project> for bare
// working clones and workspaces/<project>/<channel> for agent worktrees.
type Manager struct {
	BaseRoot      string
	DefaultBranch string
	Git           *Runner

	mu      sync.Mutex
	pending map[string]*cloneResult // project → in-flight clone
}

type cloneResult struct {
	done chan struct{}
	path string
	err  error
}

// NewManager creates a workspace manager rooted at baseRoot.
func NewManager(baseRoot, defaultBranch, token string) *Manager {
	return &Manager{
		BaseRoot:      baseRoot,
		DefaultBranch: defaultBranch,
		Git:           &Runner{Token: token},
		pending:       make(map[string]*cloneResult),
	}
}

// RepoPath returns where a project's clone lives.
func (m *Manager) RepoPath(project string) string {
	return filepath.Join(m.BaseRoot, "repos", project)
}

// WorkspacePath returns where a channel's worktree lives.
func (m *Manager) WorkspacePath(project, channelID string) string {
	return filepath.Join(m.BaseRoot, "workspaces", project, channelID)
}

// WorkspacesRoot is the directory all worktrees live under; policy
// containment is anchored per-worktree, not here.
func (m *Manager) WorkspacesRoot() string {
	return filepath.Join(m.BaseRoot, "workspaces")
}

// EnsureRepo clones remoteURL into repos/<project> unless it is already
// there. Concurrent calls for the same project share one clone.
func (m *Manager) EnsureRepo(ctx context.Context, project, remoteURL string) (string, error) {
	m.mu.Lock()
	if res, ok := m.pending[project]; ok {
		m.mu.Unlock()
		select {
		case <-res.done:
			return res.path, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	res := &cloneResult{done: make(chan struct{})}
	m.pending[project] = res
	m.mu.Unlock()

	res.path, res.err = m.cloneIfMissing(ctx, project, remoteURL)
	close(res.done)

	m.mu.Lock()
	delete(m.pending, project)
	m.mu.Unlock()
	return res.path, res.err
}

func (m *Manager) cloneIfMissing(ctx context.Context, project, remoteURL string) (string, error) {
	path := m.RepoPath(project)

	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
			return path, nil
		}
		// A half-written directory from an interrupted clone.
		slog.Warn("removing repo directory without git metadata", "path", path)
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("remove stale repo dir: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create repos dir: %w", err)
	}
	slog.Info("cloning repository", "project", project, "url", remoteURL)
	if _, err := m.Git.Run(ctx, "", "clone", remoteURL, path); err != nil {
		return "", fmt.Errorf("clone %s: %w", project, err)
	}
	return path, nil
}

// BranchName derives the agent branch for a channel: a short channel
// suffix plus a base36 timestamp keeps names unique and sortable.
func BranchName(channelID string, now time.Time) string {
	suffix := channelID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return "agent/" + suffix + "-" + strconv.FormatInt(now.Unix(), 36)
}

// resolveBaseRef picks the ref a new worktree starts from: the channel's
// branch override when fetchable, else the configured default branch, else
// the repository HEAD.
func (m *Manager) resolveBaseRef(ctx context.Context, repoPath, branchOverride string) string {
	for _, candidate := range []string{branchOverride, m.DefaultBranch} {
		if candidate == "" {
			continue
		}
		if m.Git.Ok(ctx, repoPath, "rev-parse", "--verify", "--quiet", "origin/"+candidate) {
			return "origin/" + candidate
		}
		slog.Warn("base branch not found on remote", "branch", candidate)
	}
	if head, err := m.Git.Run(ctx, repoPath, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil && head != "" {
		return head
	}
	return "HEAD"
}

// CreateWorktree provisions workspaces/<project>/<channel> on a fresh
// agent branch. An existing healthy worktree is reused; a corrupt one is
// removed and recreated.
func (m *Manager) CreateWorktree(ctx context.Context, project, channelID, branchOverride string) (*Worktree, error) {
	repoPath := m.RepoPath(project)
	workPath := m.WorkspacePath(project, channelID)

	if _, err := os.Stat(workPath); err == nil {
		if m.Validate(ctx, workPath) {
			branch, _ := m.Git.Run(ctx, workPath, "rev-parse", "--abbrev-ref", "HEAD")
			return &Worktree{Path: workPath, Branch: branch}, nil
		}
		slog.Warn("removing corrupted worktree", "path", workPath)
		if err := m.RemoveWorktree(ctx, project, workPath); err != nil {
			return nil, err
		}
	}

	if _, err := m.Git.Run(ctx, repoPath, "fetch", "--prune", "origin"); err != nil {
		slog.Warn("fetch before worktree failed, using local refs", "project", project, "error", err)
	}
	base := m.resolveBaseRef(ctx, repoPath, branchOverride)
	branch := BranchName(channelID, time.Now())

	if err := os.MkdirAll(filepath.Dir(workPath), 0o755); err != nil {
		return nil, fmt.Errorf("create workspaces dir: %w", err)
	}
	if _, err := m.Git.Run(ctx, repoPath, "worktree", "add", "-b", branch, workPath, base); err != nil {
		return nil, fmt.Errorf("worktree add for %s: %w", channelID, err)
	}
	slog.Info("worktree created", "channel", channelID, "path", workPath, "branch", branch, "base", base)
	return &Worktree{Path: workPath, Branch: branch, BaseRef: base}, nil
}

// Validate reports whether path is a usable worktree.
func (m *Manager) Validate(ctx context.Context, path string) bool {
	return m.Git.Ok(ctx, path, "rev-parse", "--is-inside-work-tree")
}

// RemoveWorktree deletes a worktree directory and prunes the repository's
// worktree registrations. Best effort.
func (m *Manager) RemoveWorktree(ctx context.Context, project, workPath string) error {
	if err := os.RemoveAll(workPath); err != nil {
		return fmt.Errorf("remove worktree %s: %w", workPath, err)
	}
	if _, err := m.Git.Run(ctx, m.RepoPath(project), "worktree", "prune"); err != nil {
		slog.Warn("worktree prune failed", "project", project, "error", err)
	}
	return nil
}

// ValidateBranch checks a branch exists on the remote, fetching first.
func (m *Manager) ValidateBranch(ctx context.Context, project, branch string) error {
	repoPath := m.RepoPath(project)
	if _, err := m.Git.Run(ctx, repoPath, "fetch", "--prune", "origin"); err != nil {
		return err
	}
	if !m.Git.Ok(ctx, repoPath, "rev-parse", "--verify", "--quiet", "origin/"+branch) {
		return fmt.Errorf("branch %q not found on remote", branch)
	}
	return nil
}

// RecentLog returns a one-line-per-commit log of work not yet on the base
// ref, for approval prompts.
func (m *Manager) RecentLog(ctx context.Context, dir string, limit int) (string, error) {
	return m.Git.Run(ctx, dir, "log", "--oneline", "-n", strconv.Itoa(limit), "@{upstream}..HEAD")
}

// DiffStat returns a summary of staged and unstaged changes.
func (m *Manager) DiffStat(ctx context.Context, dir string) (string, error) {
	out, err := m.Git.Run(ctx, dir, "diff", "--stat", "HEAD")
	if err != nil {
		// A branch with no commits yet has no HEAD to diff against.
		return m.Git.Run(ctx, dir, "diff", "--stat")
	}
	return out, nil
}

// Reconcile aligns disk and durable state at boot: workspace directories
// without a session row are removed, and it returns the channels whose
// recorded workspace no longer exists so the caller can drop their rows.
// Every known repo gets a worktree prune.
func (m *Manager) Reconcile(ctx context.Context, known map[string]string) (stale []string, err error) {
	root := m.WorkspacesRoot()

	byPath := make(map[string]string, len(known)) // path → channel
	for channel, path := range known {
		byPath[filepath.Clean(path)] = channel
	}

	projects, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read workspaces root: %w", err)
	}
	for _, proj := range projects {
		if !proj.IsDir() {
			continue
		}
		projDir := filepath.Join(root, proj.Name())
		channels, err := os.ReadDir(projDir)
		if err != nil {
			continue
		}
		for _, ch := range channels {
			dir := filepath.Join(projDir, ch.Name())
			if _, ok := byPath[dir]; ok {
				continue
			}
			slog.Info("removing orphan workspace", "path", dir)
			if err := m.RemoveWorktree(ctx, proj.Name(), dir); err != nil {
				slog.Warn("orphan removal failed", "path", dir, "error", err)
			}
		}
	}

	for channel, path := range known {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			stale = append(stale, channel)
		}
	}

	if repos, err := os.ReadDir(filepath.Join(m.BaseRoot, "repos")); err == nil {
		for _, r := range repos {
			if r.IsDir() {
				_, _ = m.Git.Run(ctx, m.RepoPath(r.Name()), "worktree", "prune")
			}
		}
	}
	return stale, nil
}
