package store

import (
	"database/sql"
	"fmt"
)

// RepoOverride points a channel at a non-default repository.
type RepoOverride struct {
	Channel   string
	RemoteURL string
	RepoPath  string
	Project   string
}

// SetRepoOverride stores a repo override and invalidates any branch
// override for the channel (a branch belongs to a repo).
func (s *Store) SetRepoOverride(o RepoOverride) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO repo_overrides (channel_id, remote_url, repo_path, project)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
		remote_url=excluded.remote_url, repo_path=excluded.repo_path, project=excluded.project`,
		o.Channel, o.RemoteURL, o.RepoPath, o.Project); err != nil {
		return fmt.Errorf("set repo override %s: %w", o.Channel, err)
	}
	if _, err := tx.Exec(`DELETE FROM branch_overrides WHERE channel_id = ?`, o.Channel); err != nil {
		return fmt.Errorf("clear branch override %s: %w", o.Channel, err)
	}
	return tx.Commit()
}

// GetRepoOverride returns the override for a channel, or nil.
func (s *Store) GetRepoOverride(channel string) (*RepoOverride, error) {
	st, err := s.stmt(`SELECT channel_id, remote_url, repo_path, project FROM repo_overrides WHERE channel_id = ?`)
	if err != nil {
		return nil, err
	}
	var o RepoOverride
	err = st.QueryRow(channel).Scan(&o.Channel, &o.RemoteURL, &o.RepoPath, &o.Project)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repo override %s: %w", channel, err)
	}
	return &o, nil
}

// DeleteRepoOverride removes a channel's repo override.
func (s *Store) DeleteRepoOverride(channel string) error {
	_, err := s.db.Exec(`DELETE FROM repo_overrides WHERE channel_id = ?`, channel)
	return err
}

// SetBranchOverride stores the base-branch override for a channel.
func (s *Store) SetBranchOverride(channel, branch string) error {
	st, err := s.stmt(`INSERT INTO branch_overrides (channel_id, base_branch) VALUES (?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET base_branch=excluded.base_branch`)
	if err != nil {
		return err
	}
	if _, err := st.Exec(channel, branch); err != nil {
		return fmt.Errorf("set branch override %s: %w", channel, err)
	}
	return nil
}

// GetBranchOverride returns the base-branch override, or "" if unset.
func (s *Store) GetBranchOverride(channel string) (string, error) {
	st, err := s.stmt(`SELECT base_branch FROM branch_overrides WHERE channel_id = ?`)
	if err != nil {
		return "", err
	}
	var branch string
	err = st.QueryRow(channel).Scan(&branch)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get branch override %s: %w", channel, err)
	}
	return branch, nil
}

// DeleteBranchOverride removes a channel's branch override.
func (s *Store) DeleteBranchOverride(channel string) error {
	_, err := s.db.Exec(`DELETE FROM branch_overrides WHERE channel_id = ?`, channel)
	return err
}

// AddResponder authorizes a user to answer agent questions in a channel.
func (s *Store) AddResponder(channel, user string) error {
	st, err := s.stmt(`INSERT OR IGNORE INTO responders (channel_id, user_id) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	_, err = st.Exec(channel, user)
	return err
}

// RemoveResponder revokes a responder.
func (s *Store) RemoveResponder(channel, user string) error {
	_, err := s.db.Exec(`DELETE FROM responders WHERE channel_id = ? AND user_id = ?`, channel, user)
	return err
}

// IsResponder reports whether user may answer questions in channel.
func (s *Store) IsResponder(channel, user string) (bool, error) {
	st, err := s.stmt(`SELECT 1 FROM responders WHERE channel_id = ? AND user_id = ?`)
	if err != nil {
		return false, err
	}
	var one int
	err = st.QueryRow(channel, user).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Responders lists authorized responders for a channel.
func (s *Store) Responders(channel string) ([]string, error) {
	st, err := s.stmt(`SELECT user_id FROM responders WHERE channel_id = ?`)
	if err != nil {
		return nil, err
	}
	rows, err := st.Query(channel)
	if err != nil {
		return nil, fmt.Errorf("responders %s: %w", channel, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
