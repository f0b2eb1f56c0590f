package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Session status values.
const (
	SessionIdle    = "idle"
	SessionWorking = "working"
)

// SessionRow is the persisted shape of a channel session.
type SessionRow struct {
	Channel       string
	Project       string
	WorkspacePath string
	BaseBranch    string
	AgentBranch   string
	Status        string
	Paused        bool
	Model         string
	LastActivity  time.Time
}

// UpsertSession writes or replaces the session row for a channel.
func (s *Store) UpsertSession(row SessionRow) error {
	st, err := s.stmt(`INSERT INTO sessions
		(channel_id, project, workspace_path, base_branch, agent_branch, status, paused, model, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
		project=excluded.project, workspace_path=excluded.workspace_path,
		base_branch=excluded.base_branch, agent_branch=excluded.agent_branch,
		status=excluded.status, paused=excluded.paused, model=excluded.model,
		last_activity=excluded.last_activity`)
	if err != nil {
		return err
	}
	_, err = st.Exec(row.Channel, row.Project, row.WorkspacePath, row.BaseBranch,
		row.AgentBranch, row.Status, boolInt(row.Paused), row.Model, row.LastActivity.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", row.Channel, err)
	}
	return nil
}

// GetSession returns the session row for a channel, or (nil, nil) if absent.
func (s *Store) GetSession(channel string) (*SessionRow, error) {
	st, err := s.stmt(`SELECT channel_id, project, workspace_path, base_branch, agent_branch,
		status, paused, model, last_activity FROM sessions WHERE channel_id = ?`)
	if err != nil {
		return nil, err
	}
	row, err := scanSession(st.QueryRow(channel))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", channel, err)
	}
	return row, nil
}

// ListSessions returns every persisted session.
func (s *Store) ListSessions() ([]SessionRow, error) {
	st, err := s.stmt(`SELECT channel_id, project, workspace_path, base_branch, agent_branch,
		status, paused, model, last_activity FROM sessions`)
	if err != nil {
		return nil, err
	}
	rows, err := st.Query()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteSession removes the session row for a channel.
func (s *Store) DeleteSession(channel string) error {
	st, err := s.stmt(`DELETE FROM sessions WHERE channel_id = ?`)
	if err != nil {
		return err
	}
	_, err = st.Exec(channel)
	return err
}

// SetSessionStatus updates status and bumps last_activity.
func (s *Store) SetSessionStatus(channel, status string) error {
	st, err := s.stmt(`UPDATE sessions SET status = ?, last_activity = ? WHERE channel_id = ?`)
	if err != nil {
		return err
	}
	_, err = st.Exec(status, time.Now().UnixMilli(), channel)
	return err
}

// SetSessionPaused updates the paused flag.
func (s *Store) SetSessionPaused(channel string, paused bool) error {
	st, err := s.stmt(`UPDATE sessions SET paused = ? WHERE channel_id = ?`)
	if err != nil {
		return err
	}
	_, err = st.Exec(boolInt(paused), channel)
	return err
}

// SetSessionModel updates the model identifier.
func (s *Store) SetSessionModel(channel, model string) error {
	st, err := s.stmt(`UPDATE sessions SET model = ? WHERE channel_id = ?`)
	if err != nil {
		return err
	}
	_, err = st.Exec(model, channel)
	return err
}

// ResetWorkingSessions flips every working session back to idle and returns
// the affected channels. Called once at boot for crash recovery.
func (s *Store) ResetWorkingSessions() ([]string, error) {
	rows, err := s.db.Query(`SELECT channel_id FROM sessions WHERE status = ?`, SessionWorking)
	if err != nil {
		return nil, fmt.Errorf("find working sessions: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(channels) > 0 {
		if _, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE status = ?`,
			SessionIdle, SessionWorking); err != nil {
			return nil, fmt.Errorf("reset working sessions: %w", err)
		}
	}
	return channels, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(sc rowScanner) (*SessionRow, error) {
	var r SessionRow
	var paused int
	var lastActivity int64
	if err := sc.Scan(&r.Channel, &r.Project, &r.WorkspacePath, &r.BaseBranch,
		&r.AgentBranch, &r.Status, &paused, &r.Model, &lastActivity); err != nil {
		return nil, err
	}
	r.Paused = paused != 0
	r.LastActivity = time.UnixMilli(lastActivity)
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
