package store

import (
	"fmt"
	"time"
)

// GrantRow mirrors one in-memory grant.
type GrantRow struct {
	Channel   string
	Path      string
	Mode      string
	ExpiresAt time.Time
}

// PutGrant writes or replaces a grant row.
func (s *Store) PutGrant(g GrantRow) error {
	st, err := s.stmt(`INSERT INTO grants (channel_id, path, mode, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id, path) DO UPDATE SET
		mode=excluded.mode, expires_at=excluded.expires_at`)
	if err != nil {
		return err
	}
	if _, err := st.Exec(g.Channel, g.Path, g.Mode, g.ExpiresAt.UnixMilli()); err != nil {
		return fmt.Errorf("put grant %s %s: %w", g.Channel, g.Path, err)
	}
	return nil
}

// DeleteGrant removes a single grant row.
func (s *Store) DeleteGrant(channel, path string) error {
	st, err := s.stmt(`DELETE FROM grants WHERE channel_id = ? AND path = ?`)
	if err != nil {
		return err
	}
	_, err = st.Exec(channel, path)
	return err
}

// DeleteChannelGrants removes every grant for a channel.
func (s *Store) DeleteChannelGrants(channel string) error {
	st, err := s.stmt(`DELETE FROM grants WHERE channel_id = ?`)
	if err != nil {
		return err
	}
	_, err = st.Exec(channel)
	return err
}

// ChannelGrants returns all grant rows for a channel, expired ones included.
func (s *Store) ChannelGrants(channel string) ([]GrantRow, error) {
	st, err := s.stmt(`SELECT channel_id, path, mode, expires_at FROM grants WHERE channel_id = ?`)
	if err != nil {
		return nil, err
	}
	rows, err := st.Query(channel)
	if err != nil {
		return nil, fmt.Errorf("channel grants %s: %w", channel, err)
	}
	defer rows.Close()

	var out []GrantRow
	for rows.Next() {
		var g GrantRow
		var exp int64
		if err := rows.Scan(&g.Channel, &g.Path, &g.Mode, &exp); err != nil {
			return nil, err
		}
		g.ExpiresAt = time.UnixMilli(exp)
		out = append(out, g)
	}
	return out, rows.Err()
}

// AllGrants returns every grant row across channels.
func (s *Store) AllGrants() ([]GrantRow, error) {
	rows, err := s.db.Query(`SELECT channel_id, path, mode, expires_at FROM grants`)
	if err != nil {
		return nil, fmt.Errorf("all grants: %w", err)
	}
	defer rows.Close()

	var out []GrantRow
	for rows.Next() {
		var g GrantRow
		var exp int64
		if err := rows.Scan(&g.Channel, &g.Path, &g.Mode, &exp); err != nil {
			return nil, err
		}
		g.ExpiresAt = time.UnixMilli(exp)
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteExpiredGrants removes every grant expired as of now and returns the
// number of rows removed.
func (s *Store) DeleteExpiredGrants(now time.Time) (int64, error) {
	st, err := s.stmt(`DELETE FROM grants WHERE expires_at <= ?`)
	if err != nil {
		return 0, err
	}
	res, err := st.Exec(now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired grants: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
