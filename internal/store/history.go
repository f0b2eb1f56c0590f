package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Task status values.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskAborted   = "aborted"
)

// TaskRow is one task-history record.
type TaskRow struct {
	ID          string
	Channel     string
	Prompt      string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	TimeoutMS   *int64
	Submitter   string
}

// InsertTask writes a new running task row.
func (s *Store) InsertTask(t TaskRow) error {
	st, err := s.stmt(`INSERT INTO task_history
		(id, channel_id, prompt, status, started_at, completed_at, timeout_ms, submitter_id)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)`)
	if err != nil {
		return err
	}
	var timeout any
	if t.TimeoutMS != nil {
		timeout = *t.TimeoutMS
	}
	if _, err := st.Exec(t.ID, t.Channel, t.Prompt, t.Status, t.StartedAt.UnixMilli(), timeout, t.Submitter); err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// CompleteTask terminalizes a task row.
func (s *Store) CompleteTask(id, status string, completedAt time.Time) error {
	st, err := s.stmt(`UPDATE task_history SET status = ?, completed_at = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := st.Exec(status, completedAt.UnixMilli(), id); err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return nil
}

// AbortRunningTasks terminalizes every running row to aborted and returns
// the affected rows. Called once at boot for crash recovery.
func (s *Store) AbortRunningTasks() ([]TaskRow, error) {
	rows, err := s.db.Query(`SELECT id, channel_id, prompt, status, started_at, completed_at, timeout_ms, submitter_id
		FROM task_history WHERE status = ?`, TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("find running tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		if _, err := s.db.Exec(`UPDATE task_history SET status = ?, completed_at = ? WHERE status = ?`,
			TaskAborted, time.Now().UnixMilli(), TaskRunning); err != nil {
			return nil, fmt.Errorf("abort running tasks: %w", err)
		}
	}
	return out, nil
}

// LastTask returns the most recently started task for a channel, or nil.
func (s *Store) LastTask(channel string) (*TaskRow, error) {
	st, err := s.stmt(`SELECT id, channel_id, prompt, status, started_at, completed_at, timeout_ms, submitter_id
		FROM task_history WHERE channel_id = ? ORDER BY started_at DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	t, err := scanTask(st.QueryRow(channel))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last task %s: %w", channel, err)
	}
	return t, nil
}

// ChannelTasks returns up to limit recent tasks for a channel, newest first.
func (s *Store) ChannelTasks(channel string, limit int) ([]TaskRow, error) {
	st, err := s.stmt(`SELECT id, channel_id, prompt, status, started_at, completed_at, timeout_ms, submitter_id
		FROM task_history WHERE channel_id = ? ORDER BY started_at DESC LIMIT ?`)
	if err != nil {
		return nil, err
	}
	rows, err := st.Query(channel, limit)
	if err != nil {
		return nil, fmt.Errorf("channel tasks %s: %w", channel, err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// PruneTaskHistory deletes rows started before cutoff.
func (s *Store) PruneTaskHistory(cutoff time.Time) (int64, error) {
	st, err := s.stmt(`DELETE FROM task_history WHERE started_at < ?`)
	if err != nil {
		return 0, err
	}
	res, err := st.Exec(cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune task history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanTask(sc rowScanner) (*TaskRow, error) {
	var t TaskRow
	var started int64
	var completed sql.NullInt64
	var timeout sql.NullInt64
	if err := sc.Scan(&t.ID, &t.Channel, &t.Prompt, &t.Status, &started, &completed, &timeout, &t.Submitter); err != nil {
		return nil, err
	}
	t.StartedAt = time.UnixMilli(started)
	if completed.Valid {
		ts := time.UnixMilli(completed.Int64)
		t.CompletedAt = &ts
	}
	if timeout.Valid {
		v := timeout.Int64
		t.TimeoutMS = &v
	}
	return &t, nil
}
