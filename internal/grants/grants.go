// Package grants tracks time-bounded filesystem authorizations per channel.
// Grants live in memory for fast policy lookups and are mirrored to the
// durable store so they survive restarts.
package grants

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawdeck/internal/policy"
	"github.com/nextlevelbuilder/clawdeck/internal/store"
)

type entry struct {
	mode    policy.Mode
	expires time.Time
}

// Store is the in-memory grant map with auto-expiry timers.
type Store struct {
	db *store.Store

	mu        sync.Mutex
	byChannel map[string]map[string]entry // channel → canonical path → entry
	timers    map[string]*time.Timer      // channel + "\x00" + path
	closed    bool

	now func() time.Time // test seam
}

// New creates a grant store backed by db.
func New(db *store.Store) *Store {
	return &Store{
		db:        db,
		byChannel: make(map[string]map[string]entry),
		timers:    make(map[string]*time.Timer),
		now:       time.Now,
	}
}

func timerKey(channel, path string) string { return channel + "\x00" + path }

// Add canonicalizes path and records a grant expiring after ttl. A grant on
// the same (channel, path) is replaced and its previous timer cancelled.
// The durable row is written before the timer is scheduled.
func (s *Store) Add(channel, path string, mode policy.Mode, ttl time.Duration) (time.Time, error) {
	canonical := policy.Canonicalize(path)
	expiry := s.now().Add(ttl)

	if err := s.db.PutGrant(store.GrantRow{
		Channel:   channel,
		Path:      canonical,
		Mode:      string(mode),
		ExpiresAt: expiry,
	}); err != nil {
		return time.Time{}, fmt.Errorf("persist grant: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byChannel[channel] == nil {
		s.byChannel[channel] = make(map[string]entry)
	}
	s.byChannel[channel][canonical] = entry{mode: mode, expires: expiry}
	s.scheduleLocked(channel, canonical, ttl)

	slog.Info("grant added", "channel", channel, "path", canonical, "mode", mode, "expires", expiry)
	return expiry, nil
}

// scheduleLocked replaces the auto-expiry timer for a key. Caller holds mu.
func (s *Store) scheduleLocked(channel, canonical string, ttl time.Duration) {
	key := timerKey(channel, canonical)
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	if s.closed {
		return
	}
	s.timers[key] = time.AfterFunc(ttl, func() {
		if err := s.Revoke(channel, canonical); err != nil {
			slog.Warn("grant auto-expiry failed", "channel", channel, "path", canonical, "error", err)
		}
	})
}

// Revoke removes a grant. Revoking an absent grant is a no-op.
func (s *Store) Revoke(channel, path string) error {
	canonical := policy.Canonicalize(path)

	s.mu.Lock()
	key := timerKey(channel, canonical)
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	if m, ok := s.byChannel[channel]; ok {
		delete(m, canonical)
		if len(m) == 0 {
			delete(s.byChannel, channel)
		}
	}
	s.mu.Unlock()

	if err := s.db.DeleteGrant(channel, canonical); err != nil {
		return fmt.Errorf("delete grant row: %w", err)
	}
	return nil
}

// RevokeAll removes every grant for a channel.
func (s *Store) RevokeAll(channel string) error {
	s.mu.Lock()
	for path := range s.byChannel[channel] {
		key := timerKey(channel, path)
		if t, ok := s.timers[key]; ok {
			t.Stop()
			delete(s.timers, key)
		}
	}
	delete(s.byChannel, channel)
	s.mu.Unlock()

	if err := s.db.DeleteChannelGrants(channel); err != nil {
		return fmt.Errorf("delete channel grants: %w", err)
	}
	return nil
}

// Active returns the channel's live grants for the policy engine, pruning
// expired entries inline. Expired grants never authorize access, swept or
// not.
func (s *Store) Active(channel string) []policy.Grant {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byChannel[channel]
	if len(m) == 0 {
		return nil
	}
	out := make([]policy.Grant, 0, len(m))
	for path, e := range m {
		if !now.Before(e.expires) {
			delete(m, path)
			continue
		}
		out = append(out, policy.Grant{Path: path, Mode: e.mode})
	}
	return out
}

// Restore reloads grants from the durable store at boot: rows already
// expired are dropped, the rest get fresh timers.
func (s *Store) Restore() error {
	rows, err := s.db.AllGrants()
	if err != nil {
		return fmt.Errorf("restore grants: %w", err)
	}
	now := s.now()

	var restored, dropped int
	s.mu.Lock()
	for _, r := range rows {
		ttl := r.ExpiresAt.Sub(now)
		if ttl <= 0 {
			dropped++
			continue
		}
		if s.byChannel[r.Channel] == nil {
			s.byChannel[r.Channel] = make(map[string]entry)
		}
		s.byChannel[r.Channel][r.Path] = entry{mode: policy.Mode(r.Mode), expires: r.ExpiresAt}
		s.scheduleLocked(r.Channel, r.Path, ttl)
		restored++
	}
	s.mu.Unlock()

	if dropped > 0 {
		if _, err := s.db.DeleteExpiredGrants(now); err != nil {
			slog.Warn("dropping expired grants failed", "error", err)
		}
	}
	slog.Info("grants restored", "active", restored, "expired", dropped)
	return nil
}

// PurgeExpired removes expired rows from the durable store. Runs once per
// minute from the maintenance sweeper.
func (s *Store) PurgeExpired() {
	n, err := s.db.DeleteExpiredGrants(s.now())
	if err != nil {
		slog.Warn("grant purge failed", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("expired grants purged", "count", n)
	}
}

// Close cancels every pending timer. Safe to call once at shutdown.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
