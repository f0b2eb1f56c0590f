// Package store is the durable state layer: a single SQLite file holding
// sessions, grants, task history, responders and per-channel overrides.
// It survives crashes (WAL journaling), heals from corruption, and applies
// embedded monotonic migrations on open.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database with a prepared-statement cache.
type Store struct {
	db   *sql.DB
	path string

	mu    sync.Mutex
	stmts map[string]*sql.Stmt

	// Degraded is set when a migration failed and the store continues on
	// the prior schema.
	Degraded bool
}

// Open opens (or creates) the store at path, recovering from corruption
// and applying pending migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	if err := checkIntegrity(db); err != nil {
		slog.Error("store corrupt, recreating", "path", path, "error", err)
		db.Close()
		if err := quarantineCorrupt(path); err != nil {
			return nil, err
		}
		db, err = openDB(path)
		if err != nil {
			return nil, err
		}
	}

	s := &Store{db: db, path: path, stmts: make(map[string]*sql.Stmt)}
	if err := s.migrate(); err != nil {
		// Keep running on the prior schema; the backup preserves the
		// pre-migration state for manual repair.
		slog.Error("migration failed, continuing on prior schema", "error", err)
		s.Degraded = true
	}
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is serialized per connection; a single connection
	// also keeps write ordering strict.
	db.SetMaxOpenConns(1)
	return db, nil
}

func checkIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check: %s", result)
	}
	return nil
}

// quarantineCorrupt moves the damaged database aside and removes journal
// siblings so a fresh file can be created.
func quarantineCorrupt(path string) error {
	backup := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
	if err := os.Rename(path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("quarantine corrupt store: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(path + suffix)
	}
	slog.Warn("corrupt store backed up", "backup", backup)
	return nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	before, _, _ := m.Version()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		s.backupPreMigration()
		return fmt.Errorf("migrate up from %d: %w", before, err)
	}

	v, dirty, _ := m.Version()
	slog.Debug("store schema current", "version", v, "dirty", dirty)
	return nil
}

// NewMigrator builds a standalone migrator over the store file, for the
// migrate CLI subcommands. The caller owns Close.
func NewMigrator(path string) (*migrate.Migrate, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func (s *Store) backupPreMigration() {
	backup := fmt.Sprintf("%s.pre-migration.%d", s.path, time.Now().Unix())
	if err := copyFile(s.path, backup); err != nil {
		slog.Warn("pre-migration backup failed", "error", err)
		return
	}
	slog.Warn("pre-migration state backed up", "backup", backup)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// stmt returns a cached prepared statement for query.
func (s *Store) stmt(query string) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stmts[query]; ok {
		return st, nil
	}
	st, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("prepare %q: %w", query, err)
	}
	s.stmts[query] = st
	return st, nil
}

// Close releases prepared statements and the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, st := range s.stmts {
		st.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
	s.mu.Unlock()
	return s.db.Close()
}
