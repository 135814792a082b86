// Package storage keeps transfer history and every peer ever sighted in a
// local SQLite database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "directshare.db"
	// DefaultWALCheckpointInterval paces the background WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

type migration struct {
	name string
	stmt string
}

// Migrations run in order; PRAGMA user_version records how many have been
// applied. Append only.
var migrations = []migration{
	{"create peers", `
CREATE TABLE peers (
  device_id   TEXT PRIMARY KEY,
  device_name TEXT NOT NULL DEFAULT '',
  model       TEXT NOT NULL DEFAULT '',
  os_version  TEXT NOT NULL DEFAULT '',
  app_version TEXT NOT NULL DEFAULT '',
  endpoint    TEXT NOT NULL DEFAULT '',
  last_state  TEXT NOT NULL DEFAULT 'discovered'
              CHECK(last_state IN ('discovered','connecting','connected','disconnected','failed')),
  first_seen  INTEGER NOT NULL,
  last_seen   INTEGER NOT NULL
)`},
	{"create transfers", `
CREATE TABLE transfers (
  file_id           TEXT PRIMARY KEY,
  peer_id           TEXT NOT NULL,
  peer_name         TEXT NOT NULL DEFAULT '',
  direction         TEXT NOT NULL CHECK(direction IN ('sending','receiving')),
  file_name         TEXT NOT NULL,
  size              INTEGER NOT NULL,
  mime_type         TEXT NOT NULL DEFAULT '',
  checksum          TEXT NOT NULL DEFAULT '',
  status            TEXT NOT NULL
                    CHECK(status IN ('pending','preparing','transferring','completed','failed','cancelled')),
  failure_reason    TEXT NOT NULL DEFAULT '',
  bytes_transferred INTEGER NOT NULL DEFAULT 0,
  local_path        TEXT NOT NULL DEFAULT '',
  started_at        INTEGER NOT NULL,
  ended_at          INTEGER
)`},
	{"index transfers by end time", `CREATE INDEX idx_transfers_ended_at ON transfers (ended_at DESC, file_id)`},
	{"index transfers by peer", `CREATE INDEX idx_transfers_peer_time ON transfers (peer_id, ended_at DESC)`},
}

// Store owns the SQLite handle. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates DefaultDBFileName inside dataDir and returns the
// store together with the database path.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("storage: create %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, DefaultDBFileName)
	s, err := OpenPath(path)
	if err != nil {
		return nil, "", err
	}
	return s, path, nil
}

// OpenPath opens SQLite at path in WAL mode, brings the schema up to date
// and starts the periodic checkpoint.
func OpenPath(path string) (*Store, error) {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	dsn := "file:" + filepath.ToSlash(path) + "?" + params.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.wg.Add(1)
	go s.checkpointLoop(ctx, DefaultWALCheckpointInterval)
	return s, nil
}

// Close stops the checkpoint loop and closes the database. Later calls
// return the first result.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.wg.Wait()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) prepare() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("storage: read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("storage: journal mode is %q, want wal", mode)
	}
	if err := s.migrate(); err != nil {
		return err
	}
	return s.checkpoint()
}

func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&applied); err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}
	if applied >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, m := range migrations[applied:] {
		version := applied + i + 1
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("storage: migration %d (%s): %w", version, m.name, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return fmt.Errorf("storage: record schema version %d: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit migrations: %w", err)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("storage: wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) checkpointLoop(ctx context.Context, every time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = s.checkpoint()
		}
	}
}
