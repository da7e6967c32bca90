package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"directlink/event"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "chat.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
  peer_id      TEXT PRIMARY KEY,
  color_argb   INTEGER NOT NULL DEFAULT 0,
  device_name  TEXT NOT NULL DEFAULT '',
  display_name TEXT NOT NULL DEFAULT '',
  avatar_id    TEXT NOT NULL DEFAULT '',
  is_self      INTEGER NOT NULL DEFAULT 0,
  updated_at   INTEGER NOT NULL
);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_self
ON users (is_self) WHERE is_self = 1;
`,
	`
CREATE TABLE IF NOT EXISTS chats (
  chat_id      TEXT PRIMARY KEY,
  kind         TEXT NOT NULL CHECK(kind IN ('private','group')),
  live         INTEGER NOT NULL DEFAULT 1,
  created_at   INTEGER NOT NULL,
  host_peer_id TEXT NOT NULL DEFAULT '',
  name         TEXT NOT NULL DEFAULT '',
  avatar_id    TEXT NOT NULL DEFAULT '',
  members      TEXT NOT NULL DEFAULT '[]'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_chats_kind_host
ON chats (kind, host_peer_id);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  chat_id           TEXT NOT NULL,
  message_id        TEXT NOT NULL,
  sender_peer_id    TEXT NOT NULL,
  timestamp         INTEGER NOT NULL,
  read_by_me        INTEGER NOT NULL DEFAULT 0,
  kind              TEXT NOT NULL CHECK(kind IN ('plain','group_update')),
  quoted_message_id TEXT NOT NULL DEFAULT '',
  content           TEXT NOT NULL DEFAULT '[]',
  update_kind       TEXT NOT NULL DEFAULT '',
  target_peer_id    TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (chat_id, message_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_chat_time
ON messages (chat_id, timestamp, message_id);
`,
}

// Store keeps users, chats and messages in SQLite and announces every write
// on Changes.
type Store struct {
	db      *sql.DB
	changes *event.Broadcaster[Change]

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) chat.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		changes:               event.NewBroadcaster[Change](event.DefaultBuffer),
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.changes.Close()
	})
	return closeErr
}

// Changes streams one Change per successful write.
func (s *Store) Changes() (<-chan Change, func()) {
	return s.changes.Subscribe()
}

func (s *Store) notify(kind ChangeKind, id string) {
	s.changes.Publish(Change{Kind: kind, ID: id})
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
