package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// OpenDB opens the SQLite database backing persistent partitions and the
// pending-sync queue. If filename is empty, an in-memory db is opened.
func OpenDB(filename string) (*sql.DB, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			status INTEGER NOT NULL,
			header BLOB,
			body BLOB,
			stored_at INTEGER NOT NULL,
			ttl_ms INTEGER NOT NULL,
			UNIQUE(partition, key)
		)`,
		"CREATE INDEX IF NOT EXISTS partition_idx ON entries (partition, seq)",
		`CREATE TABLE IF NOT EXISTS pending_sync (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payload BLOB NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			queued_at INTEGER NOT NULL
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("init cache db: %w", err)
		}
	}
	return db, nil
}

// PartitionNames returns the names of all partitions with persisted
// entries. Used at startup to re-adopt partitions from a previous run so
// the activation sweep can see them.
func PartitionNames(db *sql.DB) ([]string, error) {
	rows, err := db.Query("SELECT DISTINCT partition FROM entries ORDER BY partition")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SQLiteStore is a persistent Store. All stores created from the same db
// handle share one table, scoped by partition name; insertion order is the
// AUTOINCREMENT sequence, which gives FIFO eviction across restarts.
type SQLiteStore struct {
	db         *sql.DB
	name       string
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time
	writeMutex *sync.Mutex
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteMaxEntries sets a capacity limit on the partition.
func WithSQLiteMaxEntries(n int) SQLiteOption {
	return func(s *SQLiteStore) { s.maxEntries = n }
}

// WithSQLiteDefaultTTL sets the freshness window applied to entries stored
// without an explicit TTL.
func WithSQLiteDefaultTTL(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) { s.defaultTTL = d }
}

// WithSQLiteClock overrides the clock used for expiry checks.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore creates a persistent partition on top of db.
func NewSQLiteStore(db *sql.DB, name string, opts ...SQLiteOption) *SQLiteStore {
	s := &SQLiteStore{
		db:         db,
		name:       name,
		now:        time.Now,
		writeMutex: &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the partition name.
func (s *SQLiteStore) Name() string {
	return s.name
}

func (s *SQLiteStore) Get(key string) (*Entry, error) {
	var (
		status     int
		headerJSON []byte
		body       []byte
		storedAt   int64
		ttlMs      int64
	)
	err := s.db.QueryRow(
		"SELECT status, header, body, stored_at, ttl_ms FROM entries WHERE partition = ? AND key = ?",
		s.name, key,
	).Scan(&status, &headerJSON, &body, &storedAt, &ttlMs)
	if err == sql.ErrNoRows {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	header := make(http.Header)
	if len(headerJSON) > 0 {
		if err := json.Unmarshal(headerJSON, &header); err != nil {
			return nil, fmt.Errorf("decode stored header: %w", err)
		}
	}
	e := &Entry{
		Key:        key,
		StatusCode: status,
		Header:     header,
		Body:       body,
		StoredAt:   time.UnixMilli(storedAt),
		TTL:        time.Duration(ttlMs) * time.Millisecond,
	}
	if e.Expired(s.now()) {
		s.Delete(key)
		return nil, ErrExpired
	}
	return e, nil
}

func (s *SQLiteStore) Put(e *Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if e.TTL == 0 {
		e.TTL = s.defaultTTL
	}
	headerJSON, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	var count int
	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM entries WHERE partition = ? AND key = ?", s.name, e.Key,
	).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		// replacement keeps the original seq, i.e. insertion position
		_, err = s.db.Exec(
			"UPDATE entries SET status = ?, header = ?, body = ?, stored_at = ?, ttl_ms = ? WHERE partition = ? AND key = ?",
			e.StatusCode, headerJSON, e.Body, e.StoredAt.UnixMilli(), e.TTL.Milliseconds(), s.name, e.Key,
		)
		return err
	}
	if s.maxEntries > 0 {
		if err := s.evictToCapacityLocked(); err != nil {
			return err
		}
	}
	_, err = s.db.Exec(
		"INSERT INTO entries (partition, key, status, header, body, stored_at, ttl_ms) VALUES (?, ?, ?, ?, ?, ?, ?)",
		s.name, e.Key, e.StatusCode, headerJSON, e.Body, e.StoredAt.UnixMilli(), e.TTL.Milliseconds(),
	)
	return err
}

func (s *SQLiteStore) evictToCapacityLocked() error {
	for {
		var count int
		if err := s.db.QueryRow(
			"SELECT COUNT(*) FROM entries WHERE partition = ?", s.name,
		).Scan(&count); err != nil {
			return err
		}
		if count < s.maxEntries {
			return nil
		}
		if _, err := s.db.Exec(
			"DELETE FROM entries WHERE partition = ? AND seq = (SELECT MIN(seq) FROM entries WHERE partition = ?)",
			s.name, s.name,
		); err != nil {
			return err
		}
	}
}

func (s *SQLiteStore) Delete(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE partition = ? AND key = ?", s.name, key)
	return err
}

func (s *SQLiteStore) Keys() ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key FROM entries WHERE partition = ? ORDER BY seq ASC", s.name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Len() (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM entries WHERE partition = ?", s.name,
	).Scan(&count)
	return count, err
}

func (s *SQLiteStore) Clear() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE partition = ?", s.name)
	return err
}
