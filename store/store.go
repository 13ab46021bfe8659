// Package store persists assembled SVM programs in a content-addressed
// SQLite cache, so repeated runs of identical programs skip compilation.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/sling/svm"
)

// ErrNotFound indicates the requested program is not cached.
var ErrNotFound = errors.New("store: program not found")

// Store is a content-addressed cache of encoded SVM programs.
type Store struct {
	db  *sql.DB
	log commonlog.Logger
}

// Open opens (or creates) the cache at path. ":memory:" gives an
// in-process cache.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS programs (
		hash TEXT PRIMARY KEY,
		binary BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating table: %w", err)
	}

	return &Store{db: db, log: commonlog.GetLogger("sling.store")}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HashSource computes the cache key for a source text.
func HashSource(src string) string {
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}

// HashProgram computes the cache key of an assembled program: the SHA-256
// of its binary encoding.
func HashProgram(p *svm.Program) (string, error) {
	data, err := svm.Encode(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Put stores an assembled program under key. Re-putting the same key is a
// no-op.
func (s *Store) Put(key string, p *svm.Program) error {
	data, err := svm.Encode(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT INTO programs (hash, binary) VALUES (?, ?) ON CONFLICT(hash) DO NOTHING",
		key, data)
	if err != nil {
		return fmt.Errorf("store: inserting program: %w", err)
	}
	s.log.Debugf("stored program %s (%d bytes)", key, len(data))
	return nil
}

// Get loads and decodes a program by key.
func (s *Store) Get(key string) (*svm.Program, error) {
	var data []byte
	err := s.db.QueryRow("SELECT binary FROM programs WHERE hash = ?", key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading program: %w", err)
	}
	return svm.Decode(data)
}

// Has reports whether key is cached.
func (s *Store) Has(key string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM programs WHERE hash = ?", key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: probing program: %w", err)
	}
	return true, nil
}

// Count returns the number of cached programs.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM programs").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting programs: %w", err)
	}
	return n, nil
}
