package snapshot

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSnapshotNotFound indicates the requested named snapshot doesn't exist.
var ErrSnapshotNotFound = errors.New("snapshot: not found")

// Store persists named snapshots in a SQLite database. Payloads are kept
// verbatim; integrity is re-verified on load by the codec's own checksum.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// StoredInfo describes one saved snapshot.
type StoredInfo struct {
	Name      string
	CreatedAt time.Time
	Size      int64
	Partial   bool
}

// OpenStore opens (creating if needed) a snapshot store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		name       TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		partial    INTEGER NOT NULL,
		payload    BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshots table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a snapshot payload under a name, replacing any previous
// snapshot with that name. The payload is validated before it is written.
func (s *Store) Save(name string, payload []byte) error {
	info, err := ReadInfo(payload)
	if err != nil {
		return fmt.Errorf("validating snapshot %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	partial := 0
	if info.Partial() {
		partial = 1
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (name, created_at, partial, payload) VALUES (?, ?, ?, ?)",
		name, time.Now().UnixMilli(), partial, payload,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot %q: %w", name, err)
	}
	return nil
}

// Load returns the payload of a named snapshot.
func (s *Store) Load(name string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM snapshots WHERE name = ?", name).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
		}
		return nil, fmt.Errorf("querying snapshot %q: %w", name, err)
	}
	return payload, nil
}

// Delete removes a named snapshot.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM snapshots WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting snapshot %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
	}
	return nil
}

// List returns metadata for every stored snapshot, newest first.
func (s *Store) List() ([]StoredInfo, error) {
	rows, err := s.db.Query(
		"SELECT name, created_at, partial, length(payload) FROM snapshots ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []StoredInfo
	for rows.Next() {
		var info StoredInfo
		var createdAt int64
		var partial int
		if err := rows.Scan(&info.Name, &createdAt, &partial, &info.Size); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		info.CreatedAt = time.UnixMilli(createdAt)
		info.Partial = partial != 0
		out = append(out, info)
	}
	return out, rows.Err()
}
