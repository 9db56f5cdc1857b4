package link

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Entry is a persisted uplink record (spec sec 3 LinkEntry): the
// broker URL and the credential bytes the transport adapter was told
// to dial with, so an established uplink survives a daemon restart.
type Entry struct {
	PeerID      string
	BrokerURL   string
	Credentials []byte
}

// Store is the sqlite-backed LinkEntry table, grounded on the
// teacher's infra/sqlite.LocalStore open/pragma shape.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) the link-entry database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create link store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open link store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS link_entries (
	peer_id    TEXT PRIMARY KEY,
	broker_url TEXT NOT NULL,
	creds      BLOB NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create link_entries table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put persists (or replaces) the LinkEntry for a peer. A re-offer
// overwrites the prior row, matching the link protocol's idempotence
// contract.
func (s *Store) Put(entry Entry) error {
	_, err := s.db.Exec(`
INSERT INTO link_entries (peer_id, broker_url, creds) VALUES (?, ?, ?)
ON CONFLICT(peer_id) DO UPDATE SET broker_url = excluded.broker_url, creds = excluded.creds`,
		entry.PeerID, entry.BrokerURL, entry.Credentials)
	if err != nil {
		return fmt.Errorf("put link entry for %s: %w", entry.PeerID, err)
	}
	return nil
}

// Get returns the LinkEntry for a peer, or (Entry{}, false) if none exists.
func (s *Store) Get(peerID string) (Entry, bool, error) {
	row := s.db.QueryRow(`SELECT peer_id, broker_url, creds FROM link_entries WHERE peer_id = ?`, peerID)
	var e Entry
	if err := row.Scan(&e.PeerID, &e.BrokerURL, &e.Credentials); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("get link entry for %s: %w", peerID, err)
	}
	return e, true, nil
}

// All returns every persisted LinkEntry, used to re-wire leaf uplinks
// on daemon startup.
func (s *Store) All() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT peer_id, broker_url, creds FROM link_entries`)
	if err != nil {
		return nil, fmt.Errorf("list link entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.PeerID, &e.BrokerURL, &e.Credentials); err != nil {
			return nil, fmt.Errorf("scan link entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
