package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db *sql.DB
}

const createResponsesTable = `
CREATE TABLE IF NOT EXISTS cached_responses (
	namespace TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	entry BLOB NOT NULL,
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (namespace, cache_key)
);
`

// NewSQLite opens a persistent ResponseStore at the given path. Expired rows
// are dropped lazily on read and whenever a namespace is cleared.
func NewSQLite(path string) (ResponseStore, error) {
	if path == "" {
		return nil, errors.New("cache: sqlite path required")
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite: %w", err)
	}
	if _, err := db.Exec(createResponsesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: migrate sqlite: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	var payload []byte
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT entry, expires_at FROM cached_responses WHERE namespace = ? AND cache_key = ?`,
		namespace, key,
	).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: sqlite get: %w", err)
	}
	if time.Now().After(expiresAt) {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM cached_responses WHERE namespace = ? AND cache_key = ?`, namespace, key)
		return Entry{}, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: sqlite unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, namespace, key string, entry Entry, ttl time.Duration) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		if ttl <= 0 {
			return errors.New("cache: sqlite entry expiry required")
		}
		entry.ExpiresAt = entry.StoredAt.Add(ttl)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: sqlite marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cached_responses (namespace, cache_key, entry, expires_at) VALUES (?, ?, ?, ?)`,
		namespace, key, payload, entry.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache: sqlite set: %w", err)
	}
	return nil
}

func (s *sqliteStore) ClearNamespace(ctx context.Context, namespace string) error {
	if namespace == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_responses WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("cache: sqlite clear namespace: %w", err)
	}
	return nil
}

func (s *sqliteStore) Size(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cached_responses`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cache: sqlite size: %w", err)
	}
	return count, nil
}

func (s *sqliteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("cache: sqlite ping: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close(context.Context) error {
	return s.db.Close()
}
