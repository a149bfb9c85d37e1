package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
	key        TEXT PRIMARY KEY,
	body       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the document database at path.
// Transactions take the write lock up front so read-modify-write cycles from
// several processes are serialized.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite store: %w", err)
	}
	if _, err := db.Exec(documentsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) View(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		body, err := readDocument(ctx, s.db.QueryRowContext, k)
		if err != nil {
			return nil, err
		}
		out[k] = body
	}
	return out, nil
}

func (s *SQLiteBackend) Update(ctx context.Context, keys []string, fn func(docs map[string][]byte) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin store transaction: %w", err)
	}
	defer tx.Rollback()

	docs := make(map[string][]byte, len(keys))
	for _, k := range keys {
		body, err := readDocument(ctx, tx.QueryRowContext, k)
		if err != nil {
			return err
		}
		docs[k] = body
	}

	if err := fn(docs); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (key, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare document write: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for k, body := range docs {
		if body == nil {
			continue
		}
		if _, err := stmt.ExecContext(ctx, k, body, now); err != nil {
			return fmt.Errorf("failed to write document %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit store transaction: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

type queryRowFunc func(ctx context.Context, query string, args ...any) *sql.Row

func readDocument(ctx context.Context, queryRow queryRowFunc, key string) ([]byte, error) {
	var body []byte
	err := queryRow(ctx, `SELECT body FROM documents WHERE key = ?`, key).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", key, err)
	}
	return body, nil
}
