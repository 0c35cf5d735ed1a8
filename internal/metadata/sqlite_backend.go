package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"episode-cache/internal/database"
	"episode-cache/internal/domain"
)

// SQLiteBackend stores keys in a single kv_store table.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	b := &SQLiteBackend{db: db}
	if err := b.initTable(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_time DATETIME
	);
	`
	if _, err := b.db.Exec(query); err != nil {
		return classify(err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *SQLiteBackend) Update(ctx context.Context, sets map[string][]byte, deletes []string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	for _, key := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
			return classify(err)
		}
	}

	for key, value := range sets {
		query := `INSERT INTO kv_store (key, value, updated_time) VALUES (?, ?, datetime('now'))
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_time = excluded.updated_time`
		if _, err := tx.ExecContext(ctx, query, key, value); err != nil {
			return classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func classify(err error) error {
	if database.IsFull(err) {
		return fmt.Errorf("%w: %v", domain.ErrQuotaExceeded, err)
	}
	return err
}
