package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"modernc.org/sqlite"
	lib "modernc.org/sqlite/lib"
)

// SQLite default page size; max_page_count is expressed in pages.
const pageSize = 4096

// Open initializes the SQLite database at path. When maxBytes is positive the
// database is capped at that size; writes beyond it fail with SQLITE_FULL.
func Open(path string, maxBytes int64) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	if maxBytes > 0 {
		pages := max(maxBytes/pageSize, 16)
		dsn += fmt.Sprintf("&_pragma=max_page_count(%d)", pages)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	return db, nil
}

// IsFull reports whether err means the database or its disk ran out of space.
func IsFull(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		// Extended result codes carry the primary code in the low byte
		return sqlErr.Code()&0xff == lib.SQLITE_FULL
	}
	return errors.Is(err, syscall.ENOSPC)
}
