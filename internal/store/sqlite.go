package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTimeout = 5 * time.Second

// sqliteKV stores session keys as rows of a shared SQLite database.
type sqliteKV struct {
	db        *sql.DB
	sessionID string
}

func openSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS session_values (
  session_id TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (session_id, key)
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating session_values: %w", err)
	}
	return db, nil
}

func (s *sqliteKV) read() (map[string]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM session_values WHERE session_id = ?`, s.sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		values[k] = v
	}
	return values, rows.Err()
}

func (s *sqliteKV) write(values map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_values WHERE session_id = ?`, s.sessionID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_values (session_id, key, value, updated_at) VALUES (?, ?, ?, ?)`,
			s.sessionID, k, v, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteKV) close() error {
	return s.db.Close()
}

// NewSQLiteStore returns a store backed by a SQLite file shared by sessions.
func NewSQLiteStore(path, sessionID string, sealer Sealer) (*KVStore, error) {
	if sessionID == "" {
		return nil, errors.New("session id required")
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	return newKVStore(sessionID, &sqliteKV{db: db, sessionID: sessionID}, sealer), nil
}
