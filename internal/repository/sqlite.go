package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"neurax/internal/domain"
)

// SQLite is a session store kept in a single SQLite file.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite db: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			history TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("repository: init sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) ([]domain.ChatMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT history FROM sessions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: sqlite get %q: %w", id, err)
	}
	var history []domain.ChatMessage
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, fmt.Errorf("repository: sqlite decode history %q: %w", id, err)
	}
	return history, nil
}

// Put upserts the history; an existing row keeps its seq so listing order is stable.
func (s *SQLite) Put(ctx context.Context, id string, history []domain.ChatMessage) error {
	if history == nil {
		history = []domain.ChatMessage{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("repository: sqlite encode history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, history) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET history = excluded.history, updated_at = CURRENT_TIMESTAMP`,
		id, string(raw))
	if err != nil {
		return fmt.Errorf("repository: sqlite put %q: %w", id, err)
	}
	return nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: sqlite exists %q: %w", id, err)
	}
	return true, nil
}

func (s *SQLite) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("repository: sqlite list: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repository: sqlite list scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Rename(ctx context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: sqlite rename begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, oldID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("repository: sqlite rename lookup: %w", err)
	}
	if oldID == newID {
		return nil
	}
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, newID).Scan(&one)
	if err == nil {
		return ErrSessionExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("repository: sqlite rename lookup: %w", err)
	}
	// A fresh row takes the next seq, so the renamed session lists last.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, history, updated_at) SELECT ?, history, CURRENT_TIMESTAMP FROM sessions WHERE id = ?`,
		newID, oldID); err != nil {
		return fmt.Errorf("repository: sqlite rename: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, oldID); err != nil {
		return fmt.Errorf("repository: sqlite rename: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("repository: sqlite delete %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: sqlite delete %q: %w", id, err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
