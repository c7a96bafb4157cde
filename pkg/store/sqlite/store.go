package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/ot"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New uses db as is and ensures the versions table exists.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS versions (
		document_id text not null,
		version integer not null,
		author_id text not null,
		created_at text not null,
		operations text not null,
		snapshot text,
		primary key (document_id, version)
		)`,
	); err != nil {
		return nil, fmt.Errorf("failed to create versions table: %w", err)
	}
	slog.Debug("Ensured initial tables exist")
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, entry history.Entry) error {
	ops := entry.Operations
	if ops == nil {
		ops = []ot.Operation{}
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to encode operations: %w", err)
	}
	var snapshot sql.NullString
	if entry.Snapshot != nil {
		snapshot = sql.NullString{String: *entry.Snapshot, Valid: true}
	}
	if _, err := s.db.ExecContext(
		ctx, `INSERT INTO versions (document_id, version, author_id, created_at, operations, snapshot) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.DocumentID, entry.Version, entry.AuthorID, entry.Timestamp.UTC().Format(time.RFC3339Nano), string(raw), snapshot,
	); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s@%d", history.ErrDuplicateVersion, entry.DocumentID, entry.Version)
		}
		return fmt.Errorf("failed to insert %s@%d: %w", entry.DocumentID, entry.Version, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (history.Entry, error) {
	var e history.Entry
	var createdAt, ops string
	var snapshot sql.NullString
	if err := row.Scan(&e.DocumentID, &e.Version, &e.AuthorID, &createdAt, &ops, &snapshot); err != nil {
		return history.Entry{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return history.Entry{}, fmt.Errorf("failed to parse timestamp of %s@%d: %w", e.DocumentID, e.Version, err)
	}
	e.Timestamp = t
	if err := json.Unmarshal([]byte(ops), &e.Operations); err != nil {
		return history.Entry{}, fmt.Errorf("failed to decode operations of %s@%d: %w", e.DocumentID, e.Version, err)
	}
	if snapshot.Valid {
		e.Snapshot = &snapshot.String
	}
	return e, nil
}

const selectEntry = `SELECT document_id, version, author_id, created_at, operations, snapshot FROM versions`

func (s *Store) ReadRange(ctx context.Context, documentID string, from, to int64) ([]history.Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+` WHERE document_id = ? AND version >= ? AND version <= ? ORDER BY version`, documentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(rows)
	var out []history.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ReadSnapshot(ctx context.Context, documentID string, atOrBefore int64) (history.Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE document_id = ? AND version <= ? AND snapshot IS NOT NULL ORDER BY version DESC LIMIT 1`, documentID, atOrBefore)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Entry{}, fmt.Errorf("%w: %s@%d", history.ErrNoSnapshot, documentID, atOrBefore)
	} else if err != nil {
		return history.Entry{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return e, nil
}

func (s *Store) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT document_id FROM versions ORDER BY document_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
