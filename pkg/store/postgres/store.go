package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/ot"
)

const uniqueViolation = "23505"

const schema = `CREATE TABLE IF NOT EXISTS versions (
	document_id text not null,
	version bigint not null,
	author_id text not null,
	created_at timestamptz not null,
	operations jsonb not null,
	snapshot text,
	primary key (document_id, version)
)`

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to url and ensures the versions table exists.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create versions table: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
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
	if _, err := s.pool.Exec(
		ctx, `INSERT INTO versions (document_id, version, author_id, created_at, operations, snapshot) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.DocumentID, entry.Version, entry.AuthorID, entry.Timestamp.UTC(), string(raw), entry.Snapshot,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s@%d", history.ErrDuplicateVersion, entry.DocumentID, entry.Version)
		}
		return fmt.Errorf("failed to insert %s@%d: %w", entry.DocumentID, entry.Version, err)
	}
	return nil
}

func scanEntry(row pgx.Row) (history.Entry, error) {
	var e history.Entry
	var ops []byte
	if err := row.Scan(&e.DocumentID, &e.Version, &e.AuthorID, &e.Timestamp, &ops, &e.Snapshot); err != nil {
		return history.Entry{}, err
	}
	e.Timestamp = e.Timestamp.UTC()
	if err := json.Unmarshal(ops, &e.Operations); err != nil {
		return history.Entry{}, fmt.Errorf("failed to decode operations of %s@%d: %w", e.DocumentID, e.Version, err)
	}
	return e, nil
}

const selectEntry = `SELECT document_id, version, author_id, created_at, operations, snapshot FROM versions`

func (s *Store) ReadRange(ctx context.Context, documentID string, from, to int64) ([]history.Entry, error) {
	rows, err := s.pool.Query(ctx, selectEntry+` WHERE document_id = $1 AND version >= $2 AND version <= $3 ORDER BY version`, documentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
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
	row := s.pool.QueryRow(ctx, selectEntry+` WHERE document_id = $1 AND version <= $2 AND snapshot IS NOT NULL ORDER BY version DESC LIMIT 1`, documentID, atOrBefore)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.Entry{}, fmt.Errorf("%w: %s@%d", history.ErrNoSnapshot, documentID, atOrBefore)
	} else if err != nil {
		return history.Entry{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return e, nil
}

func (s *Store) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT document_id FROM versions ORDER BY document_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return ids, nil
}
