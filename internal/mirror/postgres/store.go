// Package postgres implements mirror.Store on a single jsonb table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/animal_rescue/internal/mirror"
)

var _ mirror.Store = (*Store)(nil)

// Store keeps every document in mirror_documents.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres"), now: time.Now}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB { return s.db.DB }

func (s *Store) Close() error { return s.db.Close() }

type documentRow struct {
	Kind      string    `db:"kind"`
	ID        string    `db:"id"`
	Version   int64     `db:"version"`
	Data      []byte    `db:"data"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r documentRow) document() mirror.Document {
	return mirror.Document{
		Kind:      mirror.Kind(r.Kind),
		ID:        r.ID,
		Version:   r.Version,
		Data:      json.RawMessage(r.Data),
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *Store) Put(ctx context.Context, kind mirror.Kind, id string, data json.RawMessage) (mirror.Document, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO mirror_documents (kind, id, version, data, updated_at)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (kind, id) DO UPDATE
		SET version = mirror_documents.version + 1, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		WHERE mirror_documents.data IS DISTINCT FROM EXCLUDED.data
		RETURNING kind, id, version, data, updated_at
	`, string(kind), id, []byte(data), s.now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		// unchanged
		return s.Get(ctx, kind, id)
	}
	if err != nil {
		return mirror.Document{}, fmt.Errorf("put %s %s: %w", kind, id, err)
	}
	return row.document(), nil
}

func (s *Store) Get(ctx context.Context, kind mirror.Kind, id string) (mirror.Document, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT kind, id, version, data, updated_at
		FROM mirror_documents
		WHERE kind = $1 AND id = $2
	`, string(kind), id)
	if errors.Is(err, sql.ErrNoRows) {
		return mirror.Document{}, mirror.ErrNotFound
	}
	if err != nil {
		return mirror.Document{}, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	return row.document(), nil
}

func (s *Store) CompareAndSwap(ctx context.Context, kind mirror.Kind, id string, expected int64, data json.RawMessage) (mirror.Document, error) {
	var (
		row documentRow
		err error
	)
	if expected == 0 {
		err = s.db.GetContext(ctx, &row, `
			INSERT INTO mirror_documents (kind, id, version, data, updated_at)
			VALUES ($1, $2, 1, $3, $4)
			ON CONFLICT (kind, id) DO NOTHING
			RETURNING kind, id, version, data, updated_at
		`, string(kind), id, []byte(data), s.now().UTC())
	} else {
		err = s.db.GetContext(ctx, &row, `
			UPDATE mirror_documents
			SET version = version + 1, data = $4, updated_at = $5
			WHERE kind = $1 AND id = $2 AND version = $3
			RETURNING kind, id, version, data, updated_at
		`, string(kind), id, expected, []byte(data), s.now().UTC())
	}
	if errors.Is(err, sql.ErrNoRows) {
		return mirror.Document{}, mirror.ErrVersionConflict
	}
	if err != nil {
		return mirror.Document{}, fmt.Errorf("compare-and-swap %s %s: %w", kind, id, err)
	}
	return row.document(), nil
}

func (s *Store) List(ctx context.Context, kind mirror.Kind) ([]mirror.Document, error) {
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT kind, id, version, data, updated_at
		FROM mirror_documents
		WHERE kind = $1
		ORDER BY id
	`, string(kind)); err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}

	out := make([]mirror.Document, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.document())
	}
	return out, nil
}
