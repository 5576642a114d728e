// Package sqlite is the durable Journal used by rescued. It keeps the log in
// a local SQLite file in WAL mode so that a crash between ledger
// confirmation and mirror write never loses the record.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/R3E-Network/animal_rescue/internal/journal"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - initial reconciliations table
const currentSchemaVersion = 1

var _ journal.Journal = (*Store)(nil)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the journal at path, applying pragmas and schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *Store) Append(ctx context.Context, rec journal.Record) (journal.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliations
			(id, entity_key, operation, tx_hash, state, attempts, next_attempt_at, last_error, payload, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.EntityKey, string(rec.Operation), rec.TxHash, string(rec.State), rec.Attempts,
		toUnix(rec.NextAttemptAt), rec.LastError, []byte(rec.Payload), []byte(rec.Result),
		toUnix(rec.CreatedAt), toUnix(rec.UpdatedAt))
	if err != nil {
		return journal.Record{}, fmt.Errorf("append record: %w", err)
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, rec journal.Record) (journal.Record, error) {
	rec.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliations
		SET entity_key = ?, operation = ?, tx_hash = ?, state = ?, attempts = ?, next_attempt_at = ?,
			last_error = ?, payload = ?, result = ?, updated_at = ?
		WHERE id = ?
	`, rec.EntityKey, string(rec.Operation), rec.TxHash, string(rec.State), rec.Attempts,
		toUnix(rec.NextAttemptAt), rec.LastError, []byte(rec.Payload), []byte(rec.Result),
		toUnix(rec.UpdatedAt), rec.ID)
	if err != nil {
		return journal.Record{}, fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return journal.Record{}, journal.ErrNotFound
	}
	return s.Get(ctx, rec.ID)
}

const selectColumns = `id, entity_key, operation, tx_hash, state, attempts, next_attempt_at, last_error, payload, result, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (journal.Record, error) {
	var (
		rec                           journal.Record
		operation, state              string
		nextAttempt, created, updated int64
		payload, result               []byte
	)
	if err := row.Scan(&rec.ID, &rec.EntityKey, &operation, &rec.TxHash, &state, &rec.Attempts,
		&nextAttempt, &rec.LastError, &payload, &result, &created, &updated); err != nil {
		return journal.Record{}, err
	}
	rec.Operation = journal.Operation(operation)
	rec.State = journal.State(state)
	rec.NextAttemptAt = fromUnix(nextAttempt)
	rec.CreatedAt = fromUnix(created)
	rec.UpdatedAt = fromUnix(updated)
	if len(payload) > 0 {
		rec.Payload = payload
	}
	if len(result) > 0 {
		rec.Result = result
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (journal.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM reconciliations WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Record{}, journal.ErrNotFound
	}
	if err != nil {
		return journal.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) query(ctx context.Context, where string, limit int, args ...any) ([]journal.Record, error) {
	var q strings.Builder
	q.WriteString(`SELECT ` + selectColumns + ` FROM reconciliations WHERE ` + where + ` ORDER BY seq`)
	if limit > 0 {
		q.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []journal.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ListOpen(ctx context.Context, limit int) ([]journal.Record, error) {
	return s.query(ctx, `state IN (?, ?)`, limit, string(journal.StateSubmitted), string(journal.StateMirrorPending))
}

func (s *Store) ListByEntity(ctx context.Context, entityKey string) ([]journal.Record, error) {
	return s.query(ctx, `entity_key = ?`, 0, entityKey)
}

func (s *Store) ListByState(ctx context.Context, state journal.State, limit int) ([]journal.Record, error) {
	return s.query(ctx, `state = ?`, limit, string(state))
}
