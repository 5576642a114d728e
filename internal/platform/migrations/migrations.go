// Package migrations holds the Postgres schema of the mirror store.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS mirror_documents (
		kind       TEXT        NOT NULL,
		id         TEXT        NOT NULL,
		version    BIGINT      NOT NULL CHECK (version > 0),
		data       JSONB       NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (kind, id)
	)`,
	`CREATE INDEX IF NOT EXISTS mirror_documents_kind_updated_idx
		ON mirror_documents (kind, updated_at DESC)`,
	`CREATE INDEX IF NOT EXISTS mirror_documents_animal_token_idx
		ON mirror_documents (((data -> 'nft' ->> 'token_id')))
		WHERE kind = 'animal'`,
}

// Apply runs every schema statement. Statements are idempotent.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
