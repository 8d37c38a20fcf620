// Package postgres provides a PostgreSQL-backed [store.Store].
//
// Embeddings are held in a pgvector column; the pgvector extension must be
// available in the target database, and [Migrate] installs it via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn, 256)
//	if err != nil { … }
//	defer s.Close()
//
//	_ = s.RegisterTenant(ctx, 1)
//	_ = s.Insert(ctx, 1, rec)
package postgres

import (
	"context"
	"fmt"
)

const ddlTenants = `
CREATE TABLE IF NOT EXISTS tenants (
    tenant_id   BIGINT       PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlRecords returns the record DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlRecords(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS bug_records (
    tenant_id    BIGINT       NOT NULL REFERENCES tenants (tenant_id),
    id           BIGINT       NOT NULL,
    summary      TEXT         NOT NULL DEFAULT '',
    description  TEXT         NOT NULL DEFAULT '',
    embedding    vector(%d)   NOT NULL,
    batch_id     BIGINT,
    reported_on  DATE,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_bug_records_batch
    ON bug_records (tenant_id, batch_id);
`, embeddingDimensions)
}

// Migrate creates the tenants and bug_records tables if they do not exist.
// It is idempotent and safe to call on every start.
//
// embeddingDimensions must match the configured embedding provider. Changing
// it after the first migration requires a manual schema change.
func Migrate(ctx context.Context, db DB, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	for _, stmt := range []string{ddlTenants, ddlRecords(embeddingDimensions)} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
