// Package sqlite provides a [store.Store] on an embedded SQLite database via
// the pure-Go modernc.org/sqlite driver. Embeddings are stored as BLOBs, so
// no vector extension is needed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	modernc "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/MrWong99/bcj/pkg/store"
)

const dateLayout = time.DateOnly

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
    tenant_id  INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS bug_records (
    tenant_id    INTEGER NOT NULL REFERENCES tenants (tenant_id),
    id           INTEGER NOT NULL,
    summary      TEXT    NOT NULL DEFAULT '',
    description  TEXT    NOT NULL DEFAULT '',
    embedding    BLOB    NOT NULL,
    batch_id     INTEGER,
    reported_on  TEXT,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_bug_records_batch
    ON bug_records (tenant_id, batch_id);
`

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a [store.Store] backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path, enables foreign
// keys and WAL on every connection, and applies the schema. The special path
// ":memory:" yields a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite store: create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// dsn attaches the pragmas each pooled connection needs. PRAGMA statements
// issued through db.Exec would only reach one connection.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// RegisterTenant implements [store.Store.RegisterTenant].
func (s *Store) RegisterTenant(ctx context.Context, tenant int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO tenants (tenant_id) VALUES (?)`, tenant)
	if err != nil {
		if errors.Is(classify(err), store.ErrDuplicateID) {
			return fmt.Errorf("sqlite store: register tenant %d: %w", tenant, store.ErrDuplicateTenant)
		}
		return fmt.Errorf("sqlite store: register tenant %d: %w", tenant, err)
	}
	return nil
}

// ListTenants implements [store.Store.ListTenants].
func (s *Store) ListTenants(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list tenants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite store: list tenants: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: list tenants: %w", err)
	}
	return ids, nil
}

// FetchAll implements [store.Store.FetchAll].
func (s *Store) FetchAll(ctx context.Context, tenant int64) ([]store.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, batch_id FROM bug_records WHERE tenant_id = ? ORDER BY id`, tenant)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: fetch all %d: %w", tenant, err)
	}
	defer rows.Close()

	out := []store.Row{}
	for rows.Next() {
		var (
			r     store.Row
			blob  []byte
			batch sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &blob, &batch); err != nil {
			return nil, fmt.Errorf("sqlite store: fetch all %d: %w", tenant, err)
		}
		if r.Embedding, err = decodeEmbedding(blob); err != nil {
			return nil, err
		}
		if batch.Valid {
			r.BatchID = &batch.Int64
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: fetch all %d: %w", tenant, err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, tenant int64, rec store.Record) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO bug_records (tenant_id, id, summary, description, embedding, batch_id, reported_on)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tenant, rec.ID, rec.Summary, rec.Description,
		encodeEmbedding(rec.Embedding), rec.BatchID, dateOrNil(rec.ReportedOn))
	return err
}

// Insert implements [store.Store.Insert].
func (s *Store) Insert(ctx context.Context, tenant int64, rec store.Record) error {
	if err := insert(ctx, s.db, tenant, rec); err != nil {
		return fmt.Errorf("sqlite store: insert %d/%d: %w", tenant, rec.ID, classify(err))
	}
	return nil
}

// InsertBatch implements [store.Store.InsertBatch] inside one transaction.
func (s *Store) InsertBatch(ctx context.Context, tenant int64, recs []store.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: insert batch %d: begin: %w", tenant, err)
	}
	for _, rec := range recs {
		if err := insert(ctx, tx, tenant, rec); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite store: insert batch %d: id %d: %w", tenant, rec.ID, classify(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: insert batch %d: commit: %w", tenant, err)
	}
	return nil
}

// Update implements [store.Store.Update].
func (s *Store) Update(ctx context.Context, tenant, id int64, p store.Patch) (int64, error) {
	if p.Empty() {
		return 0, store.ErrNoUpdates
	}

	var (
		sets []string
		args []any
	)
	if p.Embedding != nil {
		sets = append(sets, "summary = ?", "description = ?", "embedding = ?", "reported_on = ?")
		args = append(args, p.Summary, p.Description, encodeEmbedding(p.Embedding), dateOrNil(p.ReportedOn))
	}
	if p.BatchID != nil {
		sets = append(sets, "batch_id = ?")
		args = append(args, *p.BatchID)
	}
	args = append(args, tenant, id)

	q := `UPDATE bug_records SET ` + strings.Join(sets, ", ") + ` WHERE tenant_id = ? AND id = ?`
	return s.exec(ctx, fmt.Sprintf("update %d/%d", tenant, id), q, args...)
}

// Delete implements [store.Store.Delete].
func (s *Store) Delete(ctx context.Context, tenant, id int64) (int64, error) {
	return s.exec(ctx, fmt.Sprintf("delete %d/%d", tenant, id),
		`DELETE FROM bug_records WHERE tenant_id = ? AND id = ?`, tenant, id)
}

// DeleteBatch implements [store.Store.DeleteBatch].
func (s *Store) DeleteBatch(ctx context.Context, tenant, batchID int64) (int64, error) {
	return s.exec(ctx, fmt.Sprintf("delete batch %d/%d", tenant, batchID),
		`DELETE FROM bug_records WHERE tenant_id = ? AND batch_id = ?`, tenant, batchID)
}

func (s *Store) exec(ctx context.Context, op, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite store: %s: rows affected: %w", op, err)
	}
	return n, nil
}

// Ping implements [store.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: ping: %w", err)
	}
	return nil
}

// Close implements [store.Store.Close].
func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps SQLite constraint failures onto store error kinds.
func classify(err error) error {
	var se *modernc.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return errors.Join(store.ErrDuplicateID, err)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return errors.Join(store.ErrUnknownTenant, err)
	}
	// Fall back to the message when only the primary result code is set.
	if se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		switch msg := se.Error(); {
		case strings.Contains(msg, "FOREIGN KEY"):
			return errors.Join(store.ErrUnknownTenant, err)
		case strings.Contains(msg, "UNIQUE"), strings.Contains(msg, "PRIMARY KEY"):
			return errors.Join(store.ErrDuplicateID, err)
		}
	}
	return err
}

func dateOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(dateLayout)
}
