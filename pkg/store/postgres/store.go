package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/bcj/pkg/store"
)

// SQLSTATE codes the store translates into [store] error kinds.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// DB is the database interface used by [Store]. *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a [store.Store] backed by PostgreSQL with pgvector.
// All methods are safe for concurrent use.
type Store struct {
	db    DB
	close func()
}

// NewStore creates a connection pool to the database at dsn, registers
// pgvector types on every connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{db: pool, close: pool.Close}, nil
}

// NewWithDB wraps an existing connection or pool. The caller owns db and is
// responsible for running [Migrate]; Close is a no-op.
func NewWithDB(db DB) *Store {
	return &Store{db: db, close: func() {}}
}

// RegisterTenant implements [store.Store.RegisterTenant].
func (s *Store) RegisterTenant(ctx context.Context, tenant int64) error {
	_, err := s.db.Exec(ctx, `INSERT INTO tenants (tenant_id) VALUES ($1)`, tenant)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return fmt.Errorf("postgres store: register tenant %d: %w", tenant, store.ErrDuplicateTenant)
		}
		return fmt.Errorf("postgres store: register tenant %d: %w", tenant, err)
	}
	return nil
}

// ListTenants implements [store.Store.ListTenants].
func (s *Store) ListTenants(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT tenant_id FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list tenants: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("postgres store: list tenants: %w", err)
	}
	return ids, nil
}

// FetchAll implements [store.Store.FetchAll].
func (s *Store) FetchAll(ctx context.Context, tenant int64) ([]store.Row, error) {
	const q = `
		SELECT id, embedding, batch_id
		FROM   bug_records
		WHERE  tenant_id = $1
		ORDER  BY id`

	rows, err := s.db.Query(ctx, q, tenant)
	if err != nil {
		return nil, fmt.Errorf("postgres store: fetch all %d: %w", tenant, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Row, error) {
		var (
			r   store.Row
			vec pgvector.Vector
		)
		if err := row.Scan(&r.ID, &vec, &r.BatchID); err != nil {
			return store.Row{}, err
		}
		r.Embedding = vec.Slice()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: fetch all %d: %w", tenant, err)
	}
	return out, nil
}

const insertRecord = `
	INSERT INTO bug_records
	    (tenant_id, id, summary, description, embedding, batch_id, reported_on)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

func insertArgs(tenant int64, rec store.Record) []any {
	return []any{
		tenant,
		rec.ID,
		rec.Summary,
		rec.Description,
		pgvector.NewVector(rec.Embedding),
		rec.BatchID,
		dateOrNil(rec.ReportedOn),
	}
}

// Insert implements [store.Store.Insert].
func (s *Store) Insert(ctx context.Context, tenant int64, rec store.Record) error {
	if _, err := s.db.Exec(ctx, insertRecord, insertArgs(tenant, rec)...); err != nil {
		return fmt.Errorf("postgres store: insert %d/%d: %w", tenant, rec.ID, classifyWrite(err))
	}
	return nil
}

// InsertBatch implements [store.Store.InsertBatch]. All rows are sent as one
// pgx batch inside a transaction; any failure rolls the whole batch back.
func (s *Store) InsertBatch(ctx context.Context, tenant int64, recs []store.Record) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: insert batch %d: begin: %w", tenant, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	b := &pgx.Batch{}
	for _, rec := range recs {
		b.Queue(insertRecord, insertArgs(tenant, rec)...)
	}
	br := tx.SendBatch(ctx, b)
	for _, rec := range recs {
		if _, execErr := br.Exec(); execErr != nil {
			_ = br.Close()
			return fmt.Errorf("postgres store: insert batch %d: id %d: %w", tenant, rec.ID, classifyWrite(execErr))
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres store: insert batch %d: %w", tenant, classifyWrite(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: insert batch %d: commit: %w", tenant, classifyWrite(err))
	}
	return nil
}

// Update implements [store.Store.Update].
func (s *Store) Update(ctx context.Context, tenant, id int64, p store.Patch) (int64, error) {
	if p.Empty() {
		return 0, store.ErrNoUpdates
	}

	args := []any{tenant, id}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sets []string
	if p.Embedding != nil {
		sets = append(sets,
			"summary = "+next(p.Summary),
			"description = "+next(p.Description),
			"embedding = "+next(pgvector.NewVector(p.Embedding)),
			"reported_on = "+next(dateOrNil(p.ReportedOn)),
		)
	}
	if p.BatchID != nil {
		sets = append(sets, "batch_id = "+next(*p.BatchID))
	}

	q := fmt.Sprintf(`UPDATE bug_records SET %s WHERE tenant_id = $1 AND id = $2`, strings.Join(sets, ", "))
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres store: update %d/%d: %w", tenant, id, err)
	}
	return tag.RowsAffected(), nil
}

// Delete implements [store.Store.Delete].
func (s *Store) Delete(ctx context.Context, tenant, id int64) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM bug_records WHERE tenant_id = $1 AND id = $2`, tenant, id)
	if err != nil {
		return 0, fmt.Errorf("postgres store: delete %d/%d: %w", tenant, id, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteBatch implements [store.Store.DeleteBatch].
func (s *Store) DeleteBatch(ctx context.Context, tenant, batchID int64) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM bug_records WHERE tenant_id = $1 AND batch_id = $2`, tenant, batchID)
	if err != nil {
		return 0, fmt.Errorf("postgres store: delete batch %d/%d: %w", tenant, batchID, err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements [store.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the pool created in [NewStore].
func (s *Store) Close() error {
	s.close()
	return nil
}

// classifyWrite maps constraint violations on bug_records onto store error
// kinds, keeping the driver error in the chain.
func classifyWrite(err error) error {
	switch pgCode(err) {
	case codeUniqueViolation:
		return errors.Join(store.ErrDuplicateID, err)
	case codeForeignKeyViolation:
		return errors.Join(store.ErrUnknownTenant, err)
	}
	return err
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func dateOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
