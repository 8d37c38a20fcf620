package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/bcj/pkg/store"
	"github.com/MrWong99/bcj/pkg/store/storetest"
)

// ── mockDB ──────────────────────────────────────────────────────────────────

type execCall struct {
	sql  string
	args []any
}

// mockDB records Exec calls and returns canned results. Query and Begin are
// only reached by the integration suite.
type mockDB struct {
	execTag   pgconn.CommandTag
	execErr   error
	execCalls []execCall
}

func (m *mockDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("mockDB: Query not supported")
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execCalls = append(m.execCalls, execCall{sql: sql, args: args})
	return m.execTag, m.execErr
}

func (m *mockDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("mockDB: Begin not supported")
}

func (m *mockDB) Ping(context.Context) error { return m.execErr }

// ── unit tests ──────────────────────────────────────────────────────────────

func TestRegisterTenant_Duplicate(t *testing.T) {
	t.Parallel()

	db := &mockDB{execErr: &pgconn.PgError{Code: codeUniqueViolation}}
	s := NewWithDB(db)

	err := s.RegisterTenant(context.Background(), 1)
	if !errors.Is(err, store.ErrDuplicateTenant) {
		t.Fatalf("want ErrDuplicateTenant, got %v", err)
	}
}

func TestInsert_ClassifiesConstraintViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique", &pgconn.PgError{Code: codeUniqueViolation}, store.ErrDuplicateID},
		{"foreign key", &pgconn.PgError{Code: codeForeignKeyViolation}, store.ErrUnknownTenant},
		{"wrapped unique", fmt.Errorf("exec: %w", &pgconn.PgError{Code: codeUniqueViolation}), store.ErrDuplicateID},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := NewWithDB(&mockDB{execErr: tc.err})
			err := s.Insert(context.Background(), 1, store.Record{ID: 1, Embedding: storetest.Vec(1)})
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				t.Errorf("driver error dropped from chain: %v", err)
			}
		})
	}
}

func TestInsert_OtherErrorsPassThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	s := NewWithDB(&mockDB{execErr: boom})
	err := s.Insert(context.Background(), 1, store.Record{ID: 1, Embedding: storetest.Vec(1)})
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped %v, got %v", boom, err)
	}
	if errors.Is(err, store.ErrDuplicateID) || errors.Is(err, store.ErrUnknownTenant) {
		t.Errorf("connection error misclassified: %v", err)
	}
}

func TestUpdate_BuildsSetClause(t *testing.T) {
	t.Parallel()

	batch := int64(4)
	tests := []struct {
		name     string
		patch    store.Patch
		wantSets []string
		nArgs    int
	}{
		{"batch only", store.Patch{BatchID: &batch}, []string{"batch_id = $3"}, 3},
		{"text only", store.Patch{Summary: "s", Embedding: storetest.Vec(1)},
			[]string{"summary = $3", "description = $4", "embedding = $5", "reported_on = $6"}, 6},
		{"both", store.Patch{Embedding: storetest.Vec(1), BatchID: &batch},
			[]string{"reported_on = $6", "batch_id = $7"}, 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			db := &mockDB{execTag: pgconn.NewCommandTag("UPDATE 1")}
			s := NewWithDB(db)

			n, err := s.Update(context.Background(), 1, 2, tc.patch)
			if err != nil || n != 1 {
				t.Fatalf("Update = %d, %v; want 1, nil", n, err)
			}
			call := db.execCalls[0]
			for _, set := range tc.wantSets {
				if !strings.Contains(call.sql, set) {
					t.Errorf("sql %q missing %q", call.sql, set)
				}
			}
			if len(call.args) != tc.nArgs {
				t.Errorf("got %d args, want %d", len(call.args), tc.nArgs)
			}
		})
	}
}

func TestUpdate_EmptyPatch(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	s := NewWithDB(db)
	if _, err := s.Update(context.Background(), 1, 1, store.Patch{}); !errors.Is(err, store.ErrNoUpdates) {
		t.Fatalf("want ErrNoUpdates, got %v", err)
	}
	if len(db.execCalls) != 0 {
		t.Errorf("empty patch reached the database")
	}
}

func TestDelete_RowsAffected(t *testing.T) {
	t.Parallel()

	s := NewWithDB(&mockDB{execTag: pgconn.NewCommandTag("DELETE 3")})
	n, err := s.DeleteBatch(context.Background(), 1, 9)
	if err != nil || n != 3 {
		t.Fatalf("DeleteBatch = %d, %v; want 3, nil", n, err)
	}
}

func TestMigrate_RejectsBadDimensions(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	if err := Migrate(context.Background(), db, 0); err == nil {
		t.Fatal("want error for zero dimensions")
	}
	if err := Migrate(context.Background(), db, storetest.Dim); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execCalls) != 2 || !strings.Contains(db.execCalls[1].sql, "vector(3)") {
		t.Errorf("unexpected migration statements: %+v", db.execCalls)
	}
}

// ── integration ─────────────────────────────────────────────────────────────

// TestConformance runs the shared store suite against a live database named
// by BCJ_TEST_POSTGRES_DSN. Each subtest starts from empty tables.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("BCJ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BCJ_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := NewStore(ctx, dsn, storetest.Dim)
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		if _, err := s.db.Exec(ctx, `TRUNCATE bug_records, tenants`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
