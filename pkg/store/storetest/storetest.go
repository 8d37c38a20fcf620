// Package storetest holds a behavioural test suite shared by every
// [store.Store] implementation.
//
// Backends call [Run] from their own tests with a factory that returns a
// fresh, empty store:
//
//	func TestConformance(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store { return memstore.New() })
//	}
package storetest

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/bcj/pkg/store"
)

// Dim is the embedding dimensionality used by every vector in the suite.
// Backends with a fixed column width must be created with it.
const Dim = 3

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"RegisterTenant", testRegisterTenant},
		{"InsertAndFetch", testInsertAndFetch},
		{"InsertUnknownTenant", testInsertUnknownTenant},
		{"InsertDuplicate", testInsertDuplicate},
		{"InsertBatchAtomic", testInsertBatchAtomic},
		{"InsertBatchInternalDuplicate", testInsertBatchInternalDuplicate},
		{"Update", testUpdate},
		{"Delete", testDelete},
		{"DeleteBatch", testDeleteBatch},
		{"TenantIsolation", testTenantIsolation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

// Vec returns a Dim-length vector whose components are all v.
func Vec(v float32) []float32 {
	out := make([]float32, Dim)
	for i := range out {
		out[i] = v
	}
	return out
}

func ptr(v int64) *int64 { return &v }

func rec(id int64, batch *int64) store.Record {
	return store.Record{
		ID:          id,
		Summary:     "summary",
		Description: "description",
		Embedding:   Vec(float32(id)),
		BatchID:     batch,
		ReportedOn:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func ids(t *testing.T, s store.Store, tenant int64) []int64 {
	t.Helper()
	rows, err := s.FetchAll(context.Background(), tenant)
	if err != nil {
		t.Fatalf("FetchAll(%d): %v", tenant, err)
	}
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func mustRegister(t *testing.T, s store.Store, tenant int64) {
	t.Helper()
	if err := s.RegisterTenant(context.Background(), tenant); err != nil {
		t.Fatalf("RegisterTenant(%d): %v", tenant, err)
	}
}

func testRegisterTenant(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustRegister(t, s, 2)
	mustRegister(t, s, 1)

	err := s.RegisterTenant(ctx, 1)
	if !errors.Is(err, store.ErrDuplicateTenant) {
		t.Fatalf("second RegisterTenant: want ErrDuplicateTenant, got %v", err)
	}

	got, err := s.ListTenants(ctx)
	if err != nil {
		t.Fatalf("ListTenants: %v", err)
	}
	if !slices.Equal(got, []int64{1, 2}) {
		t.Errorf("ListTenants = %v, want [1 2]", got)
	}
}

func testInsertAndFetch(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustRegister(t, s, 1)

	if rows, err := s.FetchAll(ctx, 1); err != nil || len(rows) != 0 {
		t.Fatalf("FetchAll on empty tenant = %v, %v; want empty, nil", rows, err)
	}
	if rows, err := s.FetchAll(ctx, 99); err != nil || len(rows) != 0 {
		t.Fatalf("FetchAll on unregistered tenant = %v, %v; want empty, nil", rows, err)
	}

	if err := s.Insert(ctx, 1, rec(7, ptr(3))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, 1, rec(5, nil)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rows, err := s.FetchAll(ctx, 1)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != 5 || rows[1].ID != 7 {
		t.Fatalf("FetchAll = %+v, want ids [5 7]", rows)
	}
	if !slices.Equal(rows[1].Embedding, Vec(7)) {
		t.Errorf("embedding = %v, want %v", rows[1].Embedding, Vec(7))
	}
	if rows[0].BatchID != nil {
		t.Errorf("row 5 batch = %v, want nil", *rows[0].BatchID)
	}
	if rows[1].BatchID == nil || *rows[1].BatchID != 3 {
		t.Errorf("row 7 batch = %v, want 3", rows[1].BatchID)
	}
}

func testInsertUnknownTenant(t *testing.T, s store.Store) {
	err := s.Insert(context.Background(), 42, rec(1, nil))
	if !errors.Is(err, store.ErrUnknownTenant) {
		t.Fatalf("Insert: want ErrUnknownTenant, got %v", err)
	}
	err = s.InsertBatch(context.Background(), 42, []store.Record{rec(1, ptr(1))})
	if !errors.Is(err, store.ErrUnknownTenant) {
		t.Fatalf("InsertBatch: want ErrUnknownTenant, got %v", err)
	}
}

func testInsertDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustRegister(t, s, 1)
	if err := s.Insert(ctx, 1, rec(1, nil)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := s.Insert(ctx, 1, rec(1, nil))
	if !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("duplicate Insert: want ErrDuplicateID, got %v", err)
	}
	if got := ids(t, s, 1); !slices.Equal(got, []int64{1}) {
		t.Errorf("ids = %v, want [1]", got)
	}
}

func testInsertBatchAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustRegister(t, s, 1)
	if err := s.Insert(ctx, 1, rec(103, nil)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	batch := []store.Record{rec(101, ptr(9)), rec(102, ptr(9)), rec(103, ptr(9)), rec(104, ptr(9)), rec(105, ptr(9))}
	err := s.InsertBatch(ctx, 1, batch)
	if !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("InsertBatch: want ErrDuplicateID, got %v", err)
	}
	if got := ids(t, s, 1); !slices.Equal(got, []int64{103}) {
		t.Fatalf("after rejected batch ids = %v, want [103]", got)
	}

	batch[2] = rec(106, ptr(9))
	if err := s.InsertBatch(ctx, 1, batch); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if got := ids(t, s, 1); !slices.Equal(got, []int64{101, 102, 103, 104, 105, 106}) {
		t.Errorf("ids = %v", got)
	}
}

func testInsertBatchInternalDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustRegister(t, s, 1)
	err := s.InsertBatch(ctx, 1, []store.Record{rec(1, ptr(1)), rec(2, ptr(1)), rec(1, ptr(1))})
	if !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("InsertBatch: want ErrDuplicateID, got %v", err)
	}
	if got := ids(t, s, 1); len(got) != 0 {
		t.Errorf("ids = %v, want none", got)
	}
}

func testUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustRegister(t, s, 1)
	if err := s.Insert(ctx, 1, rec(1, ptr(4))); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, err := s.Update(ctx, 1, 1, store.Patch{}); !errors.Is(err, store.ErrNoUpdates) {
		t.Fatalf("empty patch: want ErrNoUpdates, got %v", err)
	}

	n, err := s.Update(ctx, 1, 1, store.Patch{BatchID: ptr(8)})
	if err != nil || n != 1 {
		t.Fatalf("batch-only Update = %d, %v; want 1, nil", n, err)
	}
	rows, _ := s.FetchAll(ctx, 1)
	if *rows[0].BatchID != 8 || !slices.Equal(rows[0].Embedding, Vec(1)) {
		t.Fatalf("after batch update row = %+v", rows[0])
	}

	n, err = s.Update(ctx, 1, 1, store.Patch{Summary: "new", Embedding: Vec(9)})
	if err != nil || n != 1 {
		t.Fatalf("text Update = %d, %v; want 1, nil", n, err)
	}
	rows, _ = s.FetchAll(ctx, 1)
	if !slices.Equal(rows[0].Embedding, Vec(9)) || *rows[0].BatchID != 8 {
		t.Fatalf("after text update row = %+v", rows[0])
	}

	n, err = s.Update(ctx, 1, 404, store.Patch{BatchID: ptr(1)})
	if err != nil || n != 0 {
		t.Errorf("Update missing = %d, %v; want 0, nil", n, err)
	}
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustRegister(t, s, 1)
	if err := s.Insert(ctx, 1, rec(1, nil)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if n, err := s.Delete(ctx, 1, 1); err != nil || n != 1 {
		t.Fatalf("Delete = %d, %v; want 1, nil", n, err)
	}
	if n, err := s.Delete(ctx, 1, 1); err != nil || n != 0 {
		t.Fatalf("second Delete = %d, %v; want 0, nil", n, err)
	}
}

func testDeleteBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustRegister(t, s, 1)
	if err := s.InsertBatch(ctx, 1, []store.Record{rec(1, ptr(5)), rec(2, ptr(5))}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := s.Insert(ctx, 1, rec(3, ptr(6))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if n, err := s.DeleteBatch(ctx, 1, 5); err != nil || n != 2 {
		t.Fatalf("DeleteBatch = %d, %v; want 2, nil", n, err)
	}
	if n, err := s.DeleteBatch(ctx, 1, 5); err != nil || n != 0 {
		t.Fatalf("second DeleteBatch = %d, %v; want 0, nil", n, err)
	}
	if got := ids(t, s, 1); !slices.Equal(got, []int64{3}) {
		t.Errorf("ids = %v, want [3]", got)
	}
}

func testTenantIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustRegister(t, s, 1)
	mustRegister(t, s, 2)
	if err := s.Insert(ctx, 1, rec(1, ptr(1))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, 2, rec(1, ptr(1))); err != nil {
		t.Fatalf("same id in another tenant: %v", err)
	}
	if n, _ := s.Delete(ctx, 2, 1); n != 1 {
		t.Fatalf("Delete tenant 2 = %d, want 1", n)
	}
	if n, _ := s.DeleteBatch(ctx, 2, 1); n != 0 {
		t.Fatalf("DeleteBatch tenant 2 = %d, want 0", n)
	}
	if got := ids(t, s, 1); !slices.Equal(got, []int64{1}) {
		t.Errorf("tenant 1 ids = %v, want [1]", got)
	}
}
