// Package memstore provides an in-memory [store.Store]. It keeps nothing
// across restarts and is meant for tests and single-process demos.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/bcj/pkg/store"
)

// Compile-time assertion that Store satisfies the store.Store interface.
var _ store.Store = (*Store)(nil)

// Store is a thread-safe, in-memory implementation of [store.Store].
// The zero value is ready to use.
type Store struct {
	mu      sync.RWMutex
	tenants map[int64]map[int64]store.Record
}

// New returns an initialised [Store].
func New() *Store {
	return &Store{tenants: make(map[int64]map[int64]store.Record)}
}

// RegisterTenant implements [store.Store.RegisterTenant].
func (s *Store) RegisterTenant(_ context.Context, tenant int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tenants == nil {
		s.tenants = make(map[int64]map[int64]store.Record)
	}
	if _, ok := s.tenants[tenant]; ok {
		return fmt.Errorf("memstore: register %d: %w", tenant, store.ErrDuplicateTenant)
	}
	s.tenants[tenant] = make(map[int64]store.Record)
	return nil
}

// ListTenants implements [store.Store.ListTenants].
func (s *Store) ListTenants(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Sorted(maps.Keys(s.tenants)), nil
}

// FetchAll implements [store.Store.FetchAll].
func (s *Store) FetchAll(_ context.Context, tenant int64) ([]store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.tenants[tenant]
	rows := make([]store.Row, 0, len(recs))
	for _, id := range slices.Sorted(maps.Keys(recs)) {
		r := recs[id]
		rows = append(rows, store.Row{
			ID:        r.ID,
			Embedding: slices.Clone(r.Embedding),
			BatchID:   clonePtr(r.BatchID),
		})
	}
	return rows, nil
}

// Insert implements [store.Store.Insert].
func (s *Store) Insert(_ context.Context, tenant int64, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, ok := s.tenants[tenant]
	if !ok {
		return fmt.Errorf("memstore: insert %d/%d: %w", tenant, rec.ID, store.ErrUnknownTenant)
	}
	if _, dup := recs[rec.ID]; dup {
		return fmt.Errorf("memstore: insert %d/%d: %w", tenant, rec.ID, store.ErrDuplicateID)
	}
	recs[rec.ID] = cloneRecord(rec)
	return nil
}

// InsertBatch implements [store.Store.InsertBatch]. Every id is checked
// before the first record is written.
func (s *Store) InsertBatch(_ context.Context, tenant int64, batch []store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, ok := s.tenants[tenant]
	if !ok {
		return fmt.Errorf("memstore: insert batch %d: %w", tenant, store.ErrUnknownTenant)
	}
	seen := make(map[int64]struct{}, len(batch))
	for _, r := range batch {
		_, existing := recs[r.ID]
		_, repeated := seen[r.ID]
		if existing || repeated {
			return fmt.Errorf("memstore: insert batch %d: id %d: %w", tenant, r.ID, store.ErrDuplicateID)
		}
		seen[r.ID] = struct{}{}
	}
	for _, r := range batch {
		recs[r.ID] = cloneRecord(r)
	}
	return nil
}

// Update implements [store.Store.Update].
func (s *Store) Update(_ context.Context, tenant, id int64, p store.Patch) (int64, error) {
	if p.Empty() {
		return 0, store.ErrNoUpdates
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.tenants[tenant][id]
	if !ok {
		return 0, nil
	}
	if p.Embedding != nil {
		r.Summary = p.Summary
		r.Description = p.Description
		r.Embedding = slices.Clone(p.Embedding)
		r.ReportedOn = p.ReportedOn
	}
	if p.BatchID != nil {
		r.BatchID = clonePtr(p.BatchID)
	}
	s.tenants[tenant][id] = r
	return 1, nil
}

// Delete implements [store.Store.Delete].
func (s *Store) Delete(_ context.Context, tenant, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.tenants[tenant]
	if _, ok := recs[id]; !ok {
		return 0, nil
	}
	delete(recs, id)
	return 1, nil
}

// DeleteBatch implements [store.Store.DeleteBatch].
func (s *Store) DeleteBatch(_ context.Context, tenant, batchID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	recs := s.tenants[tenant]
	for id, r := range recs {
		if r.BatchID != nil && *r.BatchID == batchID {
			delete(recs, id)
			n++
		}
	}
	return n, nil
}

// Ping implements [store.Store.Ping]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store.Close]. It is a no-op.
func (s *Store) Close() error { return nil }

func cloneRecord(r store.Record) store.Record {
	r.Embedding = slices.Clone(r.Embedding)
	r.BatchID = clonePtr(r.BatchID)
	return r
}

func clonePtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
