package indexcache

import (
	"context"
	"fmt"

	"github.com/MrWong99/bcj/pkg/store"
)

// Query returns the k records of tenant closest to text, ascending by
// distance. k is clamped into [1, N] where N is the tenant's record count,
// and further capped by Options.MaxK.
func (m *Manager) Query(ctx context.Context, tenant int64, text string, k int) (_ []Neighbor, err error) {
	ctx, end := m.begin(ctx, "query", tenant)
	defer func() { end(err) }()

	e, err := m.authenticate(tenant)
	if err != nil {
		return nil, err
	}
	if tree, _, err := m.snapshot(ctx, tenant); err != nil {
		return nil, err
	} else if tree == nil {
		return nil, fmt.Errorf("%w: tenant %d", ErrEmptyIndex, tenant)
	}

	vec, err := m.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	defer e.unlock()

	// The index may have emptied while the text was being embedded.
	if e.tree == nil {
		return nil, fmt.Errorf("%w: tenant %d", ErrEmptyIndex, tenant)
	}
	k = m.clampK(k, e.tree.Len())
	res, err := e.tree.Query(vec, k)
	if err != nil {
		return nil, fmt.Errorf("indexcache: query tenant %d: %w", tenant, err)
	}
	return res, nil
}

func (m *Manager) clampK(k, n int) int {
	if m.opts.MaxK > 0 && k > m.opts.MaxK {
		k = m.opts.MaxK
	}
	return max(1, min(k, n))
}

// Insert stores one issue for tenant, creating the tenant on first use, and
// appends it to the tenant's index. A colliding id fails with
// [ErrDuplicateID] and leaves the index untouched.
func (m *Manager) Insert(ctx context.Context, tenant int64, is Issue) (err error) {
	ctx, end := m.begin(ctx, "insert", tenant)
	defer func() { end(err) }()

	e, err := m.getOrCreate(ctx, tenant)
	if err != nil {
		return err
	}
	vec, err := m.embed(ctx, is.content())
	if err != nil {
		return err
	}

	seen := e.version.Load()
	if err := m.store.Insert(ctx, tenant, is.record(vec)); err != nil {
		return fmt.Errorf("indexcache: insert tenant %d id %d: %w", tenant, is.ID, err)
	}
	m.appendAfterWrite(ctx, e, seen, is.ID, vec)
	return nil
}

// Remove deletes record id of tenant and rebuilds the tenant's index.
func (m *Manager) Remove(ctx context.Context, tenant, id int64) (err error) {
	ctx, end := m.begin(ctx, "remove", tenant)
	defer func() { end(err) }()

	e, err := m.authenticate(tenant)
	if err != nil {
		return err
	}
	n, err := m.store.Delete(ctx, tenant, id)
	if err != nil {
		return fmt.Errorf("indexcache: remove tenant %d id %d: %w", tenant, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: tenant %d id %d", ErrNotFound, tenant, id)
	}
	m.refresh(ctx, e, "remove")
	return nil
}

// Update changes record id of tenant. A text change re-embeds the record and
// rebuilds the index; a batch-only change leaves the index alone because
// batch ids are not part of it.
func (m *Manager) Update(ctx context.Context, tenant, id int64, c Change) (err error) {
	ctx, end := m.begin(ctx, "update", tenant)
	defer func() { end(err) }()

	e, err := m.authenticate(tenant)
	if err != nil {
		return err
	}
	if c.Text == nil && c.BatchID == nil {
		return fmt.Errorf("indexcache: update tenant %d id %d: %w", tenant, id, ErrNoUpdates)
	}

	p := store.Patch{BatchID: c.BatchID}
	if c.Text != nil {
		vec, err := m.embed(ctx, c.Text.Content())
		if err != nil {
			return err
		}
		p.Summary = c.Text.Summary
		p.Description = c.Text.Description
		p.Embedding = vec
		p.ReportedOn = c.ReportedOn
	}

	n, err := m.store.Update(ctx, tenant, id, p)
	if err != nil {
		return fmt.Errorf("indexcache: update tenant %d id %d: %w", tenant, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: tenant %d id %d", ErrNotFound, tenant, id)
	}
	if c.Text != nil {
		m.refresh(ctx, e, "update")
	}
	return nil
}

// RemoveBatch deletes every record of tenant in batchID and rebuilds the
// tenant's index.
func (m *Manager) RemoveBatch(ctx context.Context, tenant, batchID int64) (err error) {
	ctx, end := m.begin(ctx, "remove_batch", tenant)
	defer func() { end(err) }()

	e, err := m.authenticate(tenant)
	if err != nil {
		return err
	}
	n, err := m.store.DeleteBatch(ctx, tenant, batchID)
	if err != nil {
		return fmt.Errorf("indexcache: remove batch %d of tenant %d: %w", batchID, tenant, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: tenant %d batch %d", ErrNotFound, tenant, batchID)
	}
	m.refresh(ctx, e, "remove_batch")
	return nil
}

// InsertBatch stores items for tenant as one atomic write and rebuilds the
// tenant's index.
//
// The batch is validated in full before anything else happens, including
// tenant creation; see validateBatch for the rules. All items are then
// embedded, and a failure on any one aborts the batch before the write. A
// collision on any id rejects the whole batch with [ErrDuplicateID].
func (m *Manager) InsertBatch(ctx context.Context, tenant int64, items []Issue) (err error) {
	ctx, end := m.begin(ctx, "insert_batch", tenant)
	defer func() { end(err) }()

	if err := validateBatch(items); err != nil {
		return err
	}

	e, err := m.getOrCreate(ctx, tenant)
	if err != nil {
		return err
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.content()
	}
	vecs, err := m.embedBatch(ctx, texts)
	if err != nil {
		return err
	}

	recs := make([]store.Record, len(items))
	for i, it := range items {
		recs[i] = it.record(vecs[i])
	}
	if err := m.store.InsertBatch(ctx, tenant, recs); err != nil {
		return fmt.Errorf("indexcache: insert batch %d of tenant %d: %w", *items[0].BatchID, tenant, err)
	}
	m.refresh(ctx, e, "insert_batch")
	return nil
}
