package indexcache

import (
	"fmt"
	"time"

	"github.com/MrWong99/bcj/pkg/store"
)

// Issue is one issue report submitted for insertion.
type Issue struct {
	ID          int64
	Summary     string
	Description string
	// BatchID is optional for single inserts and required for batches.
	BatchID    *int64
	ReportedOn time.Time
}

func (is Issue) content() string {
	return store.Text{Summary: is.Summary, Description: is.Description}.Content()
}

func (is Issue) record(vec []float32) store.Record {
	return store.Record{
		ID:          is.ID,
		Summary:     is.Summary,
		Description: is.Description,
		Embedding:   vec,
		BatchID:     is.BatchID,
		ReportedOn:  is.ReportedOn,
	}
}

// Change describes an update to an existing record.
type Change struct {
	// Text replaces the record's summary and description and triggers a new
	// embedding. Nil keeps the current text.
	Text *store.Text
	// BatchID moves the record to another batch. Nil keeps the current batch.
	BatchID *int64
	// ReportedOn is stored together with a text change.
	ReportedOn time.Time
}

// validateBatch checks a batch before any embedding or write happens. The
// checks run in a fixed order over the whole batch, so the reported error
// does not depend on which item happens to be inspected first:
// batch id agreement, then text presence, then id uniqueness.
func validateBatch(items []Issue) error {
	if len(items) == 0 {
		return ErrEmptyBatch
	}

	first := items[0].BatchID
	if first == nil {
		return fmt.Errorf("%w: item 0 (id %d) has no batch id", ErrBatchIDMismatch, items[0].ID)
	}
	for i, it := range items[1:] {
		if it.BatchID == nil || *it.BatchID != *first {
			return fmt.Errorf("%w: item %d (id %d) does not belong to batch %d",
				ErrBatchIDMismatch, i+1, it.ID, *first)
		}
	}

	for i, it := range items {
		if it.content() == "" {
			return fmt.Errorf("%w: item %d (id %d)", ErrEmptyContent, i, it.ID)
		}
	}

	seen := make(map[int64]int, len(items))
	for i, it := range items {
		if j, dup := seen[it.ID]; dup {
			return fmt.Errorf("%w: id %d repeated at items %d and %d", ErrDuplicateID, it.ID, j, i)
		}
		seen[it.ID] = i
	}
	return nil
}
