// Package store defines the durable record store behind the similar-issue
// finder.
//
// A Store holds, per tenant, the issue records that the in-memory
// nearest-neighbour index is built from. It is the source of truth: every
// index rebuild reads the full tenant snapshot back through [Store.FetchAll].
//
// Failure modes are reported as the sentinel errors declared in this package
// and must be matched with [errors.Is]; implementations wrap them with
// backend detail.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Error kinds
// ─────────────────────────────────────────────────────────────────────────────

var (
	// ErrDuplicateTenant is returned by RegisterTenant when the tenant already exists.
	ErrDuplicateTenant = errors.New("store: tenant already registered")

	// ErrUnknownTenant is returned by writes that reference an unregistered tenant.
	ErrUnknownTenant = errors.New("store: unknown tenant")

	// ErrDuplicateID is returned when a record id already exists for the tenant.
	// For InsertBatch it means the whole batch was rejected.
	ErrDuplicateID = errors.New("store: duplicate record id")

	// ErrNoUpdates is returned by Update when the patch changes nothing.
	ErrNoUpdates = errors.New("store: no updates supplied")
)

// ─────────────────────────────────────────────────────────────────────────────
// Record types
// ─────────────────────────────────────────────────────────────────────────────

// Record is one stored issue report.
type Record struct {
	// ID is unique within a tenant.
	ID int64

	// Summary is the one-line title of the issue.
	Summary string

	// Description is the free-text body of the issue.
	Description string

	// Embedding is the vector computed from [Text.Content] of Summary and
	// Description. Its length must equal the store's configured dimensions.
	Embedding []float32

	// BatchID groups records inserted together. Nil for records inserted on
	// their own. It is metadata only and plays no part in uniqueness.
	BatchID *int64

	// ReportedOn is the calendar date the issue was filed. Zero means unknown.
	ReportedOn time.Time
}

// Row is the projection of a Record that the nearest-neighbour index needs.
type Row struct {
	ID        int64
	Embedding []float32
	BatchID   *int64
}

// Patch describes a change to an existing record.
//
// A non-nil Embedding replaces Summary, Description, Embedding and
// ReportedOn together. A non-nil BatchID moves the record to that batch.
// A Patch with neither set is rejected with [ErrNoUpdates].
type Patch struct {
	Summary     string
	Description string
	Embedding   []float32
	BatchID     *int64
	ReportedOn  time.Time
}

// Empty reports whether p would change nothing.
func (p Patch) Empty() bool {
	return p.Embedding == nil && p.BatchID == nil
}

// Text is the textual part of an issue report.
type Text struct {
	Summary     string
	Description string
}

// Content returns the text fed to the embedding model: the non-blank parts
// of the summary and description joined by a newline.
func (t Text) Content() string {
	var parts []string
	for _, s := range []string{t.Summary, t.Description} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

// Store is the durable per-tenant record store.
type Store interface {
	// RegisterTenant adds tenant to the registry. Returns [ErrDuplicateTenant]
	// if it is already present.
	RegisterTenant(ctx context.Context, tenant int64) error

	// ListTenants returns every registered tenant in ascending order.
	ListTenants(ctx context.Context) ([]int64, error)

	// FetchAll returns every record of tenant ordered by id. A tenant with no
	// records, registered or not, yields an empty slice and a nil error.
	FetchAll(ctx context.Context, tenant int64) ([]Row, error)

	// Insert stores one record. Returns [ErrDuplicateID] if rec.ID exists for
	// tenant and [ErrUnknownTenant] if tenant is not registered.
	Insert(ctx context.Context, tenant int64, rec Record) error

	// InsertBatch stores recs atomically: either every record is written or
	// none is. A collision on any id, against existing rows or within recs,
	// rejects the batch with [ErrDuplicateID].
	InsertBatch(ctx context.Context, tenant int64, recs []Record) error

	// Update applies p to record id and returns the number of rows affected
	// (0 or 1). Returns [ErrNoUpdates] for an empty patch.
	Update(ctx context.Context, tenant, id int64, p Patch) (int64, error)

	// Delete removes record id and returns the number of rows affected.
	Delete(ctx context.Context, tenant, id int64) (int64, error)

	// DeleteBatch removes every record of tenant in batchID and returns the
	// number of rows affected.
	DeleteBatch(ctx context.Context, tenant, batchID int64) (int64, error)

	// Ping verifies that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
