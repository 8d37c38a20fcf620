package indexcache

import (
	"context"
	"errors"

	"github.com/MrWong99/bcj/pkg/provider/embeddings"
	"github.com/MrWong99/bcj/pkg/store"
)

// Errors returned by [Manager] operations. Store and embedding failures that
// callers must tell apart are re-exported so a single errors.Is covers both
// layers.
var (
	// ErrUnknownTenant is returned by operations that require an existing
	// tenant when the tenant has never been created.
	ErrUnknownTenant = store.ErrUnknownTenant

	// ErrEmptyIndex is returned by Query when the tenant has no records.
	ErrEmptyIndex = errors.New("indexcache: tenant has no records")

	// ErrMalformedInput is returned when the embedding provider rejects the
	// text as unembeddable.
	ErrMalformedInput = embeddings.ErrMalformedInput

	// ErrDuplicateID is returned when a record id already exists for the
	// tenant, or when a batch repeats an id.
	ErrDuplicateID = store.ErrDuplicateID

	// ErrNotFound is returned when a remove, update or batch remove matched
	// no rows.
	ErrNotFound = errors.New("indexcache: no matching records")

	// ErrNoUpdates is returned by Update when neither text nor a batch id
	// change is supplied.
	ErrNoUpdates = store.ErrNoUpdates

	// ErrBatchIDMismatch is returned by InsertBatch when an item's batch id
	// is missing or differs from the first item's.
	ErrBatchIDMismatch = errors.New("indexcache: batch ids differ")

	// ErrEmptyContent is returned by InsertBatch when an item has no text.
	ErrEmptyContent = errors.New("indexcache: item has no text")

	// ErrEmptyBatch is returned by InsertBatch for a batch without items.
	ErrEmptyBatch = errors.New("indexcache: empty batch")
)

// Status is the caller-visible outcome class of an operation.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusBadRequest
	StatusUnknownTenant
	// StatusInternal covers store and provider outages. It is never caused
	// by the request's content.
	StatusInternal
)

// String returns the lowercase name of s.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusBadRequest:
		return "bad_request"
	case StatusUnknownTenant:
		return "unknown_tenant"
	default:
		return "internal"
	}
}

// StatusOf classifies an error returned by a [Manager] operation.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrUnknownTenant):
		return StatusUnknownTenant
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrEmptyIndex):
		return StatusNotFound
	case errors.Is(err, ErrMalformedInput),
		errors.Is(err, ErrDuplicateID),
		errors.Is(err, ErrNoUpdates),
		errors.Is(err, ErrBatchIDMismatch),
		errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrEmptyBatch):
		return StatusBadRequest
	default:
		return StatusInternal
	}
}

// reasonOf returns a low-cardinality label for err, used as the status
// attribute of operation metrics.
func reasonOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrUnknownTenant):
		return "unknown_tenant"
	case errors.Is(err, ErrEmptyIndex):
		return "empty_index"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(err, ErrNoUpdates):
		return "no_updates"
	case errors.Is(err, ErrBatchIDMismatch):
		return "batch_id_mismatch"
	case errors.Is(err, ErrEmptyContent):
		return "empty_content"
	case errors.Is(err, ErrEmptyBatch):
		return "empty_batch"
	default:
		return "internal"
	}
}
