// Package api is the JSON-over-HTTP front end of bcj.
//
// It decodes and validates request payloads, translates them into
// [indexcache.Manager] calls, and maps each operation's outcome to an HTTP
// status with [indexcache.StatusOf]. Every tenant-scoped body carries the
// tenant as "user_id".
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/bcj/internal/indexcache"
	"github.com/MrWong99/bcj/internal/observe"
	"github.com/MrWong99/bcj/pkg/store"
)

const (
	// DefaultK is the number of neighbours returned when a query omits k.
	DefaultK = 5

	// maxBodyBytes bounds request bodies; batches are the largest payloads.
	maxBodyBytes = 8 << 20

	dateLayout = "2006-01-02"
)

// Cache is the subset of [indexcache.Manager] the front end drives.
type Cache interface {
	Query(ctx context.Context, tenant int64, text string, k int) ([]indexcache.Neighbor, error)
	Insert(ctx context.Context, tenant int64, is indexcache.Issue) error
	Remove(ctx context.Context, tenant, id int64) error
	Update(ctx context.Context, tenant, id int64, c indexcache.Change) error
	RemoveBatch(ctx context.Context, tenant, batchID int64) error
	InsertBatch(ctx context.Context, tenant int64, items []indexcache.Issue) error
}

// Compile-time assertion that the manager satisfies Cache.
var _ Cache = (*indexcache.Manager)(nil)

// Server holds the HTTP handlers.
type Server struct {
	cache Cache
}

// New creates a Server backed by cache.
func New(cache Cache) *Server {
	return &Server{cache: cache}
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/bug/similar", s.similar)
	mux.HandleFunc("POST /v1/bug", s.insert)
	mux.HandleFunc("PATCH /v1/bug", s.update)
	mux.HandleFunc("DELETE /v1/bug", s.remove)
	mux.HandleFunc("POST /v1/batch", s.insertBatch)
	mux.HandleFunc("DELETE /v1/batch", s.removeBatch)
}

// ─────────────────────────────────────────────────────────────────────────────
// Payloads
// ─────────────────────────────────────────────────────────────────────────────

type structuredInfo struct {
	ID      *int64 `json:"id"`
	BatchID *int64 `json:"batch_id"`
	Date    string `json:"date"`
}

type similarRequest struct {
	UserID      *int64          `json:"user_id"`
	Summary     string          `json:"summary"`
	Description string          `json:"description"`
	K           *int            `json:"k"`
	Structured  *structuredInfo `json:"structured_info"`
}

type bugRequest struct {
	UserID      *int64          `json:"user_id"`
	Summary     *string         `json:"summary"`
	Description *string         `json:"description"`
	Structured  *structuredInfo `json:"structured_info"`
}

type removeRequest struct {
	UserID *int64 `json:"user_id"`
	ID     *int64 `json:"id"`
}

type batchItem struct {
	Summary     string          `json:"summary"`
	Description string          `json:"description"`
	Structured  *structuredInfo `json:"structured_info"`
}

type batchRequest struct {
	UserID *int64      `json:"user_id"`
	Data   []batchItem `json:"data"`
}

type removeBatchRequest struct {
	UserID  *int64 `json:"user_id"`
	BatchID *int64 `json:"batch_id"`
}

type neighbor struct {
	ID       int64   `json:"id"`
	Distance float64 `json:"distance"`
}

type resultsResponse struct {
	Results []neighbor `json:"results"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) similar(w http.ResponseWriter, r *http.Request) {
	var req similarRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == nil {
		badRequest(w, errMissing("user_id"))
		return
	}
	k := DefaultK
	if req.K != nil {
		if *req.K <= 0 {
			badRequest(w, errors.New(`"k" must meet the constraint k > 0`))
			return
		}
		k = *req.K
	}
	if req.Structured != nil && req.Structured.Date != "" {
		if _, err := parseDate(req.Structured.Date); err != nil {
			badRequest(w, err)
			return
		}
	}

	text := store.Text{Summary: req.Summary, Description: req.Description}.Content()
	res, err := s.cache.Query(r.Context(), *req.UserID, text, k)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := resultsResponse{Results: make([]neighbor, len(res))}
	for i, n := range res {
		out.Results[i] = neighbor{ID: n.ID, Distance: n.Distance}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) insert(w http.ResponseWriter, r *http.Request) {
	var req bugRequest
	if !decode(w, r, &req) {
		return
	}
	is, err := req.issue()
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.cache.Insert(r.Context(), *req.UserID, is); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailResponse{Detail: fmt.Sprintf("bug %d inserted", is.ID)})
}

func (req bugRequest) issue() (indexcache.Issue, error) {
	if req.UserID == nil {
		return indexcache.Issue{}, errMissing("user_id")
	}
	if req.Structured == nil || req.Structured.ID == nil {
		return indexcache.Issue{}, errMissing("structured_info.id")
	}
	date, err := parseDate(req.Structured.Date)
	if err != nil {
		return indexcache.Issue{}, err
	}
	is := indexcache.Issue{
		ID:         *req.Structured.ID,
		BatchID:    req.Structured.BatchID,
		ReportedOn: date,
	}
	if req.Summary != nil {
		is.Summary = *req.Summary
	}
	if req.Description != nil {
		is.Description = *req.Description
	}
	if strings.TrimSpace(is.Summary+is.Description) == "" {
		return indexcache.Issue{}, errNoText
	}
	return is, nil
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	var req bugRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == nil {
		badRequest(w, errMissing("user_id"))
		return
	}
	if req.Structured == nil || req.Structured.ID == nil {
		badRequest(w, errMissing("structured_info.id"))
		return
	}
	date, err := parseDate(req.Structured.Date)
	if err != nil {
		badRequest(w, err)
		return
	}

	c := indexcache.Change{BatchID: req.Structured.BatchID, ReportedOn: date}
	if req.Summary != nil || req.Description != nil {
		var t store.Text
		if req.Summary != nil {
			t.Summary = *req.Summary
		}
		if req.Description != nil {
			t.Description = *req.Description
		}
		c.Text = &t
	}
	id := *req.Structured.ID
	if err := s.cache.Update(r.Context(), *req.UserID, id, c); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailResponse{Detail: fmt.Sprintf("bug %d updated", id)})
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if !decode(w, r, &req) {
		return
	}
	switch {
	case req.UserID == nil:
		badRequest(w, errMissing("user_id"))
		return
	case req.ID == nil:
		badRequest(w, errMissing("id"))
		return
	}
	if err := s.cache.Remove(r.Context(), *req.UserID, *req.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailResponse{Detail: fmt.Sprintf("bug %d removed", *req.ID)})
}

func (s *Server) insertBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == nil {
		badRequest(w, errMissing("user_id"))
		return
	}
	items := make([]indexcache.Issue, len(req.Data))
	for i, d := range req.Data {
		if d.Structured == nil || d.Structured.ID == nil {
			badRequest(w, fmt.Errorf("data[%d]: %w", i, errMissing("structured_info.id")))
			return
		}
		date, err := parseDate(d.Structured.Date)
		if err != nil {
			badRequest(w, fmt.Errorf("data[%d]: %w", i, err))
			return
		}
		items[i] = indexcache.Issue{
			ID:          *d.Structured.ID,
			Summary:     d.Summary,
			Description: d.Description,
			BatchID:     d.Structured.BatchID,
			ReportedOn:  date,
		}
	}
	// Batch id agreement and text presence are checked by the cache so the
	// rules hold for every caller.
	if err := s.cache.InsertBatch(r.Context(), *req.UserID, items); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailResponse{Detail: fmt.Sprintf("%d bugs inserted", len(items))})
}

func (s *Server) removeBatch(w http.ResponseWriter, r *http.Request) {
	var req removeBatchRequest
	if !decode(w, r, &req) {
		return
	}
	switch {
	case req.UserID == nil:
		badRequest(w, errMissing("user_id"))
		return
	case req.BatchID == nil:
		badRequest(w, errMissing("batch_id"))
		return
	}
	if err := s.cache.RemoveBatch(r.Context(), *req.UserID, *req.BatchID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailResponse{Detail: fmt.Sprintf("batch %d removed", *req.BatchID)})
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

var errNoText = errors.New("either summary or description must be non-empty")

func errMissing(field string) error {
	return fmt.Errorf("missing required field %q", field)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errMissing("structured_info.date")
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q is not in YYYY-MM-DD format", s)
	}
	return t, nil
}

// decode reads a single JSON object from r's body into v, rejecting unknown
// fields and trailing data. It writes a 400 response and returns false on
// failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, fmt.Errorf("invalid JSON body: %w", err))
		return false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		badRequest(w, errors.New("invalid JSON body: trailing data"))
		return false
	}
	return true
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, detailResponse{Detail: err.Error()})
}

// httpStatus maps an operation outcome to its HTTP status code.
func httpStatus(st indexcache.Status) int {
	switch st {
	case indexcache.StatusOK:
		return http.StatusOK
	case indexcache.StatusNotFound, indexcache.StatusUnknownTenant:
		return http.StatusNotFound
	case indexcache.StatusBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the status derived from err. Internal failures
// are logged and their detail is withheld from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	st := indexcache.StatusOf(err)
	detail := err.Error()
	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// The client is gone; nobody reads this response.
		detail = "request cancelled"
	case st == indexcache.StatusInternal:
		observe.Logger(r.Context()).Error("request failed", "route", r.Pattern, "err", err)
		detail = "internal error"
	}
	writeJSON(w, httpStatus(st), detailResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
