package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/bcj/internal/indexcache"
	"github.com/MrWong99/bcj/internal/observe"
	"github.com/MrWong99/bcj/pkg/provider/embeddings/hashing"
	"github.com/MrWong99/bcj/pkg/store/memstore"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	emb, err := hashing.New(64)
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	m := indexcache.New(memstore.New(), emb, metrics, indexcache.Options{})
	t.Cleanup(func() { _ = m.Close() })

	mux := http.NewServeMux()
	New(m).Register(mux)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	return rec.Code, out
}

func TestLifecycle(t *testing.T) {
	h := newTestServer(t)

	steps := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"query unknown tenant", "POST", "/v1/bug/similar",
			`{"user_id": 1, "summary": "save crash"}`, http.StatusNotFound},
		{"insert", "POST", "/v1/bug",
			`{"user_id": 1, "summary": "login crashes on save", "structured_info": {"id": 1, "date": "2024-03-01"}}`,
			http.StatusOK},
		{"insert duplicate", "POST", "/v1/bug",
			`{"user_id": 1, "summary": "login crashes on save", "structured_info": {"id": 1, "date": "2024-03-01"}}`,
			http.StatusBadRequest},
		{"insert batch", "POST", "/v1/batch",
			`{"user_id": 1, "data": [
				{"summary": "printer jams", "structured_info": {"id": 2, "batch_id": 9, "date": "2024-03-02"}},
				{"description": "export hangs forever", "structured_info": {"id": 3, "batch_id": 9, "date": "2024-03-02"}}
			]}`, http.StatusOK},
		{"batch id mismatch", "POST", "/v1/batch",
			`{"user_id": 1, "data": [
				{"summary": "a bug", "structured_info": {"id": 4, "batch_id": 9, "date": "2024-03-02"}},
				{"summary": "another", "structured_info": {"id": 5, "batch_id": 8, "date": "2024-03-02"}}
			]}`, http.StatusBadRequest},
		{"update text", "PATCH", "/v1/bug",
			`{"user_id": 1, "summary": "printer jams on duplex", "structured_info": {"id": 2, "date": "2024-03-03"}}`,
			http.StatusOK},
		{"update nothing", "PATCH", "/v1/bug",
			`{"user_id": 1, "structured_info": {"id": 2, "date": "2024-03-03"}}`,
			http.StatusBadRequest},
		{"remove batch", "DELETE", "/v1/batch", `{"user_id": 1, "batch_id": 9}`, http.StatusOK},
		{"remove batch again", "DELETE", "/v1/batch", `{"user_id": 1, "batch_id": 9}`, http.StatusNotFound},
		{"remove", "DELETE", "/v1/bug", `{"user_id": 1, "id": 1}`, http.StatusOK},
		{"query empty", "POST", "/v1/bug/similar", `{"user_id": 1, "summary": "save crash"}`, http.StatusNotFound},
	}
	for _, st := range steps {
		code, body := do(t, h, st.method, st.path, st.body)
		if code != st.wantStatus {
			t.Fatalf("%s: status = %d (%v), want %d", st.name, code, body, st.wantStatus)
		}
	}
}

func TestSimilarResults(t *testing.T) {
	h := newTestServer(t)
	for _, body := range []string{
		`{"user_id": 7, "summary": "login crashes on save", "structured_info": {"id": 1, "date": "2024-01-01"}}`,
		`{"user_id": 7, "summary": "dark mode colours wrong", "structured_info": {"id": 2, "date": "2024-01-01"}}`,
	} {
		if code, out := do(t, h, "POST", "/v1/bug", body); code != http.StatusOK {
			t.Fatalf("insert: %d %v", code, out)
		}
	}

	code, out := do(t, h, "POST", "/v1/bug/similar", `{"user_id": 7, "summary": "save crashes login", "k": 1}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d (%v)", code, out)
	}
	results, _ := out["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v, want one", out["results"])
	}
	if id := results[0].(map[string]any)["id"]; id != float64(1) {
		t.Errorf("closest id = %v, want 1", id)
	}

	// k larger than the tenant's record count returns every record.
	_, out = do(t, h, "POST", "/v1/bug/similar", `{"user_id": 7, "summary": "crash", "k": 50}`)
	if results, _ := out["results"].([]any); len(results) != 2 {
		t.Errorf("results = %v, want two", out["results"])
	}
}

func TestPayloadValidation(t *testing.T) {
	h := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"k zero", "POST", "/v1/bug/similar", `{"user_id": 1, "summary": "x", "k": 0}`},
		{"k negative", "POST", "/v1/bug/similar", `{"user_id": 1, "summary": "x", "k": -2}`},
		{"unknown field", "POST", "/v1/bug", `{"user_id": 1, "title": "x", "structured_info": {"id": 1, "date": "2024-01-01"}}`},
		{"bad date", "POST", "/v1/bug", `{"user_id": 1, "summary": "x", "structured_info": {"id": 1, "date": "01/02/2024"}}`},
		{"missing date", "POST", "/v1/bug", `{"user_id": 1, "summary": "x", "structured_info": {"id": 1}}`},
		{"missing id", "POST", "/v1/bug", `{"user_id": 1, "summary": "x", "structured_info": {"date": "2024-01-01"}}`},
		{"no text", "POST", "/v1/bug", `{"user_id": 1, "structured_info": {"id": 1, "date": "2024-01-01"}}`},
		{"missing user", "DELETE", "/v1/bug", `{"id": 1}`},
		{"missing batch id", "DELETE", "/v1/batch", `{"user_id": 1}`},
		{"trailing data", "DELETE", "/v1/bug", `{"user_id": 1, "id": 1} {}`},
		{"not json", "POST", "/v1/batch", `user_id=1`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, out := do(t, h, tc.method, tc.path, tc.body)
			if code != http.StatusBadRequest {
				t.Fatalf("status = %d (%v), want 400", code, out)
			}
			if out["detail"] == "" {
				t.Error("missing detail message")
			}
		})
	}
}

// failingCache returns err from every operation.
type failingCache struct{ err error }

func (c failingCache) Query(context.Context, int64, string, int) ([]indexcache.Neighbor, error) {
	return nil, c.err
}
func (c failingCache) Insert(context.Context, int64, indexcache.Issue) error         { return c.err }
func (c failingCache) Remove(context.Context, int64, int64) error                    { return c.err }
func (c failingCache) Update(context.Context, int64, int64, indexcache.Change) error { return c.err }
func (c failingCache) RemoveBatch(context.Context, int64, int64) error               { return c.err }
func (c failingCache) InsertBatch(context.Context, int64, []indexcache.Issue) error  { return c.err }

func TestInternalErrorsHideDetail(t *testing.T) {
	mux := http.NewServeMux()
	New(failingCache{err: errors.New("pgx: connection reset by peer")}).Register(mux)

	code, out := do(t, mux, "DELETE", "/v1/bug", `{"user_id": 1, "id": 1}`)
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	if detail := out["detail"].(string); strings.Contains(detail, "pgx") {
		t.Errorf("detail leaks driver error: %q", detail)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		st   indexcache.Status
		want int
	}{
		{indexcache.StatusOK, http.StatusOK},
		{indexcache.StatusNotFound, http.StatusNotFound},
		{indexcache.StatusUnknownTenant, http.StatusNotFound},
		{indexcache.StatusBadRequest, http.StatusBadRequest},
		{indexcache.StatusInternal, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := httpStatus(tc.st); got != tc.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tc.st, got, tc.want)
		}
	}
}
