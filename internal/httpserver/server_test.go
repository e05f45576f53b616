package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/thousand/internal/duckdb"
	"github.com/tinytelemetry/thousand/internal/events"
	"github.com/tinytelemetry/thousand/internal/model"
	"github.com/tinytelemetry/thousand/internal/pipeline"
	"github.com/tinytelemetry/thousand/internal/pods"
	"github.com/tinytelemetry/thousand/internal/sketchfs"
	"github.com/tinytelemetry/thousand/internal/transform"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSketches stands in for the pipeline so handlers can be driven
// into each error branch.
type fakeSketches struct {
	mu        sync.Mutex
	ingestErr error
	gotRaw    []byte
	gotMeta   model.Metadata
	stored    map[int][]byte
	removed   []string
	removeErr error
}

func (f *fakeSketches) Ingest(ctx context.Context, raw []byte, meta model.Metadata) (model.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotRaw, f.gotMeta = raw, meta
	if f.ingestErr != nil {
		return model.Artifact{}, f.ingestErr
	}
	return model.NewArtifact(model.Endpoint{ID: 7, URL: "http://pod-7"}, meta), nil
}

func (f *fakeSketches) Retrieve(ctx context.Context, id int) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.stored[id]
	if !ok {
		return nil, sketchfs.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (f *fakeSketches) Remove(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, target)
	return nil
}

func (f *fakeSketches) Cached() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func newTestServer(t *testing.T, sketches Sketches) (*Server, *duckdb.Store, *gin.Engine) {
	t.Helper()
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(Config{MaxUploadBytes: 1024}, sketches, events.NewBus(8), store)
	return srv, store, srv.Handler()
}

func do(r http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIngestEndpoint(t *testing.T) {
	fake := &fakeSketches{}
	_, _, r := newTestServer(t, fake)

	w := do(r, http.MethodPost, "/api/sketch?name=ada&cuid=c-1&submission_id=s-1", strings.NewReader("img"))
	if w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var got model.Artifact
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if got.ContainerID != 7 || got.UIURL != "/api/sketch/7" {
		t.Errorf("summary = %+v", got)
	}
	want := model.Metadata{Name: "ada", CUID: "c-1", SubmissionID: "s-1"}
	if fake.gotMeta != want {
		t.Errorf("metadata = %+v, want %+v", fake.gotMeta, want)
	}
	if string(fake.gotRaw) != "img" {
		t.Errorf("raw body = %q, want img", fake.gotRaw)
	}
}

func TestIngestEndpoint_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"decode", &transform.DecodeError{Err: errors.New("bad magic")}, http.StatusBadRequest},
		{"encode", &transform.EncodeError{Format: "gif", Err: errors.New("boom")}, http.StatusUnprocessableEntity},
		{"no pods", fmt.Errorf("pipeline: claim pod: %w", pods.ErrNoPods), http.StatusServiceUnavailable},
		{"persistence", &sketchfs.PersistenceError{ID: 3, Err: errors.New("disk full")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, _, r := newTestServer(t, &fakeSketches{ingestErr: tt.err})
			w := do(r, http.MethodPost, "/api/sketch", strings.NewReader("img"))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal error body: %v", err)
			}
			if body["error"] == "" {
				t.Fatal("error body missing message")
			}
		})
	}
}

func TestIngestEndpoint_TooLarge(t *testing.T) {
	_, _, r := newTestServer(t, &fakeSketches{})

	w := do(r, http.MethodPost, "/api/sketch", bytes.NewReader(make([]byte, 2048)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestRetrieveEndpoint(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nrest")
	_, _, r := newTestServer(t, &fakeSketches{stored: map[int][]byte{7: png}})

	w := do(r, http.MethodGet, "/api/sketch/7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q, want image/png", ct)
	}
	if !bytes.Equal(w.Body.Bytes(), png) {
		t.Errorf("body = %q, want %q", w.Body.Bytes(), png)
	}

	if w := do(r, http.MethodGet, "/api/sketch/8", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing sketch status = %d, want 404", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/sketch/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", w.Code)
	}
}

func TestRemoveEndpoint(t *testing.T) {
	fake := &fakeSketches{}
	_, _, r := newTestServer(t, fake)

	w := do(r, http.MethodDelete, "/api/sketch/all", nil)
	if w.Code != http.StatusOK || w.Body.String() != "removed all" {
		t.Fatalf("remove all = %d %q", w.Code, w.Body.String())
	}
	w = do(r, http.MethodDelete, "/api/sketch/4", nil)
	if w.Code != http.StatusOK || w.Body.String() != "removed" {
		t.Fatalf("remove 4 = %d %q", w.Code, w.Body.String())
	}
	if len(fake.removed) != 2 || fake.removed[0] != "all" || fake.removed[1] != "4" {
		t.Fatalf("removed = %v", fake.removed)
	}

	fake.removeErr = fmt.Errorf("%w: %q", pipeline.ErrInvalidID, "x")
	if w := do(r, http.MethodDelete, "/api/sketch/x", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid id status = %d, want 400", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, store, r := newTestServer(t, &fakeSketches{stored: map[int][]byte{1: {1}, 2: {2}}})

	err := store.InsertDeliveryBatch([]*model.DeliveryRecord{
		{ContainerID: 1, URL: "u", UIURL: "/api/sketch/1", State: "success", Attempts: 1},
		{ContainerID: 2, URL: "u", UIURL: "/api/sketch/2", State: "retry_exhausted", Attempts: 5},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := do(r, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status     string           `json:"status"`
		Cached     int              `json:"cached"`
		Deliveries map[string]int64 `json:"deliveries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body.Status != "ok" || body.Cached != 2 {
		t.Errorf("health = %+v", body)
	}
	if body.Deliveries["success"] != 1 || body.Deliveries["retry_exhausted"] != 1 {
		t.Errorf("delivery counts = %v", body.Deliveries)
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	_, _, r := newTestServer(t, &fakeSketches{})

	w := do(r, http.MethodPost, "/api/health", nil)

	// Gin returns 405 for method not allowed when a route exists but not for this method
	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("health POST status = %d, want 405 or 404", w.Code)
	}
}

func TestDeliveriesEndpoint(t *testing.T) {
	_, store, r := newTestServer(t, &fakeSketches{})

	err := store.InsertDeliveryBatch([]*model.DeliveryRecord{
		{ContainerID: 3, URL: "http://1k.jbosskeynote.com/api/sketch/3", UIURL: "/api/sketch/3", State: "auth_failure", Attempts: 1},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := do(r, http.MethodGet, "/api/deliveries?limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var body struct {
		Deliveries []model.DeliveryRecord `json:"deliveries"`
		Count      int                    `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Count != 1 || body.Deliveries[0].State != "auth_failure" {
		t.Fatalf("deliveries = %+v", body)
	}

	for _, limit := range []string{"0", "-1", "abc", "5000"} {
		if w := do(r, http.MethodGet, "/api/deliveries?limit="+limit, nil); w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", limit, w.Code)
		}
	}
}

func TestLedgerRoutesDisabled(t *testing.T) {
	srv := NewServer(Config{}, &fakeSketches{}, nil, nil)
	r := srv.Handler()

	for _, path := range []string{"/api/deliveries", "/api/schema", "/api/events"} {
		if w := do(r, http.MethodGet, path, nil); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, w.Code)
		}
	}
	w := do(r, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), "deliveries") {
		t.Errorf("health without ledger = %d %s", w.Code, w.Body.String())
	}
}

func TestSchemaEndpoint(t *testing.T) {
	_, _, r := newTestServer(t, &fakeSketches{})

	w := do(r, http.MethodGet, "/api/schema", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("schema status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "container_id") {
		t.Errorf("schema does not list deliveries columns: %s", w.Body.String())
	}
}

func TestQueryEndpoint(t *testing.T) {
	_, store, r := newTestServer(t, &fakeSketches{})
	if err := store.InsertDeliveryBatch([]*model.DeliveryRecord{
		{ContainerID: 1, URL: "u", UIURL: "/api/sketch/1", State: "success"},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"select", `{"sql": "SELECT COUNT(*) AS cnt FROM deliveries"}`, http.StatusOK},
		{"with", `{"sql": "WITH c AS (SELECT COUNT(*) AS cnt FROM deliveries) SELECT cnt FROM c"}`, http.StatusOK},
		{"insert", `{"sql": "INSERT INTO deliveries (state) VALUES ('x')"}`, http.StatusBadRequest},
		{"drop", `{"sql": "DROP TABLE deliveries"}`, http.StatusBadRequest},
		{"missing sql", `{}`, http.StatusBadRequest},
		{"bad json", `{sql`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/query", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestEventsEndpoint_StreamsPublishedEvents(t *testing.T) {
	bus := events.NewBus(8)
	srv := NewServer(Config{}, &fakeSketches{}, bus, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(model.EventRemoveSketch, 4)

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "event:remove-sketch") || !strings.Contains(joined, "data:4") {
		t.Fatalf("unexpected event frame: %q", joined)
	}
}

func TestEndToEnd_IngestRetrieveRemove(t *testing.T) {
	pod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer pod.Close()

	orch := newPipeline(t, model.Endpoint{ID: 7, URL: pod.URL})
	srv := NewServer(Config{}, orch, nil, nil)
	r := srv.Handler()

	w := do(r, http.MethodPost, "/api/sketch?name=ada", bytes.NewReader(testPNG(t)))
	if w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d; body: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "buffer") {
		t.Fatalf("summary leaked buffer: %s", w.Body.String())
	}

	first := do(r, http.MethodGet, "/api/sketch/7", nil)
	if first.Code != http.StatusOK || first.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("first retrieve = %d %q", first.Code, first.Header().Get("Content-Type"))
	}
	second := do(r, http.MethodGet, "/api/sketch/7", nil)
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatal("disk copy differs from cached copy")
	}

	if w := do(r, http.MethodDelete, "/api/sketch/7", nil); w.Code != http.StatusOK {
		t.Fatalf("remove status = %d", w.Code)
	}
	censored := do(r, http.MethodGet, "/api/sketch/7", nil)
	if bytes.Equal(censored.Body.Bytes(), first.Body.Bytes()) {
		t.Fatal("sketch still served after remove")
	}
}

func TestEndToEnd_RejectsEmptyUploadAndPaddedAll(t *testing.T) {
	pod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer pod.Close()

	r := NewServer(Config{}, newPipeline(t, model.Endpoint{ID: 7, URL: pod.URL}), nil, nil).Handler()

	if w := do(r, http.MethodPost, "/api/sketch", bytes.NewReader(nil)); w.Code != http.StatusBadRequest {
		t.Fatalf("empty upload status = %d, want 400; body: %s", w.Code, w.Body.String())
	}

	if w := do(r, http.MethodPost, "/api/sketch", bytes.NewReader(testPNG(t))); w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d; body: %s", w.Code, w.Body.String())
	}
	w := do(r, http.MethodDelete, "/api/sketch/%20all", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("padded all status = %d %q, want 400", w.Code, w.Body.String())
	}
	if first := do(r, http.MethodGet, "/api/sketch/7", nil); first.Code != http.StatusOK {
		t.Fatalf("sketch missing after rejected remove: %d", first.Code)
	}
}
