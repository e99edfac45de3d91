package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nwatkins/stagehand/internal/config"
	"github.com/nwatkins/stagehand/internal/delayqueue"
	"github.com/nwatkins/stagehand/internal/jobstore"
	"github.com/nwatkins/stagehand/internal/metrics"
	"github.com/nwatkins/stagehand/internal/scheduling"
	"github.com/nwatkins/stagehand/internal/store/bolt"
	transphttp "github.com/nwatkins/stagehand/internal/transport/http"
)

// ─── fixture ─────────────────────────────────────────────────────────────────

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) http.Handler {
	t.Helper()
	dir := t.TempDir()

	entities, err := bolt.Open(filepath.Join(dir, "entities.db"))
	if err != nil {
		t.Fatal(err)
	}
	js, err := jobstore.Open(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	q, err := delayqueue.New(js, delayqueue.DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = q.Close()
		_ = entities.Close(context.Background())
	})

	svc := scheduling.New(entities, q, nil, scheduling.DefaultConfig())

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	reg := &metrics.Registry{}
	reg.DepthFunc = func() metrics.QueueDepth {
		st := q.Stats()
		return metrics.QueueDepth{Pending: st.Pending, Ready: st.Ready, Active: st.Active, Failed: st.Failed}
	}
	return transphttp.New(svc, q, cfg, "node-test", reg).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
	}
	return out
}

type entityBody struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Payload     string `json:"payload"`
	Status      string `json:"status"`
	DueAt       string `json:"due_at"`
	PublishedAt string `json:"published_at"`
	Version     int64  `json:"version"`
}

func createDraft(t *testing.T, h http.Handler, owner, payload string) entityBody {
	t.Helper()
	rec := doJSON(t, h, "POST", "/entities", owner, map[string]any{"payload": payload})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d: %s", rec.Code, rec.Body.String())
	}
	return decode[entityBody](t, rec)
}

// ─── health / stats ──────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	h := newTestServer(t, nil)
	rec := doJSON(t, h, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	out := decode[map[string]any](t, rec)
	if out["status"] != "ok" || out["node_id"] != "node-test" {
		t.Errorf("health body: %v", out)
	}
}

func TestStatsAPI(t *testing.T) {
	h := newTestServer(t, nil)

	due := time.Now().Add(time.Hour).UnixMilli()
	rec := doJSON(t, h, "POST", "/entities", "alice", map[string]any{"payload": "p", "due_at": due})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, "GET", "/api/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d", rec.Code)
	}
	out := decode[map[string]int](t, rec)
	if out["pending"] != 1 {
		t.Errorf("pending: want 1, got %v", out)
	}
}

// ─── entity lifecycle over HTTP ──────────────────────────────────────────────

func TestCreateEntity_DraftAndScheduled(t *testing.T) {
	h := newTestServer(t, nil)

	draft := createDraft(t, h, "alice", `{"title":"x"}`)
	if draft.Status != "draft" || draft.DueAt != "" {
		t.Errorf("draft: %+v", draft)
	}

	due := time.Now().Add(time.Hour).UnixMilli()
	rec := doJSON(t, h, "POST", "/entities", "alice", map[string]any{"payload": "p", "due_at": due})
	if rec.Code != http.StatusCreated {
		t.Fatalf("scheduled create: %d: %s", rec.Code, rec.Body.String())
	}
	sched := decode[entityBody](t, rec)
	if sched.Status != "scheduled" || sched.DueAt == "" {
		t.Errorf("scheduled: %+v", sched)
	}
	// ISO-8601 with millisecond precision.
	if _, err := time.Parse("2006-01-02T15:04:05.000Z", sched.DueAt); err != nil {
		t.Errorf("due_at format: %q (%v)", sched.DueAt, err)
	}
}

func TestCreateEntity_Errors(t *testing.T) {
	h := newTestServer(t, nil)

	// Missing owner header.
	rec := doJSON(t, h, "POST", "/entities", "", map[string]any{"payload": "p"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing owner: %d", rec.Code)
	}

	// Past due date.
	rec = doJSON(t, h, "POST", "/entities", "alice", map[string]any{
		"payload": "p", "due_at": time.Now().Add(-time.Hour).UnixMilli(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("past due: %d: %s", rec.Code, rec.Body.String())
	}

	// Unknown JSON field.
	rec = doJSON(t, h, "POST", "/entities", "alice", map[string]any{"payload": "p", "bogus": 1})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: %d", rec.Code)
	}
}

func TestGetEntity(t *testing.T) {
	h := newTestServer(t, nil)
	e := createDraft(t, h, "alice", "p")

	rec := doJSON(t, h, "GET", "/entities/"+e.ID, "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	got := decode[entityBody](t, rec)
	if got.ID != e.ID || got.OwnerID != "alice" {
		t.Errorf("body: %+v", got)
	}

	// Foreign owner and missing id both read as 404.
	if rec := doJSON(t, h, "GET", "/entities/"+e.ID, "bob", nil); rec.Code != http.StatusNotFound {
		t.Errorf("cross-owner get: %d", rec.Code)
	}
	if rec := doJSON(t, h, "GET", "/entities/nope", "alice", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing get: %d", rec.Code)
	}
}

func TestListEntities(t *testing.T) {
	h := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		createDraft(t, h, "alice", fmt.Sprintf("p%d", i))
	}
	createDraft(t, h, "bob", "other")

	rec := doJSON(t, h, "GET", "/entities", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	out := decode[struct {
		Entities []entityBody `json:"entities"`
	}](t, rec)
	if len(out.Entities) != 3 {
		t.Errorf("want 3 entities, got %d", len(out.Entities))
	}
	for _, e := range out.Entities {
		if e.OwnerID != "alice" {
			t.Errorf("cross-owner leak: %+v", e)
		}
	}

	if rec := doJSON(t, h, "GET", "/entities?limit=2", "alice", nil); rec.Code == http.StatusOK {
		out := decode[struct {
			Entities []entityBody `json:"entities"`
		}](t, rec)
		if len(out.Entities) != 2 {
			t.Errorf("limit: want 2, got %d", len(out.Entities))
		}
	}

	if rec := doJSON(t, h, "GET", "/entities?status=bogus", "alice", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status filter: %d", rec.Code)
	}
}

func TestUpdateEntity(t *testing.T) {
	h := newTestServer(t, nil)
	e := createDraft(t, h, "alice", "old")

	rec := doJSON(t, h, "PATCH", "/entities/"+e.ID, "alice", map[string]any{"payload": "new"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[entityBody](t, rec)
	if got.Payload != "new" || got.Version != e.Version+1 {
		t.Errorf("update result: %+v", got)
	}

	// Scheduling via PATCH.
	due := time.Now().Add(time.Hour).UnixMilli()
	rec = doJSON(t, h, "PATCH", "/entities/"+e.ID, "alice", map[string]any{"due_at": due})
	if rec.Code != http.StatusOK {
		t.Fatalf("schedule: %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[entityBody](t, rec); got.Status != "scheduled" {
		t.Errorf("status: %+v", got)
	}

	// Clearing the schedule.
	rec = doJSON(t, h, "PATCH", "/entities/"+e.ID, "alice", map[string]any{"clear_due_at": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: %d", rec.Code)
	}
	if got := decode[entityBody](t, rec); got.Status != "draft" || got.DueAt != "" {
		t.Errorf("clear result: %+v", got)
	}

	if rec := doJSON(t, h, "PATCH", "/entities/"+e.ID, "bob", map[string]any{"payload": "x"}); rec.Code != http.StatusNotFound {
		t.Errorf("cross-owner update: %d", rec.Code)
	}
}

func TestDeleteEntity(t *testing.T) {
	h := newTestServer(t, nil)
	e := createDraft(t, h, "alice", "p")

	if rec := doJSON(t, h, "DELETE", "/entities/"+e.ID, "bob", nil); rec.Code != http.StatusNotFound {
		t.Errorf("cross-owner delete: %d", rec.Code)
	}

	rec := doJSON(t, h, "DELETE", "/entities/"+e.ID, "alice", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := doJSON(t, h, "GET", "/entities/"+e.ID, "alice", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d", rec.Code)
	}
}

func TestPublishEntity(t *testing.T) {
	h := newTestServer(t, nil)
	e := createDraft(t, h, "alice", "p")

	// Cross-owner publish is indistinguishable from absent.
	if rec := doJSON(t, h, "POST", "/entities/"+e.ID+"/publish", "bob", nil); rec.Code != http.StatusNotFound {
		t.Errorf("cross-owner publish: %d", rec.Code)
	}

	rec := doJSON(t, h, "POST", "/entities/"+e.ID+"/publish", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish: %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[entityBody](t, rec)
	if got.Status != "published" || got.PublishedAt == "" {
		t.Errorf("publish result: %+v", got)
	}

	// Published entities reject edits with 409.
	rec = doJSON(t, h, "PATCH", "/entities/"+e.ID, "alice", map[string]any{"payload": "x"})
	if rec.Code != http.StatusConflict {
		t.Errorf("edit after publish: %d", rec.Code)
	}

	// Re-publish is a 200 no-op.
	if rec := doJSON(t, h, "POST", "/entities/"+e.ID+"/publish", "alice", nil); rec.Code != http.StatusOK {
		t.Errorf("second publish: %d", rec.Code)
	}
}

func TestFailedJobsEndpoint(t *testing.T) {
	h := newTestServer(t, nil)
	rec := doJSON(t, h, "GET", "/jobs/failed", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("failed jobs: %d", rec.Code)
	}
	out := decode[struct {
		Jobs []any `json:"jobs"`
	}](t, rec)
	if len(out.Jobs) != 0 {
		t.Errorf("fresh server has no failed jobs: %v", out.Jobs)
	}
}

// ─── middleware ──────────────────────────────────────────────────────────────

func TestAuthMiddleware(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "topsecret"
	})

	// No key → 401.
	if rec := doJSON(t, h, "GET", "/entities", "alice", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: %d", rec.Code)
	}

	// Wrong key → 401.
	req := httptest.NewRequest("GET", "/entities", nil)
	req.Header.Set("X-Owner-ID", "alice")
	req.Header.Set("X-Api-Key", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: %d", rec.Code)
	}

	// Correct key passes through.
	req = httptest.NewRequest("GET", "/entities", nil)
	req.Header.Set("X-Owner-ID", "alice")
	req.Header.Set("X-Api-Key", "topsecret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid key: %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.MaxRate = 1
		cfg.Limits.Burst = 2
	})

	var last int
	for i := 0; i < 5; i++ {
		last = doJSON(t, h, "GET", "/health", "alice", nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("burst exhausted: want 429, got %d", last)
	}

	// A different owner has its own bucket.
	if rec := doJSON(t, h, "GET", "/health", "bob", nil); rec.Code != http.StatusOK {
		t.Errorf("separate bucket: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, nil)
	createDraft(t, h, "alice", "p")

	rec := doJSON(t, h, "GET", "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	body := rec.Body.String()
	if !bytes.Contains([]byte(body), []byte("stagehand_queue_depth")) {
		t.Errorf("metrics output missing queue depth gauges:\n%s", body)
	}
}
