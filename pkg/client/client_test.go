package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nwatkins/stagehand/pkg/client"
)

// capture is the last request the fake server saw.
type capture struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

// fakeServer answers every request with status and respBody, recording the
// request for assertions.
func fakeServer(t *testing.T, status int, respBody string) (*httptest.Server, *capture) {
	t.Helper()
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cap.method = r.Method
		cap.path = r.URL.Path
		cap.query = r.URL.RawQuery
		cap.header = r.Header.Clone()
		cap.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, cap
}

const entityJSON = `{
	"id": "e1",
	"owner_id": "acct-42",
	"payload": "{\"title\":\"x\"}",
	"status": "scheduled",
	"due_at": "2026-09-01T12:00:00.000Z",
	"created_at": 1756000000000,
	"updated_at": 1756000000000,
	"version": 1
}`

func TestCreateDraft(t *testing.T) {
	srv, cap := fakeServer(t, http.StatusCreated, entityJSON)
	c := client.New(srv.URL, "acct-42")

	e, err := c.CreateDraft(context.Background(), `{"title":"x"}`)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if cap.method != "POST" || cap.path != "/entities" {
		t.Errorf("request: %s %s", cap.method, cap.path)
	}
	if got := cap.header.Get("X-Owner-ID"); got != "acct-42" {
		t.Errorf("owner header: %q", got)
	}
	var sent map[string]any
	if err := json.Unmarshal(cap.body, &sent); err != nil {
		t.Fatal(err)
	}
	if _, hasDue := sent["due_at"]; hasDue {
		t.Error("draft create must not send due_at")
	}
	if e.ID != "e1" || e.Status != "scheduled" {
		t.Errorf("entity: %+v", e)
	}
}

func TestCreateScheduled_SendsDueDate(t *testing.T) {
	srv, cap := fakeServer(t, http.StatusCreated, entityJSON)
	c := client.New(srv.URL, "acct-42")

	due := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	if _, err := c.CreateScheduled(context.Background(), "p", due); err != nil {
		t.Fatal(err)
	}

	var sent map[string]any
	if err := json.Unmarshal(cap.body, &sent); err != nil {
		t.Fatal(err)
	}
	raw, _ := sent["due_at"].(string)
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t.Fatalf("due_at not RFC3339: %q", raw)
	}
	if !parsed.Equal(due) {
		t.Errorf("due_at: want %v, got %v", due, parsed)
	}
}

func TestGet_DecodesTimestamps(t *testing.T) {
	srv, cap := fakeServer(t, http.StatusOK, entityJSON)
	c := client.New(srv.URL, "acct-42")

	e, err := c.Get(context.Background(), "e1")
	if err != nil {
		t.Fatal(err)
	}
	if cap.path != "/entities/e1" {
		t.Errorf("path: %s", cap.path)
	}

	wantDue := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	if !e.DueAt.Equal(wantDue) {
		t.Errorf("due: want %v, got %v", wantDue, e.DueAt)
	}
	if e.CreatedAt.IsZero() || e.PublishedAt != (time.Time{}) {
		t.Errorf("timestamps: created=%v published=%v", e.CreatedAt, e.PublishedAt)
	}
}

func TestList_BuildsQuery(t *testing.T) {
	srv, cap := fakeServer(t, http.StatusOK, `{"entities":[`+entityJSON+`]}`)
	c := client.New(srv.URL, "acct-42")

	out, err := c.List(context.Background(), "scheduled", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "e1" {
		t.Errorf("list: %+v", out)
	}
	if cap.query != "limit=10&status=scheduled" {
		t.Errorf("query: %q", cap.query)
	}
}

func TestUpdate_SendsOnlySetFields(t *testing.T) {
	srv, cap := fakeServer(t, http.StatusOK, entityJSON)
	c := client.New(srv.URL, "acct-42")

	p := "new"
	if _, err := c.Update(context.Background(), "e1", client.UpdateRequest{Payload: &p}); err != nil {
		t.Fatal(err)
	}
	if cap.method != "PATCH" {
		t.Errorf("method: %s", cap.method)
	}
	var sent map[string]any
	if err := json.Unmarshal(cap.body, &sent); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 || sent["payload"] != "new" {
		t.Errorf("body must carry only the payload field: %v", sent)
	}
}

func TestDelete_AcceptsNoContent(t *testing.T) {
	srv, cap := fakeServer(t, http.StatusNoContent, "")
	c := client.New(srv.URL, "acct-42")

	if err := c.Delete(context.Background(), "e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if cap.method != "DELETE" || cap.path != "/entities/e1" {
		t.Errorf("request: %s %s", cap.method, cap.path)
	}
}

func TestPublishNow(t *testing.T) {
	srv, cap := fakeServer(t, http.StatusOK, entityJSON)
	c := client.New(srv.URL, "acct-42")

	if _, err := c.PublishNow(context.Background(), "e1"); err != nil {
		t.Fatal(err)
	}
	if cap.method != "POST" || cap.path != "/entities/e1/publish" {
		t.Errorf("request: %s %s", cap.method, cap.path)
	}
}

func TestAPIError_Mapping(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusNotFound, `{"error":"entity not found"}`)
	c := client.New(srv.URL, "acct-42")

	_, err := c.Get(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	var ae *client.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("not an APIError: %v", err)
	}
	if ae.StatusCode != http.StatusNotFound || ae.Message != "entity not found" {
		t.Errorf("error: %+v", ae)
	}
	if !client.IsNotFound(err) {
		t.Error("IsNotFound must match")
	}
	if client.IsConflict(err) {
		t.Error("IsConflict must not match a 404")
	}
}

func TestIsConflict(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusConflict, `{"error":"entity already published"}`)
	c := client.New(srv.URL, "acct-42")

	p := "x"
	_, err := c.Update(context.Background(), "e1", client.UpdateRequest{Payload: &p})
	if !client.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAPIError_FallbackMessage(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusBadGateway, "not json at all")
	c := client.New(srv.URL, "acct-42")

	_, err := c.Get(context.Background(), "e1")
	var ae *client.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("not an APIError: %v", err)
	}
	if ae.Message != http.StatusText(http.StatusBadGateway) {
		t.Errorf("fallback message: %q", ae.Message)
	}
}

func TestWithAPIKey(t *testing.T) {
	srv, cap := fakeServer(t, http.StatusOK, `{"status":"ok","node_id":"n1","uptime_ms":1234,"version":"1.0.0"}`)
	c := client.New(srv.URL, "acct-42", client.WithAPIKey("secret"))

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := cap.header.Get("X-Api-Key"); got != "secret" {
		t.Errorf("api key header: %q", got)
	}
	if h.NodeID != "n1" || h.Uptime != 1234*time.Millisecond {
		t.Errorf("health: %+v", h)
	}
}

func TestStatsAndFailedJobs(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusOK, `{"pending":3,"ready":1,"active":0,"failed":2}`)
	c := client.New(srv.URL, "acct-42")

	st, err := c.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 3 || st.Failed != 2 {
		t.Errorf("stats: %+v", st)
	}

	srv2, _ := fakeServer(t, http.StatusOK,
		`{"jobs":[{"entity_id":"e1","owner_id":"o1","attempts":3,"last_error":"endpoint returned 500","updated_at":1756000000000}]}`)
	c2 := client.New(srv2.URL, "acct-42")
	jobs, err := c2.FailedJobs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Attempts != 3 || jobs[0].LastError == "" {
		t.Errorf("jobs: %+v", jobs)
	}
}
