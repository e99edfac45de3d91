package publisher_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nwatkins/stagehand/internal/publisher"
	"github.com/nwatkins/stagehand/internal/types"
)

func makeEntity(payload string) *types.Entity {
	return &types.Entity{
		ID:      "e1",
		OwnerID: "alice",
		Payload: payload,
		Status:  types.StatusPublished,
	}
}

func TestWebhook_DeliversEvent(t *testing.T) {
	var gotBody []byte
	var gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := publisher.NewWebhook(srv.URL, "", time.Second)
	if err := w.Publish(context.Background(), makeEntity(`{"title":"hi"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if gotCT != "application/json" {
		t.Errorf("content type: %q", gotCT)
	}
	var ev struct {
		EntityID    string          `json:"entity_id"`
		OwnerID     string          `json:"owner_id"`
		Payload     json.RawMessage `json:"payload"`
		PublishedAt int64           `json:"published_at"`
	}
	if err := json.Unmarshal(gotBody, &ev); err != nil {
		t.Fatalf("event body not JSON: %v\n%s", err, gotBody)
	}
	if ev.EntityID != "e1" || ev.OwnerID != "alice" {
		t.Errorf("event: %+v", ev)
	}
	if string(ev.Payload) != `{"title":"hi"}` {
		t.Errorf("payload passed through verbatim: %s", ev.Payload)
	}
	if ev.PublishedAt <= 0 {
		t.Errorf("published_at not stamped: %d", ev.PublishedAt)
	}
}

func TestWebhook_QuotesNonJSONPayload(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := publisher.NewWebhook(srv.URL, "", time.Second)
	if err := w.Publish(context.Background(), makeEntity("plain text, not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var ev struct {
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(gotBody, &ev); err != nil {
		t.Fatalf("event body must remain valid JSON: %v\n%s", err, gotBody)
	}
	if ev.Payload != "plain text, not json" {
		t.Errorf("payload: %q", ev.Payload)
	}
}

func TestWebhook_SignsWithSecret(t *testing.T) {
	const secret = "s3cret"
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Stagehand-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := publisher.NewWebhook(srv.URL, secret, time.Second)
	if err := w.Publish(context.Background(), makeEntity(`{"x":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature:\nwant %s\ngot  %s", want, gotSig)
	}
}

func TestWebhook_UnsignedWithoutSecret(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Stagehand-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := publisher.NewWebhook(srv.URL, "", time.Second)
	if err := w.Publish(context.Background(), makeEntity(`{}`)); err != nil {
		t.Fatal(err)
	}
	if gotSig != "" {
		t.Errorf("request must be unsigned without a secret, got %q", gotSig)
	}
}

func TestWebhook_NonOKIsError(t *testing.T) {
	for _, code := range []int{http.StatusAccepted, http.StatusInternalServerError, http.StatusNotFound} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		w := publisher.NewWebhook(srv.URL, "", time.Second)
		if err := w.Publish(context.Background(), makeEntity(`{}`)); err == nil {
			t.Errorf("status %d must be an error", code)
		}
		srv.Close()
	}
}

func TestWebhook_UnreachableEndpoint(t *testing.T) {
	w := publisher.NewWebhook("http://127.0.0.1:1", "", 200*time.Millisecond)
	if err := w.Publish(context.Background(), makeEntity(`{}`)); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestLog_AlwaysSucceeds(t *testing.T) {
	l := publisher.NewLog(nil)
	if err := l.Publish(context.Background(), makeEntity("anything")); err != nil {
		t.Fatalf("log publisher must not fail: %v", err)
	}
}
