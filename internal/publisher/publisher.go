// Package publisher holds the side effects that make an entity live. The
// scheduling controller calls a publisher exactly once per publish attempt;
// the publisher decides what "making it visible" means for the deployment.
//
// Two implementations ship with the server:
//
//   - Webhook: POSTs the entity to a configured URL, optionally signing the
//     body with HMAC-SHA256. Any non-200 response is an error, which feeds
//     the dispatcher's retry policy.
//   - Log: records the publication in the server log. Used when no webhook
//     URL is configured, so a bare server remains fully functional.
package publisher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nwatkins/stagehand/internal/types"
)

// signatureHeader carries the hex HMAC-SHA256 of the request body,
// prefixed with "sha256=".
const signatureHeader = "X-Stagehand-Signature"

// event is the JSON body POSTed to the webhook URL.
type event struct {
	EntityID    string          `json:"entity_id"`
	OwnerID     string          `json:"owner_id"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt int64           `json:"published_at"`
}

// ─── Webhook ──────────────────────────────────────────────────────────────────

// Webhook publishes entities by POSTing them to a fixed URL.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhook builds a webhook publisher. secret may be empty, in which case
// requests are unsigned.
func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

// Publish POSTs the entity to the webhook URL.
// Returns nil only when the endpoint responds with HTTP 200 OK.
func (w *Webhook) Publish(ctx context.Context, e *types.Entity) error {
	ev := event{
		EntityID:    e.ID,
		OwnerID:     e.OwnerID,
		Payload:     json.RawMessage(e.Payload),
		PublishedAt: types.NowMs(),
	}
	if !json.Valid(ev.Payload) {
		// Payloads are free-form strings; quote non-JSON ones so the
		// event body stays valid JSON.
		quoted, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("publisher: marshal payload: %w", err)
		}
		ev.Payload = quoted
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("publisher: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("publisher: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Sign the request body when a secret is provided.
	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set(signatureHeader, "sha256="+sig)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("publisher: POST to %s: %w", w.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publisher: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// ─── Log ──────────────────────────────────────────────────────────────────────

// Log is the fallback publisher used when no webhook URL is configured.
type Log struct {
	log *slog.Logger
}

// NewLog builds a log-only publisher.
func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log.With("component", "publisher")}
}

// Publish records the publication and succeeds unconditionally.
func (l *Log) Publish(_ context.Context, e *types.Entity) error {
	l.log.Info("entity published",
		"entity_id", e.ID,
		"owner_id", e.OwnerID,
		"payload_bytes", len(e.Payload))
	return nil
}
