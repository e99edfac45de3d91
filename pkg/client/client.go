// Package client is the official Go SDK for stagehand.
//
// # Quick start
//
//	c := client.New("http://localhost:8080", "acct-42")
//
//	// Create a draft
//	e, err := c.CreateDraft(ctx, `{"title":"hello"}`)
//
//	// Create and schedule in one call
//	e, err := c.CreateScheduled(ctx, `{"title":"hello"}`, time.Now().Add(time.Hour))
//
//	// Publish immediately
//	e, err := c.PublishNow(ctx, e.ID)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use IsNotFound / IsConflict, or errors.As for the full detail.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the stagehand server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stagehand: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 (entity already published)
// from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Client options ───────────────────────────────────────────────────────────

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the stagehand API client. It is safe for concurrent use.
// ownerID identifies the account all calls act on behalf of.
type Client struct {
	baseURL string
	ownerID string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the stagehand server at baseURL.
//
//	c := client.New("http://localhost:8080", "acct-42")
//	c := client.New("https://stagehand.example.com", "acct-42", client.WithAPIKey("secret"))
func New(baseURL, ownerID string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		ownerID: ownerID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Entity is a schedulable record as returned by the server.
type Entity struct {
	ID      string
	OwnerID string
	Payload string

	// Status is one of "draft", "scheduled", "published", "failed".
	Status string

	// DueAt is non-zero only while Status is "scheduled".
	DueAt time.Time

	// PublishedAt is non-zero only once Status is "published".
	PublishedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// FailedJob describes a publish job that exhausted its retries.
type FailedJob struct {
	EntityID  string
	OwnerID   string
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Stats is the delay-queue depth snapshot returned by Stats.
type Stats struct {
	Pending int
	Ready   int
	Active  int
	Failed  int
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status  string
	NodeID  string
	Uptime  time.Duration
	Version string
}

// UpdateRequest carries the changes for Update. Nil fields are left untouched.
type UpdateRequest struct {
	// Payload replaces the entity's content when non-nil.
	Payload *string

	// DueAt schedules (or reschedules) publication when non-nil.
	DueAt *time.Time

	// ClearDueAt reverts a scheduled entity to draft.
	// Mutually exclusive with DueAt.
	ClearDueAt bool
}

// ─── Entity operations ────────────────────────────────────────────────────────

// CreateDraft creates an unscheduled entity.
func (c *Client) CreateDraft(ctx context.Context, payload string) (*Entity, error) {
	return c.create(ctx, map[string]any{"payload": payload})
}

// CreateScheduled creates an entity and schedules its publication at dueAt.
// dueAt must be strictly in the future.
func (c *Client) CreateScheduled(ctx context.Context, payload string, dueAt time.Time) (*Entity, error) {
	return c.create(ctx, map[string]any{
		"payload": payload,
		"due_at":  dueAt.UTC().Format(time.RFC3339Nano),
	})
}

func (c *Client) create(ctx context.Context, body map[string]any) (*Entity, error) {
	var resp wireEntity
	if err := c.do(ctx, http.MethodPost, "/entities", body, &resp); err != nil {
		return nil, err
	}
	return resp.toEntity(), nil
}

// Get retrieves a single entity by ID.
func (c *Client) Get(ctx context.Context, id string) (*Entity, error) {
	var resp wireEntity
	if err := c.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toEntity(), nil
}

// List returns the caller's entities, newest first. status filters by
// lifecycle status when non-empty; limit caps the result size (0 = server
// default of 50, max 200).
func (c *Client) List(ctx context.Context, status string, limit int) ([]*Entity, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/entities"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Entities []wireEntity `json:"entities"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*Entity, len(resp.Entities))
	for i := range resp.Entities {
		out[i] = resp.Entities[i].toEntity()
	}
	return out, nil
}

// Update applies req to the entity. Returns IsConflict-matching error when the
// entity is already published.
func (c *Client) Update(ctx context.Context, id string, req UpdateRequest) (*Entity, error) {
	body := map[string]any{}
	if req.Payload != nil {
		body["payload"] = *req.Payload
	}
	if req.DueAt != nil {
		body["due_at"] = req.DueAt.UTC().Format(time.RFC3339Nano)
	}
	if req.ClearDueAt {
		body["clear_due_at"] = true
	}

	var resp wireEntity
	if err := c.do(ctx, http.MethodPatch, "/entities/"+url.PathEscape(id), body, &resp); err != nil {
		return nil, err
	}
	return resp.toEntity(), nil
}

// Delete removes the entity, cancelling any pending publication.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/entities/"+url.PathEscape(id), nil, nil)
}

// PublishNow publishes the entity immediately, bypassing any schedule.
// Publishing an already-published entity is a no-op success.
func (c *Client) PublishNow(ctx context.Context, id string) (*Entity, error) {
	var resp wireEntity
	path := "/entities/" + url.PathEscape(id) + "/publish"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toEntity(), nil
}

// ─── Observability ────────────────────────────────────────────────────────────

// FailedJobs lists publish jobs that exhausted their retries.
func (c *Client) FailedJobs(ctx context.Context) ([]*FailedJob, error) {
	var resp struct {
		Jobs []struct {
			EntityID  string `json:"entity_id"`
			OwnerID   string `json:"owner_id"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
			UpdatedAt int64  `json:"updated_at"`
		} `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs/failed", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*FailedJob, len(resp.Jobs))
	for i, j := range resp.Jobs {
		out[i] = &FailedJob{
			EntityID:  j.EntityID,
			OwnerID:   j.OwnerID,
			Attempts:  j.Attempts,
			LastError: j.LastError,
			UpdatedAt: time.UnixMilli(j.UpdatedAt).UTC(),
		}
	}
	return out, nil
}

// Stats returns the server's delay-queue depth snapshot.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var resp Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's /health endpoint and returns the node's status.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		NodeID:  resp.NodeID,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("stagehand: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("stagehand: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ownerID != "" {
		req.Header.Set("X-Owner-ID", c.ownerID)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stagehand: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	// Success without body
	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("stagehand: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("stagehand: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type wireEntity struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Payload     string `json:"payload"`
	Status      string `json:"status"`
	DueAt       string `json:"due_at"`
	PublishedAt string `json:"published_at"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	Version     int64  `json:"version"`
}

func (w *wireEntity) toEntity() *Entity {
	e := &Entity{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		Payload:   w.Payload,
		Status:    w.Status,
		CreatedAt: time.UnixMilli(w.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(w.UpdatedAt).UTC(),
		Version:   w.Version,
	}
	if w.DueAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.DueAt); err == nil {
			e.DueAt = t.UTC()
		}
	}
	if w.PublishedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.PublishedAt); err == nil {
			e.PublishedAt = t.UTC()
		}
	}
	return e
}
