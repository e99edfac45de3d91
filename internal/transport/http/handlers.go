package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nwatkins/stagehand/internal/delayqueue"
	"github.com/nwatkins/stagehand/internal/scheduling"
	"github.com/nwatkins/stagehand/internal/store"
	"github.com/nwatkins/stagehand/internal/timeutil"
	"github.com/nwatkins/stagehand/internal/types"
)

// ownerHeader identifies the calling account. Stagehand trusts the value as-is;
// authenticating it is the job of the API-key middleware or an upstream proxy.
const ownerHeader = "X-Owner-ID"

// Handler groups all HTTP request handlers around the scheduling service.
type Handler struct {
	svc    *scheduling.Service
	queue  *delayqueue.Queue
	nodeID string
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type createEntityReq struct {
	Payload string `json:"payload"`
	// DueAt is optional: absent/null = draft. Accepts an ISO-8601 string or
	// unix milliseconds.
	DueAt any `json:"due_at"`
}

type updateEntityReq struct {
	Payload    *string `json:"payload"`
	DueAt      any     `json:"due_at"`
	ClearDueAt bool    `json:"clear_due_at"`
}

type entityResp struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Payload     string `json:"payload"`
	Status      string `json:"status"`
	DueAt       string `json:"due_at,omitempty"`       // ISO-8601 UTC
	PublishedAt string `json:"published_at,omitempty"` // ISO-8601 UTC
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	Version     int64  `json:"version"`
}

type entityListResp struct {
	Entities []entityResp `json:"entities"`
}

type failedJob struct {
	EntityID  string `json:"entity_id"`
	OwnerID   string `json:"owner_id"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

type failedJobsResp struct {
	Jobs []failedJob `json:"jobs"`
}

type statsResp struct {
	Pending int `json:"pending"`
	Ready   int `json:"ready"`
	Active  int `json:"active"`
	Failed  int `json:"failed"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

func mapEntity(e *types.Entity) entityResp {
	out := entityResp{
		ID:        e.ID,
		OwnerID:   e.OwnerID,
		Payload:   e.Payload,
		Status:    string(e.Status),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Version:   e.Version,
	}
	if e.DueAt > 0 {
		out.DueAt = timeutil.FormatMs(e.DueAt)
	}
	if e.PublishedAt > 0 {
		out.PublishedAt = timeutil.FormatMs(e.PublishedAt)
	}
	return out
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
	})
}

// ─── Entities ─────────────────────────────────────────────────────────────────

func (h *Handler) createEntity(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req createEntityReq
	if !decodeJSON(w, r, &req) {
		return
	}

	e, err := h.svc.CreateEntity(r.Context(), owner, req.Payload, req.DueAt)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapEntity(e))
}

func (h *Handler) getEntity(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	e, err := h.svc.GetEntity(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapEntity(e))
}

func (h *Handler) listEntities(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	f := store.Filter{Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			f.Limit = parsed
		}
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := types.EntityStatus(v)
		if !st.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status filter"})
			return
		}
		f.Status = st
	}

	out, err := h.svc.ListEntities(r.Context(), owner, f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]entityResp, 0, len(out))
	for _, e := range out {
		items = append(items, mapEntity(e))
	}
	writeJSON(w, http.StatusOK, entityListResp{Entities: items})
}

func (h *Handler) updateEntity(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req updateEntityReq
	if !decodeJSON(w, r, &req) {
		return
	}

	e, err := h.svc.UpdateEntity(r.Context(), r.PathValue("id"), owner, scheduling.UpdateRequest{
		Payload:    req.Payload,
		DueAt:      req.DueAt,
		ClearDueAt: req.ClearDueAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapEntity(e))
}

func (h *Handler) deleteEntity(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	if err := h.svc.DeleteEntity(r.Context(), r.PathValue("id"), owner); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// publishEntity is the publish-now path. It bypasses the queue entirely; any
// pending job for the entity becomes a harmless no-op once the status flips.
func (h *Handler) publishEntity(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	// Ownership check first so a publish against someone else's entity is a 404.
	if _, err := h.svc.GetEntity(r.Context(), id, owner); err != nil {
		writeServiceError(w, err)
		return
	}

	if err := h.svc.Publish(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	e, err := h.svc.GetEntity(r.Context(), id, owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapEntity(e))
}

// ─── Jobs / Stats ─────────────────────────────────────────────────────────────

func (h *Handler) failedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.FailedJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	items := make([]failedJob, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, failedJob{
			EntityID:  j.EntityID,
			OwnerID:   j.OwnerID,
			Attempts:  j.Attempt,
			LastError: j.LastError,
			UpdatedAt: j.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, failedJobsResp{Jobs: items})
}

func (h *Handler) statsAPI(w http.ResponseWriter, r *http.Request) {
	st := h.queue.Stats()
	writeJSON(w, http.StatusOK, statsResp{
		Pending: st.Pending,
		Ready:   st.Ready,
		Active:  st.Active,
		Failed:  st.Failed,
	})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// requireOwner extracts the caller's owner ID, writing a 400 when absent.
func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ownerHeader + " header is required"})
		return "", false
	}
	return owner, true
}

// writeServiceError maps the service error taxonomy onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrBadInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, types.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, types.ErrSchedulingFailed):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, types.ErrPublishFailed):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
