// Package websocket provides a live stats feed for stagehand.
//
// Clients open a WebSocket connection to:
//
//	GET /ws/stats
//
// The server pushes a stats frame every second:
//
//	{"type":"stats","pending":N,"ready":N,"active":N,"failed":N,"at":<unix ms>}
//
// The feed is read-only; any frame sent by the client is ignored except for
// its effect of keeping the connection alive.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/nwatkins/stagehand/internal/delayqueue"
	"github.com/nwatkins/stagehand/internal/types"
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic).  Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the stats WebSocket endpoint.
type Handler struct {
	Queue *delayqueue.Queue

	// Interval between stats frames. 0 = 1s.
	Interval time.Duration
}

// statsFrame is the JSON structure the server pushes to the client.
type statsFrame struct {
	Type    string `json:"type"` // "stats"
	Pending int    `json:"pending"`
	Ready   int    `json:"ready"`
	Active  int    `json:"active"`
	Failed  int    `json:"failed"`
	At      int64  `json:"at"` // unix ms
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Drain inbound frames so control messages are processed and a closed
	// peer is noticed promptly.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return // client disconnected
		case <-ticker.C:
			st := h.Queue.Stats()
			frame := statsFrame{
				Type:    "stats",
				Pending: st.Pending,
				Ready:   st.Ready,
				Active:  st.Active,
				Failed:  st.Failed,
				At:      types.NowMs(),
			}
			data, _ := json.Marshal(frame)
			if writeErr := conn.WriteMessage(gorillaws.TextMessage, data); writeErr != nil {
				return
			}
		}
	}
}
