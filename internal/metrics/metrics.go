// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for stagehand. It deliberately avoids the prometheus/client_golang
// package so the server binary stays small with no additional dependencies.
//
// # Counter naming convention
//
// Lifecycle counters (Created/Scheduled/Cancelled/Published/Failed) are keyed
// by owner ID. HTTP counters use a tab-separated label key so a single
// sync.Map holds all label combinations without nesting:
//
//	HTTPReqs              →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt →  key = "method\tpath"
//
// # Prometheus text output
//
// Registry.Handler() returns an http.Handler that renders all counters in
// the Prometheus exposition format (text/plain; version=0.0.4). Queue depth
// is rendered as gauges via the optional DepthFunc.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key.
func (lc *labelCounter) Value(key string) int64 { return lc.get(key).Load() }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// QueueDepth is the gauge snapshot supplied by DepthFunc.
type QueueDepth struct {
	Pending int
	Ready   int
	Active  int
	Failed  int
}

// Registry holds all stagehand application metrics.
type Registry struct {
	// Entity lifecycle counters.  key = owner ID
	Created   labelCounter
	Scheduled labelCounter
	Cancelled labelCounter
	Published labelCounter
	Failed    labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)

	// DepthFunc, when set, supplies the delay-queue depth gauges.
	DepthFunc func() QueueDepth
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── lifecycle counters ───────────────────────────────────────────────
		ownerFamily := func(name, help string, lc *labelCounter) {
			writeFamily(&b, name, help, "counter",
				func(fn func(labels, val string)) {
					lc.Each(func(key string, val int64) {
						fn(fmt.Sprintf(`owner=%q`, key), fmt.Sprintf("%d", val))
					})
				})
		}

		ownerFamily("stagehand_entities_created_total",
			"Total entities created", &r.Created)
		ownerFamily("stagehand_entities_scheduled_total",
			"Total entities scheduled for deferred publication", &r.Scheduled)
		ownerFamily("stagehand_entities_cancelled_total",
			"Total scheduled entities cancelled or deleted", &r.Cancelled)
		ownerFamily("stagehand_entities_published_total",
			"Total entities published", &r.Published)
		ownerFamily("stagehand_entities_failed_total",
			"Total entities that exhausted publish retries", &r.Failed)

		// ── queue depth gauges ───────────────────────────────────────────────
		if r.DepthFunc != nil {
			d := r.DepthFunc()
			fmt.Fprintf(&b, "# HELP stagehand_queue_depth Delay-queue depth by state\n")
			fmt.Fprintf(&b, "# TYPE stagehand_queue_depth gauge\n")
			fmt.Fprintf(&b, "stagehand_queue_depth{state=\"pending\"} %d\n", d.Pending)
			fmt.Fprintf(&b, "stagehand_queue_depth{state=\"ready\"} %d\n", d.Ready)
			fmt.Fprintf(&b, "stagehand_queue_depth{state=\"active\"} %d\n", d.Active)
			fmt.Fprintf(&b, "stagehand_queue_depth{state=\"failed\"} %d\n", d.Failed)
		}

		// ── HTTP counters ────────────────────────────────────────────────────
		writeFamily(&b, "stagehand_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "stagehand_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "stagehand_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
