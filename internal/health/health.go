// Package health serves the liveness and readiness endpoints for the
// echograph server.
//
//   - /healthz — liveness; a process that can answer HTTP is alive.
//   - /readyz  — readiness; 200 only while every registered dependency
//     check (session cache, graph warehouse, ...) passes.
//
// Both respond with a JSON report carrying the service name, an overall
// "status" of "ok" or "fail", and a per-check breakdown on /readyz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// serviceName tags every report so aggregated probe logs stay attributable.
const serviceName = "echograph"

// probeTimeout bounds a single dependency check. Slower than this and the
// dependency is treated as down.
const probeTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil while the dependency
// is usable and must respect context cancellation.
type Checker struct {
	// Name keys the check in the JSON report (e.g. "cache", "warehouse").
	Name string

	Check func(ctx context.Context) error
}

// report is the response body for both endpoints.
type report struct {
	Service string            `json:"service"`
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Handler serves the health routes. The checker list is fixed at
// construction, so it is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating the given checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Service: serviceName, Status: "ok"})
}

// Readyz runs every checker and answers 200 only when all of them pass.
// A failing cache or warehouse turns the whole report to "fail" with a 503,
// which takes the instance out of rotation without killing live sessions.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{
		Service: serviceName,
		Status:  "ok",
		Checks:  make(map[string]string, len(h.checkers)),
	}

	status := http.StatusOK
	for _, c := range h.checkers {
		if err := h.runCheck(r.Context(), c); err != nil {
			rep.Checks[c.Name] = "fail: " + err.Error()
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			rep.Checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, rep)
}

// runCheck executes one checker under the probe deadline.
func (h *Handler) runCheck(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return c.Check(ctx)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
