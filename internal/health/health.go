// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// runs every [Checker] concurrently and answers 200 only when all pass and
// the server is not draining. voxbridge registers [TokenCheck] and
// [ProvidersCheck].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const checkTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil when healthy and
// must honour ctx cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single [Checker].
type CheckResult struct {
	OK         bool    `json:"ok"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// Handler answers the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Drain makes /readyz fail from now on so load balancers stop routing new
// connections here while the relay winds down.
func (h *Handler) Drain() { h.draining.Store(true) }

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs all checkers in parallel, each under its own timeout, and
// folds the results into a report. Status is "ok", "fail" or "draining".
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{OK: err == nil, DurationMS: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]CheckResult, len(results))}
	for i, c := range h.checkers {
		rep.Checks[c.Name] = results[i]
		if !results[i].OK {
			rep.Status = "fail"
		}
	}
	if h.draining.Load() {
		rep.Status = "draining"
	}
	return rep
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	w.Write(append(body, '\n'))
}
