// Package ratelimit implements the fixed-window request gate. The step is
// pure: callers run it inside an atomic read-modify-write of the subject's
// counters.
package ratelimit

import (
	"time"

	"github.com/pario-ai/tollgate/pkg/models"
)

// Result is the outcome of one rate gate step.
type Result struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Limit is the ceiling of requests per window.
type Limit struct {
	Window      time.Duration
	MaxRequests int
}

// Step applies one request at now to w. It reports whether w changed and
// must be persisted; a denial leaves w untouched.
//
// A window starts at the first request and lasts exactly Window. It is not
// sliding: once it has elapsed the next request opens a fresh window with a
// count of one.
func Step(w *models.RateWindow, lim Limit, now time.Time) (Result, bool) {
	if w.WindowStart.IsZero() || now.Sub(w.WindowStart) > lim.Window {
		w.WindowStart = now
		w.Count = 1
		return Result{Allowed: true, Remaining: lim.MaxRequests - 1, ResetIn: lim.Window}, true
	}

	elapsed := now.Sub(w.WindowStart)
	if elapsed < 0 {
		elapsed = 0
	}
	resetIn := lim.Window - elapsed

	if w.Count >= lim.MaxRequests {
		return Result{Allowed: false, Remaining: 0, ResetIn: resetIn}, false
	}

	w.Count++
	return Result{Allowed: true, Remaining: lim.MaxRequests - w.Count, ResetIn: resetIn}, true
}
