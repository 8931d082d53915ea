package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ReadyzCheck is one dependency probed by /readyz.
type ReadyzCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readyzResponse struct {
	Status string   `json:"status"`
	Failed []string `json:"failed,omitempty"`
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// Readyz runs every check within timeout and reports which dependencies are
// down. Any failure answers 503.
func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var failed []string
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				slog.Warn("readiness check failed", "check", c.Name, "err", err)
				failed = append(failed, c.Name)
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, readyzResponse{Status: "not_ready", Failed: failed})
			return
		}
		writeJSON(w, http.StatusOK, readyzResponse{Status: "ready"})
	}
}
