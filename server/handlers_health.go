package server

import (
	"context"
	"errors"
	"net/http"
)

// HandleHealthz is the liveness probe: the process answers and, when a
// database is attached, it responds to ping.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once storage answers and a chat token is available.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"database", func(ctx context.Context) error {
			if h.DB == nil {
				return nil
			}
			return h.DB.PingContext(ctx)
		}},
		{"credentials", func(ctx context.Context) error {
			if h.Credentials == nil {
				return errors.New("credential store not configured")
			}
			if _, ok := h.Credentials.GetValidToken(ctx); !ok {
				return errors.New("no valid oauth token")
			}
			return nil
		}},
	}
	for _, c := range checks {
		if err := c.fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_channels": len(h.Supervisor.ActiveChannels()),
		"sse_clients":     h.Events.Subscribers(),
	})
}
