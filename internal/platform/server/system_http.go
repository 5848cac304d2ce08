package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/clock"
)

type SystemHandler struct {
	StartedAt time.Time
	Clock     clock.Clock
	Version   string
	// Ready reports whether dependencies (database) answer. Nil means ready.
	Ready func(ctx context.Context) error
}

func (h SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/readyz", h.ready)
}

func (h SystemHandler) now() time.Time {
	if h.Clock == nil {
		return time.Now().UTC()
	}
	return h.Clock.Now().UTC()
}

func (h SystemHandler) health(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":     "ok",
		"service":    "cashless-ledger",
		"version":    h.Version,
		"uptime":     now.Sub(h.StartedAt).String(),
		"serverTime": now.Format(time.RFC3339Nano),
	})
}

func (h SystemHandler) ready(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
