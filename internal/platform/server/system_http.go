package server

import (
	"net/http"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

// SystemHandler serves the ledgerd liveness probe. The body names the build
// version and uptime so an operator can tell which binary answered.
type SystemHandler struct {
	StartedAt time.Time
	Clock     clock.Clock
	Version   string
}

func (h SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.health)
}

func (h SystemHandler) health(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().UTC()
	if h.Clock != nil {
		now = h.Clock.Now().UTC()
	}
	var uptimeSeconds int64
	if !h.StartedAt.IsZero() {
		uptimeSeconds = int64(now.Sub(h.StartedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.Version,
		"uptime_seconds": uptimeSeconds,
	})
}
