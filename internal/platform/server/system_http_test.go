package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

func TestHealthReportsVersionAndUptime(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	clk := clock.Fixed{T: started.Add(90 * time.Second)}
	mux := http.NewServeMux()
	SystemHandler{StartedAt: started, Clock: clk, Version: "1.4.0"}.Register(mux)

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}

	var body struct {
		Status        string `json:"status"`
		Version       string `json:"version"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not json: %v (%s)", err, rec.Body.String())
	}
	if body.Status != "ok" || body.Version != "1.4.0" {
		t.Fatalf("body = %+v", body)
	}
	if body.UptimeSeconds != 90 {
		t.Fatalf("uptime = %d, want 90", body.UptimeSeconds)
	}
}
