package api

import (
	"context"
	"net/http"
	"time"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

type ReadinessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Database  string    `json:"database"`
}

// Pinger reports whether the job store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthHandlers struct {
	service string
	db      Pinger
}

func (h *healthHandlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   h.service,
	})
}

func (h *healthHandlers) readiness(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Service:   h.service,
		Database:  "unknown",
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			resp.Status = "not ready"
			resp.Database = "disconnected"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "connected"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *healthHandlers) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "alive",
		Timestamp: time.Now(),
		Service:   h.service,
	})
}
