package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtr002/render-queue/internal/jobs"
	"github.com/mtr002/render-queue/internal/websocket"
)

// Deps are the collaborators the admin API needs. Hub and Waker are optional.
type Deps struct {
	Manager *jobs.Manager
	Hub     *websocket.Hub
	// Waker is poked by POST /worker/wake.
	Waker   jobs.Notifier
	Service string

	// UrgentPriority is applied to jobs created with "urgent": true.
	UrgentPriority int
	// StatsWindowHours is the /jobs/stats window when hours is omitted.
	StatsWindowHours int
}

func NewRouter(d Deps) http.Handler {
	if d.Service == "" {
		d.Service = "api-service"
	}
	if d.UrgentPriority <= 0 {
		d.UrgentPriority = jobs.PriorityUrgent
	}
	if d.StatsWindowHours <= 0 {
		d.StatsWindowHours = jobs.DefaultStatsWindowHours
	}
	h := &jobHandlers{
		manager:     d.Manager,
		waker:       d.Waker,
		urgent:      d.UrgentPriority,
		statsWindow: d.StatsWindowHours,
	}
	hh := &healthHandlers{service: d.Service, db: d.Manager}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlationMiddleware)

	r.Get("/health", hh.health)
	r.Get("/health/ready", hh.readiness)
	r.Get("/health/live", hh.liveness)
	r.Handle("/metrics", promhttp.Handler())

	if d.Hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			websocket.HandleWebSocket(d.Hub, w, r)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(requestLogger)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.listJobs)
			r.Post("/", h.createJob)
			r.Get("/stats", h.stats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getJob)
				r.Post("/cancel", h.cancelJob)
				r.Post("/force-cancel", h.forceCancelJob)
				r.Post("/retrigger", h.retriggerJob)
			})
		})

		r.Post("/worker/wake", h.wake)
	})

	return r
}
