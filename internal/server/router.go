package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openjobspec/scan-populator/internal/api"
	"github.com/openjobspec/scan-populator/internal/metrics"
	natsbackend "github.com/openjobspec/scan-populator/internal/nats"
)

// HealthChecker reports the health of the NATS dependency.
type HealthChecker interface {
	Health(ctx context.Context) (natsbackend.HealthStatus, error)
	Uptime() time.Duration
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status        string                   `json:"status"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	NATS          natsbackend.HealthStatus `json:"nats"`
}

// NewRouter creates the HTTP router.
func NewRouter(p api.Populator, health HealthChecker) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(api.EchoRequestID)
	r.Use(api.RequestLogger)
	r.Use(middleware.RequestSize(api.MaxBodySize))
	r.Use(api.ValidateContentType)

	r.Handle("/metrics", metrics.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler(health))
		api.NewHandler(p).Routes(r)
	})

	return r
}

func healthHandler(hc HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		nats, err := hc.Health(ctx)
		resp := HealthResponse{
			Status:        "ok",
			UptimeSeconds: int64(hc.Uptime().Seconds()),
			NATS:          nats,
		}
		status := http.StatusOK
		if err != nil {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		api.WriteJSON(w, status, resp)
	}
}
