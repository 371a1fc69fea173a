package routes

import (
	"github.com/labledger/labledger/internal/router"
)

// RegisterSystemRoutes registers the health and metrics endpoints.
func RegisterSystemRoutes(r *router.Router, deps SystemDeps) {
	r.Get("/health", deps.HealthHandler)
	r.Handle("GET", "/metrics", deps.MetricsHandler)
}
