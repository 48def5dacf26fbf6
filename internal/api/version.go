package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatchopt/internal/buildinfo"
	"dispatchopt/internal/metrics"
)

func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build":    buildinfo.Info(),
		"time":     s.Now().UTC().Format(time.RFC3339),
		"timezone": s.Loc.String(),
		"limited":  s.Limiter != nil,
	})
}

// MetricsHandler serves the dedicated registry.
func MetricsHandler() http.Handler {
	metrics.RegisterDefault()
	return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
}
