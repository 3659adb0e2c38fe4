package server

import "net/http"

// Router builds the full HTTP handler chain: routes, then metrics, then
// auth, then CORS, then an optional URL prefix strip — mirroring the
// teacher's Router() layering (metrics innermost so it observes actual
// handler latency, CORS outermost so preflight requests never reach auth).
//
// Routes:
//
//	GET  /service-info
//	POST /runs
//	GET  /runs
//	DELETE /runs
//	GET  /runs/{run_id}
//	GET  /runs/{run_id}/status
//	POST /runs/{run_id}/cancel
//	DELETE /runs/{run_id}
//	GET  /runs/{run_id}/outputs
//	GET  /runs/{run_id}/outputs/{path...}
//	GET  /runs/{run_id}/ro-crate
//	GET  /runs/{run_id}/tasks[/{task_id}]
//	GET  /executable-workflows
//	POST /token
//	GET  /me
//	GET  /metrics
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", MetricsHandler())

	h.serviceInfoHandler.RegisterRoutes(mux)
	h.runHandler.RegisterRoutes(mux)
	h.authHandler.RegisterRoutes(mux)

	metered := h.metrics.MetricsMiddleware(mux)
	authed := h.authMiddleware(metered)
	corsed := h.corsMiddleware(authed)

	return stripURLPrefix(h.cfg.URLPrefix, corsed)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
