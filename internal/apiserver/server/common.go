// Package server assembles the Router: it wires the run, authhandler and
// service-info handlers onto one mux, and layers CORS, auth and metrics
// middleware around it, mirroring the teacher's server.Handler/Router split.
package server

import (
	"log/slog"
	"net/http"
	"strings"

	"sapporo/api/openapi"
	"sapporo/internal/apiserver/authhandler"
	"sapporo/internal/apiserver/httputil"
	"sapporo/internal/apiserver/run"
	"sapporo/internal/config"
	"sapporo/internal/platform/objstore"
	"sapporo/internal/wes/auth"
	"sapporo/internal/wes/runstore"
	"sapporo/internal/wes/supervisor"
	"sapporo/internal/wes/validator"
)

// Handler owns every dependency the Router needs to build sub-handlers and
// middleware.
type Handler struct {
	cfg   *config.Config
	authn *auth.Authenticator

	runHandler         *run.Handler
	authHandler        *authhandler.Handler
	serviceInfoHandler *ServiceInfoHandler
	metrics            *Metrics

	log *slog.Logger
}

// Deps bundles Handler's construction-time dependencies.
type Deps struct {
	Config     *config.Config
	Store      *runstore.Store
	Validator  *validator.Validator
	ValConfig  validator.Config
	Supervisor *supervisor.Supervisor
	Authn      *auth.Authenticator
	Archiver   *objstore.Archiver
	OpenAPI    *openapi.Document
	Log        *slog.Logger
}

// NewHandler builds the top-level Handler and every sub-handler it mounts.
func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := NewMetrics("sapporo")

	runH := run.NewHandler(run.Config{
		Store:               d.Store,
		Validator:           d.Validator,
		Supervisor:          d.Supervisor,
		Authn:               d.Authn,
		Archiver:            d.Archiver,
		Log:                 log,
		Metrics:             metrics,
		BaseURL:             d.Config.BaseURL,
		URLPrefix:           d.Config.URLPrefix,
		ExecutableWorkflows: d.Config.ExecutableWorkflows,
	})

	return &Handler{
		cfg:                d.Config,
		authn:              d.Authn,
		runHandler:         runH,
		authHandler:        authhandler.NewHandler(d.Authn),
		serviceInfoHandler: NewServiceInfoHandler(d.Store, d.Config, d.ValConfig, d.OpenAPI),
		metrics:            metrics,
		log:                log,
	}
}

// Metrics exposes the Handler's Metrics instance, e.g. for the Indexer to
// report into via the indexer.MetricsSink interface.
func (h *Handler) Metrics() *Metrics {
	return h.metrics
}

// publicPaths never require a bearer token, even when auth is enabled:
// discovery and health checks have to work before a client has a token, and
// /token is how a sapporo-mode client gets one in the first place.
var publicPaths = map[string]bool{
	"/health":       true,
	"/metrics":      true,
	"/service-info": true,
	"/token":        true,
}

// authMiddleware verifies the bearer token on every request and binds the
// resulting username to the request context, so downstream handlers never
// touch the Authorization header directly.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		username, err := h.authn.Authenticate(r)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		r = r.WithContext(auth.WithUsername(r.Context(), username))
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows cross-origin requests from the configured origin
// list, or from anywhere when the list is empty or contains "*" (spec §6's client-facing
// surface has no session cookies to protect, only bearer tokens).
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	origins := h.cfg.AllowOrigin
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allow := "*"
		if len(origins) > 0 {
			allow = ""
			reqOrigin := r.Header.Get("Origin")
			for _, o := range origins {
				if o == "*" {
					allow = "*"
					break
				}
				if o == reqOrigin {
					allow = reqOrigin
					break
				}
			}
		}
		if allow != "" {
			w.Header().Set("Access-Control-Allow-Origin", allow)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func stripURLPrefix(prefix string, next http.Handler) http.Handler {
	if prefix == "" || prefix == "/" {
		return next
	}
	return http.StripPrefix(strings.TrimSuffix(prefix, "/"), next)
}
