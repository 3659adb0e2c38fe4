// Package run implements every HTTP endpoint under /runs plus
// /executable-workflows (spec §4.7): submission, listing, status, cancel,
// delete, outputs and RO-Crate retrieval. It is the thin glue between the
// Router and RunStore/Validator/Supervisor/Authenticator — every actual
// decision (legality of a transition, ownership, whitelist enforcement)
// lives in one of those packages.
package run

import (
	"log/slog"
	"net/http"
	"strings"

	"sapporo/internal/platform/objstore"
	"sapporo/internal/wes/auth"
	"sapporo/internal/wes/runstore"
	"sapporo/internal/wes/supervisor"
	"sapporo/internal/wes/validator"
)

// MetricsSink lets the Router observe run lifecycle events without this
// package importing anything about Prometheus.
type MetricsSink interface {
	RecordCreated()
	RecordCanceled()
}

// Handler serves every /runs* and /executable-workflows route.
type Handler struct {
	store    *runstore.Store
	val      *validator.Validator
	sv       *supervisor.Supervisor
	authn    *auth.Authenticator
	archiver *objstore.Archiver
	log      *slog.Logger
	metrics  MetricsSink

	baseURL       string
	urlPrefix     string
	whitelistURLs []string
}

// Config bundles Handler's construction-time dependencies.
type Config struct {
	Store     *runstore.Store
	Validator *validator.Validator
	Supervisor *supervisor.Supervisor
	Authn     *auth.Authenticator
	Archiver  *objstore.Archiver
	Log       *slog.Logger
	Metrics   MetricsSink
	// BaseURL is the externally-visible scheme+host (e.g.
	// "https://sapporo.example.org"), used to turn outputs' file_url entries
	// into absolute URLs (spec's FileObject, SPEC_FULL.md #2). Empty means
	// file_url is a server-relative path (URLPrefix + "/runs/{id}/outputs/...").
	BaseURL   string
	URLPrefix string
	// ExecutableWorkflows lists the whitelisted workflow URLs from
	// configuration, echoed back by GET /executable-workflows. The Validator
	// enforces the list; this copy is only reported. Empty means unrestricted
	// submission.
	ExecutableWorkflows []string
}

// NewHandler builds a run Handler.
func NewHandler(cfg Config) *Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		store:         cfg.Store,
		val:           cfg.Validator,
		sv:            cfg.Supervisor,
		authn:         cfg.Authn,
		archiver:      cfg.Archiver,
		log:           log,
		metrics:       cfg.Metrics,
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		urlPrefix:     cfg.URLPrefix,
		whitelistURLs: cfg.ExecutableWorkflows,
	}
}

// absoluteURL joins urlPrefix and path onto baseURL when baseURL is
// configured (SPEC_FULL.md #2's reverse-proxy URL awareness), producing an
// absolute http(s) URL a client can dereference directly. With no baseURL
// it falls back to a server-relative path, which spec's FileObject also
// permits ("an absolute http(s) URL or resolves within the run directory").
func (h *Handler) absoluteURL(path string) string {
	joined := h.urlPrefix + path
	if h.baseURL == "" {
		return joined
	}
	return h.baseURL + joined
}

// RegisterRoutes wires every handler onto mux using Go 1.22's method-pattern
// routing, mirroring the teacher's per-domain RegisterRoutes convention.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", h.createRun)
	mux.HandleFunc("GET /runs", h.listRuns)
	mux.HandleFunc("DELETE /runs", h.deleteRuns)
	mux.HandleFunc("GET /runs/{run_id}", h.getRun)
	mux.HandleFunc("GET /runs/{run_id}/status", h.getStatus)
	mux.HandleFunc("POST /runs/{run_id}/cancel", h.cancelRun)
	mux.HandleFunc("DELETE /runs/{run_id}", h.deleteRun)
	mux.HandleFunc("GET /runs/{run_id}/outputs", h.listOutputs)
	mux.HandleFunc("GET /runs/{run_id}/outputs/{path...}", h.getOutput)
	mux.HandleFunc("GET /runs/{run_id}/ro-crate", h.getROCrate)
	mux.HandleFunc("GET /runs/{run_id}/tasks", h.tasksUnsupported)
	mux.HandleFunc("GET /runs/{run_id}/tasks/{task_id}", h.tasksUnsupported)
	mux.HandleFunc("GET /executable-workflows", h.executableWorkflows)
}

// callerUsername reads the username the auth middleware bound to this
// request's context; empty means anonymous (only valid when auth is
// disabled).
func (h *Handler) callerUsername(r *http.Request) string {
	u, _ := auth.UsernameFromContext(r.Context())
	return u
}

// dbPath is where the Indexer's snapshot lives, for GET /runs.
func (h *Handler) dbPath() string {
	return h.store.DBPath()
}
