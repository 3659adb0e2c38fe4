package server

import (
	"net/http"
	"strings"

	"sapporo/api/openapi"
	"sapporo/internal/apiserver/httputil"
	"sapporo/internal/config"
	"sapporo/internal/wes/indexer"
	"sapporo/internal/wes/model"
	"sapporo/internal/wes/runstore"
	"sapporo/internal/wes/validator"
)

// ServiceInfoHandler serves GET /service-info (spec §4.7, SUPPLEMENTED
// FEATURES #1): everything a client needs to know before it ever calls
// POST /runs.
type ServiceInfoHandler struct {
	store  *runstore.Store
	cfg    *config.Config
	valCfg validator.Config
	doc    *openapi.Document
}

// NewServiceInfoHandler builds a ServiceInfoHandler. doc may be nil if the
// embedded OpenAPI document failed to load; supported_wes_versions then
// falls back to a hardcoded single entry.
func NewServiceInfoHandler(store *runstore.Store, cfg *config.Config, valCfg validator.Config, doc *openapi.Document) *ServiceInfoHandler {
	return &ServiceInfoHandler{store: store, cfg: cfg, valCfg: valCfg, doc: doc}
}

// RegisterRoutes wires GET /service-info onto mux.
func (h *ServiceInfoHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /service-info", h.serve)
}

func (h *ServiceInfoHandler) serve(w http.ResponseWriter, r *http.Request) {
	rawCounts, _ := indexer.StateCounts(h.store.DBPath())
	stateCounts := make(map[model.State]int, len(rawCounts))
	for state, n := range rawCounts {
		stateCounts[model.State(state)] = n
	}

	wesVersions := []string{"sapporo-wes-1.1.0"}
	if h.doc != nil {
		if v := h.doc.Version(); v != "" {
			wesVersions = []string{v}
		}
	}

	info := model.ServiceInfo{
		SupportedFilesystemProtocols: []string{"http", "https", "s3"},
		SupportedWESVersions:         wesVersions,
		SystemStateCounts:            stateCounts,
		WorkflowEngineVersions:       map[model.WorkflowEngine]string{},
		WorkflowTypeVersions:         supportedTypeVersions(h.valCfg),
		Tags: map[string]interface{}{
			"wes-name":            "sapporo",
			"sapporo-version":     "SPEC_FULL",
			"get_runs":            true,
			"workflow_attachment": true,
			"registered_only_mode": h.cfg.RegisteredOnlyMode,
			"news_content":        nil,
		},
	}
	if h.cfg.BaseURL != "" {
		info.Tags["endpoint_url"] = strings.TrimSuffix(h.cfg.BaseURL, "/") + h.cfg.URLPrefix
	}
	if len(h.valCfg.DefaultEngineParameters) > 0 {
		info.DefaultWorkflowEngineParameters = defaultEngineParams(h.valCfg.DefaultEngineParameters)
	}

	httputil.WriteJSON(w, http.StatusOK, info)
}

func supportedTypeVersions(cfg validator.Config) map[model.WorkflowType]model.WorkflowTypeVersionEntry {
	if len(cfg.SupportedTypeVersions) == 0 {
		return nil
	}
	out := make(map[model.WorkflowType]model.WorkflowTypeVersionEntry, len(cfg.SupportedTypeVersions))
	for t, versions := range cfg.SupportedTypeVersions {
		out[t] = model.WorkflowTypeVersionEntry{WorkflowTypeVersion: versions}
	}
	return out
}

func defaultEngineParams(defaults map[model.WorkflowEngine]map[string]string) map[model.WorkflowEngine][]model.DefaultEngineParameter {
	out := make(map[model.WorkflowEngine][]model.DefaultEngineParameter, len(defaults))
	for engine, params := range defaults {
		entries := make([]model.DefaultEngineParameter, 0, len(params))
		for name, value := range params {
			entries = append(entries, model.DefaultEngineParameter{Name: name, DefaultValue: value, Type: "str"})
		}
		out[engine] = entries
	}
	return out
}
