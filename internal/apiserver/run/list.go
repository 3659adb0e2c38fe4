package run

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/oapi-codegen/runtime"

	"sapporo/internal/apiserver/httputil"
	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/auth"
	"sapporo/internal/wes/indexer"
	"sapporo/internal/wes/model"
)

// listRunsResponse mirrors spec §6.1's GET /runs response shape.
type listRunsResponse struct {
	Runs          []model.RunStatus `json:"runs"`
	NextPageToken string            `json:"next_page_token,omitempty"`
	TotalRuns     int               `json:"total_runs"`
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var runIDs []string
	if err := runtime.BindQueryParameter("form", true, false, "run_ids", q, &runIDs); err != nil {
		httputil.WriteError(w, apierr.Wrap(apierr.KindInvalidRequest, "parse run_ids", err))
		return
	}
	var rawTags []string
	if err := runtime.BindQueryParameter("form", true, false, "tags", q, &rawTags); err != nil {
		httputil.WriteError(w, apierr.Wrap(apierr.KindInvalidRequest, "parse tags", err))
		return
	}
	tags, err := parseTagFilters(rawTags)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	query := indexer.ListQuery{
		RunIDs:    runIDs,
		Tags:      tags,
		PageSize:  parsePageSize(q.Get("page_size")),
		SortOrder: q.Get("sort_order"),
		PageToken: q.Get("page_token"),
	}
	if s := q.Get("state"); s != "" {
		query.States = []model.State{model.State(s)}
	}

	// Multi-tenant scoping: an authenticated caller only ever sees their own
	// runs through the list endpoint (spec §1's "multi-tenant" framing);
	// GET /runs/{id} is the only place a non-owner interaction is even
	// possible, and that's handled by auth.Authorize.
	caller := h.callerUsername(r)
	if h.authn.Enabled() {
		query.Username = caller
	}

	if q.Get("latest") == "true" {
		h.listRunsLive(w, query)
		return
	}

	result, err := indexer.QueryRuns(h.dbPath(), query)
	if err != nil {
		httputil.WriteError(w, apierr.Wrap(apierr.KindStorageIO, "query run snapshot", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toListResponse(result))
}

// listRunsLive bypasses the snapshot and reconstructs each matched row live
// from disk, per spec §4.6's latest=true escape hatch. It still uses the
// snapshot to find candidate run_ids cheaply, then re-Loads each one.
func (h *Handler) listRunsLive(w http.ResponseWriter, query indexer.ListQuery) {
	snap, err := indexer.QueryRuns(h.dbPath(), query)
	if err != nil {
		httputil.WriteError(w, apierr.Wrap(apierr.KindStorageIO, "query run snapshot", err))
		return
	}
	runs := make([]model.RunStatus, 0, len(snap.Runs))
	for _, s := range snap.Runs {
		fresh, err := h.store.Load(s.RunID)
		if err != nil {
			continue // deleted between snapshot and now
		}
		runs = append(runs, model.RunStatus{RunID: fresh.RunID, State: fresh.State})
	}
	httputil.WriteJSON(w, http.StatusOK, listRunsResponse{Runs: runs, NextPageToken: snap.NextPageToken, TotalRuns: snap.TotalRuns})
}

func toListResponse(result *indexer.ListResult) listRunsResponse {
	runs := make([]model.RunStatus, len(result.Runs))
	for i, s := range result.Runs {
		runs[i] = model.RunStatus{RunID: s.RunID, State: s.State}
	}
	return listRunsResponse{Runs: runs, NextPageToken: result.NextPageToken, TotalRuns: result.TotalRuns}
}

func parsePageSize(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// parseTagFilters turns repeated key:value strings (spec §6.1, S4) into a
// map; a malformed entry (no colon) is INVALID_REQUEST rather than silently
// ignored.
func parseTagFilters(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, apierr.New(apierr.KindInvalidRequest, "tags filter must be key:value")
		}
		tags[parts[0]] = parts[1]
	}
	return tags, nil
}

func (h *Handler) deleteRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var runIDs []string
	if err := runtime.BindQueryParameter("form", true, true, "run_ids", q, &runIDs); err != nil || len(runIDs) == 0 {
		httputil.WriteError(w, apierr.New(apierr.KindInvalidRequest, "run_ids is required"))
		return
	}

	caller := h.callerUsername(r)
	deleted := make([]string, 0, len(runIDs))
	for _, id := range runIDs {
		sum, loadErr := h.store.Load(id)
		exists := loadErr == nil
		var owner *string
		if exists {
			owner = sum.Username
		}
		if err := auth.Authorize(h.authn.Enabled(), caller, exists, owner); err != nil {
			httputil.WriteError(w, err)
			return
		}
		if err := h.store.Delete(id); err != nil {
			httputil.WriteError(w, err)
			return
		}
		deleted = append(deleted, id)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string][]string{"run_ids": deleted})
}
