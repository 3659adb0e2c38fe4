package run

import (
	"net/http"

	"sapporo/internal/apiserver/httputil"
)

// executableWorkflows lists the configured executable-workflow whitelist
// (separate from registered-only mode), so a client can discover which
// workflow_url values will validate before submitting a run. An empty list
// means submission is unrestricted.
func (h *Handler) executableWorkflows(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string][]string{"workflows": h.whitelistURLs})
}
