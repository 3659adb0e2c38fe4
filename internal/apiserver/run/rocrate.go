package run

import (
	"fmt"
	"net/http"

	"sapporo/internal/apiserver/httputil"
	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/rocrate"
)

// getROCrate serves ro-crate-metadata.json (spec §4.7). A dispatcher failure
// to generate the crate is reported as its own status rather than a generic
// 404, since "not yet written" and "generation failed" mean different things
// to a client polling for it.
func (h *Handler) getROCrate(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.authorizeRunAccess(r, runID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	status, raw, reason, err := rocrate.Read(h.store, runID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	switch status {
	case rocrate.StatusMissing:
		httputil.WriteError(w, apierr.New(apierr.KindNotFound, "ro-crate-metadata.json has not been generated for this run"))
		return
	case rocrate.StatusFailed:
		httputil.WriteError(w, apierr.New(apierr.KindUpstream, "ro-crate generation failed: "+reason))
		return
	}

	if r.URL.Query().Get("download") == "true" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "ro-crate-metadata.json"))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
