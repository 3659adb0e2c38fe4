package run

import (
	"net/http"

	"sapporo/internal/apiserver/httputil"
	"sapporo/internal/wes/apierr"
)

// tasksUnsupported answers the WES 2.1 task-list endpoints. This
// implementation supervises a single dispatcher process per run rather than
// tracking sub-tasks (spec §1's non-goal on task-level scheduling), so both
// routes report the operation as unsupported rather than fabricating a task
// breakdown (spec §4.7).
func (h *Handler) tasksUnsupported(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.authorizeRunAccess(r, runID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteError(w, apierr.New(apierr.KindInvalidRequest, "task-level logs are unsupported in this implementation"))
}
