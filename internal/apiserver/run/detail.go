package run

import (
	"net/http"

	"sapporo/internal/apiserver/httputil"
	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/auth"
	"sapporo/internal/wes/model"
)

// authorizeRunAccess loads a run and enforces spec §7's existence-oracle
// rule in one place: an ownership mismatch and a missing run both come back
// as FORBIDDEN when auth is enabled, and only NOT_FOUND when it is disabled.
func (h *Handler) authorizeRunAccess(r *http.Request, runID string) (*model.RunSummary, error) {
	caller := h.callerUsername(r)
	exists := h.store.Exists(runID)
	var owner *string
	var sum *model.RunSummary
	if exists {
		s, err := h.store.Load(runID)
		if err != nil {
			return nil, err
		}
		sum = s
		owner = s.Username
	}
	if err := auth.Authorize(h.authn.Enabled(), caller, exists, owner); err != nil {
		return nil, err
	}
	return sum, nil
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	sum, err := h.authorizeRunAccess(r, runID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	log := model.RunLog{
		RunID:   sum.RunID,
		Request: sum.Request,
		State:   sum.State,
	}
	if outputs, err := h.store.ListOutputs(runID); err == nil {
		log.Outputs = outputs
	}
	log.RunLog = &model.ProcessLog{
		StartTime: sum.StartTime,
		EndTime:   sum.EndTime,
		ExitCode:  sum.ExitCode,
	}
	httputil.WriteJSON(w, http.StatusOK, log)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	sum, err := h.authorizeRunAccess(r, runID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, model.RunStatus{RunID: sum.RunID, State: sum.State})
}

// cancelRun is idempotent (spec R2): canceling an already-canceling or
// already-terminal run returns 200 with the run_id rather than erroring; a
// conflict from Supervisor.Cancel (the run reached another terminal state
// first) is treated as success the same way.
func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	sum, err := h.authorizeRunAccess(r, runID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if sum.State == model.StateCanceling || sum.State == model.StateCanceled {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"run_id": runID})
		return
	}
	if err := h.sv.Cancel(runID); err != nil {
		if e, ok := apierr.As(err); ok && e.Kind == apierr.KindConflict {
			httputil.WriteJSON(w, http.StatusOK, map[string]string{"run_id": runID})
			return
		}
		httputil.WriteError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordCanceled()
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}

func (h *Handler) deleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.authorizeRunAccess(r, runID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.store.Delete(runID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}
