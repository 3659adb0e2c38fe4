package run

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sapporo/internal/apiserver/httputil"
	"sapporo/internal/wes/apierr"
)

func (h *Handler) listOutputs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.authorizeRunAccess(r, runID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	files, err := h.store.ListOutputs(runID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	for i := range files {
		files[i].FileURL = h.absoluteURL(fmt.Sprintf("/runs/%s/outputs/%s", runID, files[i].FileURL))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"outputs": files})
}

// getOutput streams a single output file, honoring download=true to force a
// Content-Disposition attachment instead of an inline render (spec §6.1).
func (h *Handler) getOutput(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.authorizeRunAccess(r, runID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	relpath := r.PathValue("path")

	f, info, err := h.store.OpenOutput(runID, relpath)
	if err != nil {
		apiErr, ok := apierr.As(err)
		if !ok || apiErr.Kind != apierr.KindNotFound || h.archiver == nil {
			httputil.WriteError(w, err)
			return
		}
		// The run directory still exists (authorizeRunAccess above rejects a
		// run whose directory is gone) but the file is missing from outputs/;
		// fall back to the archive copy that SetArchiver mirrored. A run
		// already removed by the retention sweep is rejected before this
		// point, so its archived outputs are not served.
		obj, ferr := h.archiver.Fetch(r.Context(), runID, relpath)
		if ferr != nil {
			httputil.WriteError(w, apierr.New(apierr.KindNotFound, "output not found"))
			return
		}
		defer obj.Close()
		serveArchivedOutput(w, r, relpath, obj)
		return
	}
	defer f.Close()

	seeker, ok := f.(interface {
		Read([]byte) (int, error)
		Seek(int64, int) (int64, error)
	})
	if !ok {
		httputil.WriteError(w, apierr.New(apierr.KindInternal, "output is not seekable"))
		return
	}

	if r.URL.Query().Get("download") == "true" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, info.Name(), info.ModTime(), seeker)
}

// serveArchivedOutput streams an object fetched from the archive. minio-go's
// Object satisfies io.ReadSeeker, so http.ServeContent can still honor Range
// requests; it has no local mtime to report, so it uses the fetch time.
func serveArchivedOutput(w http.ResponseWriter, r *http.Request, relpath string, obj io.ReadCloser) {
	name := relpath
	if i := strings.LastIndexByte(relpath, '/'); i >= 0 {
		name = relpath[i+1:]
	}
	if r.URL.Query().Get("download") == "true" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if seeker, ok := obj.(io.ReadSeeker); ok {
		http.ServeContent(w, r, name, time.Time{}, seeker)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, obj)
}
