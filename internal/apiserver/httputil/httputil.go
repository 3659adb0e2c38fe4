// Package httputil holds the tiny set of response helpers every
// apiserver/* domain handler shares, matching the teacher's
// apiserver/server/common.go writeJSON/writeError convention.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"sapporo/internal/wes/apierr"
)

// WriteJSON encodes data as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// WriteError renders err as spec §6.1's ErrorResponse, defaulting anything
// that isn't an *apierr.Error to INTERNAL. Unrecognized errors are logged
// server-side since their message is not necessarily safe or useful to a
// client.
func WriteError(w http.ResponseWriter, err error) {
	if _, ok := apierr.As(err); !ok {
		slog.Default().Error("unclassified handler error", "error", err)
	}
	resp, status := apierr.ToResponse(err)
	WriteJSON(w, status, resp)
}
