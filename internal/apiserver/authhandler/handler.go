// Package authhandler serves the two endpoints that sit outside the /runs
// surface but still belong to authentication: local token issuance and a
// caller identity lookup (spec §4.5, SPEC_FULL's GET /me addition).
package authhandler

import (
	"net/http"

	"sapporo/internal/apiserver/httputil"
	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/auth"
)

// Handler serves POST /token and GET /me.
type Handler struct {
	authn *auth.Authenticator
}

// NewHandler builds an authhandler.Handler bound to the service's
// Authenticator.
func NewHandler(authn *auth.Authenticator) *Handler {
	return &Handler{authn: authn}
}

// RegisterRoutes wires this package's routes onto mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /token", h.issueToken)
	mux.HandleFunc("GET /me", h.whoami)
}

// issueToken exchanges a username/password form for a signed local JWT
// (sapporo mode only; spec §4.5). Any other idp_provider reports
// UNSUPPORTED, mirroring the Authenticator's own guard.
func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) {
	if !h.authn.Enabled() {
		httputil.WriteError(w, apierr.New(apierr.KindUnauthenticated, "authentication is disabled"))
		return
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		if err := r.ParseForm(); err != nil {
			httputil.WriteError(w, apierr.Wrap(apierr.KindInvalidRequest, "parse token request", err))
			return
		}
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	if username == "" || password == "" {
		httputil.WriteError(w, apierr.New(apierr.KindInvalidRequest, "username and password are required"))
		return
	}

	token, err := h.authn.IssueLocalToken(username, password)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

// whoami reports the verified caller identity. Sapporo mode returns a fixed
// role since this system has no per-user role model beyond ownership; external
// mode echoes back the IdP's claim set so a client can inspect what it
// authenticated as without decoding the JWT itself.
func (h *Handler) whoami(w http.ResponseWriter, r *http.Request) {
	if !h.authn.Enabled() {
		httputil.WriteError(w, apierr.New(apierr.KindUnauthenticated, "authentication is disabled"))
		return
	}
	username, claims, err := h.authn.AuthenticateWithClaims(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if claims == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"username": username, "role": "user"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"username": username, "claims": claims})
}
