// Package auth implements the Run Manager's two authentication modes: local
// JWT issuance ("sapporo") and third-party OIDC/JWKS verification
// ("external"), plus the context plumbing handlers use to bind a run to the
// caller who created it (spec §4.5, C3).
package auth

import (
	"context"
	"net/http"
	"strings"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
)

type contextKey string

const ctxKeyUsername contextKey = "sapporo_username"

// Authenticator verifies bearer tokens under whichever mode the service is
// configured for. A nil Authenticator (auth disabled) is a valid zero value:
// every request is treated as anonymous.
type Authenticator struct {
	enabled  bool
	provider model.IdPProvider
	local    *LocalIssuer
	external *ExternalVerifier
}

// New builds an Authenticator from an AuthConfig. When cfg.AuthEnabled is
// false, the returned Authenticator accepts every request as anonymous.
// debug relaxes the sapporo-mode secret_key checks (spec §4.5) for local
// development and mirrors allowInsecureIdP's role for external mode.
func New(cfg model.AuthConfig, allowInsecureIdP bool, debug bool) (*Authenticator, error) {
	a := &Authenticator{enabled: cfg.AuthEnabled, provider: cfg.IdPProvider}
	if !cfg.AuthEnabled {
		return a, nil
	}
	switch cfg.IdPProvider {
	case model.IdPSapporo:
		issuer, err := NewLocalIssuer(cfg.SapporoAuthConfig, debug)
		if err != nil {
			return nil, err
		}
		a.local = issuer
	case model.IdPExternal:
		verifier, err := NewExternalVerifier(cfg.ExternalConfig, allowInsecureIdP)
		if err != nil {
			return nil, err
		}
		a.external = verifier
	default:
		return nil, apierr.New(apierr.KindInternal, "unknown idp_provider")
	}
	return a, nil
}

// Enabled reports whether the service requires authentication.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.enabled
}

// IssueLocalToken is only valid in sapporo mode; POST /token calls this.
func (a *Authenticator) IssueLocalToken(username, password string) (string, error) {
	if a.local == nil {
		return "", apierr.New(apierr.KindUnsupported, "token issuance is not available in this authentication mode")
	}
	return a.local.Authenticate(username, password)
}

// Authenticate extracts and verifies the bearer token from an incoming
// request, returning the bound username. An empty, non-error username means
// the request is anonymous, which is only valid when auth is disabled.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", apierr.New(apierr.KindUnauthenticated, "missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", apierr.New(apierr.KindUnauthenticated, "missing bearer token")
	}

	switch a.provider {
	case model.IdPSapporo:
		return a.local.Verify(token)
	case model.IdPExternal:
		return a.external.Verify(r.Context(), token)
	default:
		return "", apierr.New(apierr.KindInternal, "unknown idp_provider")
	}
}

// AuthenticateWithClaims is Authenticate plus the raw claim set when the
// service is running in external IdP mode, for GET /me. In sapporo mode
// there is no external claim set to report, so claims is always nil.
func (a *Authenticator) AuthenticateWithClaims(r *http.Request) (string, map[string]interface{}, error) {
	if !a.Enabled() {
		return "", nil, apierr.New(apierr.KindUnauthenticated, "authentication is disabled")
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", nil, apierr.New(apierr.KindUnauthenticated, "missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", nil, apierr.New(apierr.KindUnauthenticated, "missing bearer token")
	}

	switch a.provider {
	case model.IdPSapporo:
		username, err := a.local.Verify(token)
		return username, nil, err
	case model.IdPExternal:
		username, claims, err := a.external.VerifyClaims(r.Context(), token)
		return username, claims, err
	default:
		return "", nil, apierr.New(apierr.KindInternal, "unknown idp_provider")
	}
}

// WithUsername stores the authenticated username on the context.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, ctxKeyUsername, username)
}

// UsernameFromContext retrieves the username stored by WithUsername.
func UsernameFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(ctxKeyUsername).(string)
	return u, ok
}

// Authorize enforces spec §4.5/§7's ownership rule for a single run: when
// auth is enabled, a missing run and an owned-by-someone-else run both
// produce FORBIDDEN, never NOT_FOUND, so a non-owner cannot distinguish
// "doesn't exist" from "exists but isn't yours" (spec §7's existence-oracle
// rule, R3, S5). NOT_FOUND is reserved for the auth-disabled case, where
// there is no owner concept to hide behind.
func Authorize(authEnabled bool, callerUsername string, exists bool, owner *string) error {
	if !exists {
		if authEnabled {
			return apierr.New(apierr.KindForbidden, "forbidden")
		}
		return apierr.New(apierr.KindNotFound, "run not found")
	}
	if !authEnabled {
		return nil
	}
	if owner != nil && *owner != callerUsername {
		return apierr.New(apierr.KindForbidden, "forbidden")
	}
	return nil
}
