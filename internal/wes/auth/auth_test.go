package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
)

func TestHashAndCheckPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, CheckPassword("correct horse battery staple", hash))
	require.False(t, CheckPassword("wrong password", hash))
}

func TestLocalIssuerRejectsWeakSecret(t *testing.T) {
	_, err := NewLocalIssuer(model.SapporoAuthConfig{SecretKey: "too-short"}, false)
	require.Error(t, err)
}

func TestLocalIssuerRejectsBundledDefaultSecret(t *testing.T) {
	_, err := NewLocalIssuer(model.SapporoAuthConfig{SecretKey: bundledDefaultSecretKey}, false)
	require.Error(t, err)
}

func TestLocalIssuerRejectsLowEntropySecret(t *testing.T) {
	_, err := NewLocalIssuer(model.SapporoAuthConfig{SecretKey: strings.Repeat("a", 32)}, false)
	require.Error(t, err)
}

func TestLocalIssuerAllowsWeakSecretInDebugMode(t *testing.T) {
	_, err := NewLocalIssuer(model.SapporoAuthConfig{SecretKey: "too-short"}, true)
	require.NoError(t, err)
}

func TestLocalIssuerIssueAndVerify(t *testing.T) {
	hash, err := HashPassword("swordfish")
	require.NoError(t, err)
	issuer, err := NewLocalIssuer(model.SapporoAuthConfig{
		SecretKey: "0123456789abcdef0123456789abcdef",
		Users:     []model.SapporoUser{{Username: "alice", PasswordHash: hash}},
	}, false)
	require.NoError(t, err)

	token, err := issuer.Authenticate("alice", "swordfish")
	require.NoError(t, err)

	username, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", username)

	_, err = issuer.Authenticate("alice", "wrong")
	require.Error(t, err)
}

func TestAuthenticatorAnonymousWhenDisabled(t *testing.T) {
	a, err := New(model.AuthConfig{AuthEnabled: false}, false, false)
	require.NoError(t, err)
	require.False(t, a.Enabled())

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	username, err := a.Authenticate(req)
	require.NoError(t, err)
	require.Equal(t, "", username)
}

func TestAuthenticatorRejectsMissingBearerWhenEnabled(t *testing.T) {
	hash, err := HashPassword("swordfish")
	require.NoError(t, err)
	a, err := New(model.AuthConfig{
		AuthEnabled: true,
		IdPProvider: model.IdPSapporo,
		SapporoAuthConfig: model.SapporoAuthConfig{
			SecretKey: "0123456789abcdef0123456789abcdef",
			Users:     []model.SapporoUser{{Username: "alice", PasswordHash: hash}},
		},
	}, false, false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	_, err = a.Authenticate(req)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindUnauthenticated, e.Kind)
}

func TestAuthenticatorAcceptsValidBearer(t *testing.T) {
	hash, err := HashPassword("swordfish")
	require.NoError(t, err)
	a, err := New(model.AuthConfig{
		AuthEnabled: true,
		IdPProvider: model.IdPSapporo,
		SapporoAuthConfig: model.SapporoAuthConfig{
			SecretKey: "0123456789abcdef0123456789abcdef",
			Users:     []model.SapporoUser{{Username: "alice", PasswordHash: hash}},
		},
	}, false, false)
	require.NoError(t, err)

	token, err := a.IssueLocalToken("alice", "swordfish")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	username, err := a.Authenticate(req)
	require.NoError(t, err)
	require.Equal(t, "alice", username)
}

func TestAuthorizeRejectsForeignCallerAsForbidden(t *testing.T) {
	owner := "bob"
	err := Authorize(true, "alice", true, &owner)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindForbidden, e.Kind)

	require.NoError(t, Authorize(true, "bob", true, &owner))
	require.NoError(t, Authorize(true, "alice", true, nil))
	require.NoError(t, Authorize(false, "", true, &owner))
}

func TestAuthorizeHidesMissingRunAsForbiddenWhenAuthEnabled(t *testing.T) {
	err := Authorize(true, "alice", false, nil)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindForbidden, e.Kind)
}

func TestAuthorizeReportsMissingRunAsNotFoundWhenAuthDisabled(t *testing.T) {
	err := Authorize(false, "", false, nil)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindNotFound, e.Kind)
}

func TestNewExternalVerifierRejectsPlainHTTPByDefault(t *testing.T) {
	_, err := NewExternalVerifier(model.ExternalAuthConfig{IdPURL: "http://idp.example.org"}, false)
	require.Error(t, err)

	_, err = NewExternalVerifier(model.ExternalAuthConfig{IdPURL: "http://idp.example.org"}, true)
	require.NoError(t, err)
}
