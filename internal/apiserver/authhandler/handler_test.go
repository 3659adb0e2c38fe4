package authhandler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sapporo/internal/wes/auth"
	"sapporo/internal/wes/model"
)

func sapporoAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	hash, err := auth.HashPassword("swordfish")
	require.NoError(t, err)
	authn, err := auth.New(model.AuthConfig{
		AuthEnabled: true,
		IdPProvider: model.IdPSapporo,
		SapporoAuthConfig: model.SapporoAuthConfig{
			SecretKey: "0123456789abcdef0123456789abcdef",
			Users:     []model.SapporoUser{{Username: "alice", PasswordHash: hash}},
		},
	}, false, false)
	require.NoError(t, err)
	return authn
}

func newMux(authn *auth.Authenticator) *http.ServeMux {
	m := http.NewServeMux()
	NewHandler(authn).RegisterRoutes(m)
	return m
}

func TestIssueTokenRejectsWhenAuthDisabled(t *testing.T) {
	authn, err := auth.New(model.AuthConfig{AuthEnabled: false}, false, false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("username=alice&password=swordfish"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	newMux(authn).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssueTokenRequiresBothFields(t *testing.T) {
	authn := sapporoAuthenticator(t)

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("username=alice"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	newMux(authn).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueTokenAndWhoamiRoundTrip(t *testing.T) {
	authn := sapporoAuthenticator(t)

	form := url.Values{"username": {"alice"}, "password": {"swordfish"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux := newMux(authn)
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var tokenResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokenResp))
	require.NotEmpty(t, tokenResp["access_token"])
	require.Equal(t, "bearer", tokenResp["token_type"])

	meReq := httptest.NewRequest(http.MethodGet, "/me", nil)
	meReq.Header.Set("Authorization", "Bearer "+tokenResp["access_token"])
	meRec := httptest.NewRecorder()
	mux.ServeHTTP(meRec, meReq)
	require.Equal(t, http.StatusOK, meRec.Code)

	var whoamiResp map[string]string
	require.NoError(t, json.Unmarshal(meRec.Body.Bytes(), &whoamiResp))
	require.Equal(t, "alice", whoamiResp["username"])
	require.Equal(t, "user", whoamiResp["role"])
}

func TestIssueTokenRejectsWrongPassword(t *testing.T) {
	authn := sapporoAuthenticator(t)

	form := url.Values{"username": {"alice"}, "password": {"wrong"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	newMux(authn).ServeHTTP(rec, req)

	require.NotEqual(t, http.StatusOK, rec.Code)
}

func TestWhoamiRejectsMissingBearer(t *testing.T) {
	authn := sapporoAuthenticator(t)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rec := httptest.NewRecorder()
	newMux(authn).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
