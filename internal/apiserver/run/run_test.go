package run

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/auth"
	"sapporo/internal/wes/model"
	"sapporo/internal/wes/runstore"
	"sapporo/internal/wes/supervisor"
	"sapporo/internal/wes/validator"
)

func newTestHandler(t *testing.T, authEnabled bool) (*Handler, *runstore.Store, *auth.Authenticator) {
	t.Helper()
	store := runstore.New(t.TempDir())
	sv := supervisor.New(store, "")
	valCfg := validator.DefaultConfig()
	valCfg.ExecutableWorkflows = []string{"https://example.org/wf.cwl"}
	val := validator.New(valCfg)

	var authn *auth.Authenticator
	var err error
	if authEnabled {
		hash, hashErr := auth.HashPassword("swordfish")
		require.NoError(t, hashErr)
		authn, err = auth.New(model.AuthConfig{
			AuthEnabled: true,
			IdPProvider: model.IdPSapporo,
			SapporoAuthConfig: model.SapporoAuthConfig{
				SecretKey: "0123456789abcdef0123456789abcdef",
				Users:     []model.SapporoUser{{Username: "alice", PasswordHash: hash}},
			},
		}, false, false)
	} else {
		authn, err = auth.New(model.AuthConfig{AuthEnabled: false}, false, false)
	}
	require.NoError(t, err)

	h := NewHandler(Config{
		Store:               store,
		Validator:           val,
		Supervisor:          sv,
		Authn:               authn,
		ExecutableWorkflows: []string{"https://example.org/wf.cwl"},
	})
	return h, store, authn
}

func mux(h *Handler) *http.ServeMux {
	m := http.NewServeMux()
	h.RegisterRoutes(m)
	return m
}

func withCaller(r *http.Request, username string) *http.Request {
	return r.WithContext(auth.WithUsername(r.Context(), username))
}

func TestGetRunHidesMissingRunAsForbiddenWhenAuthEnabled(t *testing.T) {
	h, _, _ := newTestHandler(t, true)

	req := withCaller(httptest.NewRequest(http.MethodGet, "/runs/00000000-0000-4000-8000-000000000000", nil), "alice")
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetRunReportsMissingRunAsNotFoundWhenAuthDisabled(t *testing.T) {
	h, _, _ := newTestHandler(t, false)

	req := httptest.NewRequest(http.MethodGet, "/runs/00000000-0000-4000-8000-000000000000", nil)
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunRejectsNonOwnerAsForbidden(t *testing.T) {
	h, store, _ := newTestHandler(t, true)
	owner := "bob"
	runID, err := store.Create(sampleRunRequest(), &owner, nil, nil)
	require.NoError(t, err)

	req := withCaller(httptest.NewRequest(http.MethodGet, "/runs/"+runID, nil), "alice")
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetRunServesOwnerRun(t *testing.T) {
	h, store, _ := newTestHandler(t, true)
	owner := "alice"
	runID, err := store.Create(sampleRunRequest(), &owner, nil, nil)
	require.NoError(t, err)

	req := withCaller(httptest.NewRequest(http.MethodGet, "/runs/"+runID, nil), "alice")
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var log model.RunLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &log))
	require.Equal(t, runID, log.RunID)
	require.Equal(t, model.StateQueued, log.State)
}

func TestGetStatusServesOwnerRun(t *testing.T) {
	h, store, _ := newTestHandler(t, false)
	runID, err := store.Create(sampleRunRequest(), nil, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/runs/"+runID+"/status", nil)
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status model.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, model.StateQueued, status.State)
}

func TestCancelRunIsIdempotentOnAlreadyCanceled(t *testing.T) {
	h, store, _ := newTestHandler(t, false)
	runID, err := store.Create(sampleRunRequest(), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.WriteState(runID, model.StateInitializing))
	require.NoError(t, store.WriteState(runID, model.StateCanceling))
	require.NoError(t, store.WriteState(runID, model.StateCanceled))

	req := httptest.NewRequest(http.MethodPost, "/runs/"+runID+"/cancel", nil)
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteRunRemovesDirectory(t *testing.T) {
	h, store, _ := newTestHandler(t, false)
	runID, err := store.Create(sampleRunRequest(), nil, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/runs/"+runID, nil)
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, store.Exists(runID))
}

func TestListOutputsOnFreshRunIsEmpty(t *testing.T) {
	h, store, _ := newTestHandler(t, false)
	runID, err := store.Create(sampleRunRequest(), nil, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/runs/"+runID+"/outputs", nil)
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "outputs")
}

func TestListOutputsUsesBaseURLAndURLPrefixForAbsoluteFileURL(t *testing.T) {
	store := runstore.New(t.TempDir())
	sv := supervisor.New(store, "")
	val := validator.New(validator.DefaultConfig())
	authn, err := auth.New(model.AuthConfig{AuthEnabled: false}, false, false)
	require.NoError(t, err)

	h := NewHandler(Config{
		Store:      store,
		Validator:  val,
		Supervisor: sv,
		Authn:      authn,
		BaseURL:    "https://sapporo.example.org/",
		URLPrefix:  "/sapporo",
	})

	runID, err := store.Create(sampleRunRequest(), nil, nil, nil)
	require.NoError(t, err)

	shard := filepath.Join(store.Root(), runID[:2], runID, "outputs")
	require.NoError(t, os.MkdirAll(shard, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shard, "result.txt"), []byte("ok"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/runs/"+runID+"/outputs", nil)
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Outputs []model.FileObject `json:"outputs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Outputs, 1)
	require.Equal(t, "https://sapporo.example.org/sapporo/runs/"+runID+"/outputs/result.txt", body.Outputs[0].FileURL)
}

func TestGetROCrateMissingReportsNotFound(t *testing.T) {
	h, store, _ := newTestHandler(t, false)
	runID, err := store.Create(sampleRunRequest(), nil, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/runs/"+runID+"/ro-crate", nil)
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTasksUnsupportedReturnsInvalidRequestAfterAuthorizing(t *testing.T) {
	h, store, _ := newTestHandler(t, false)
	runID, err := store.Create(sampleRunRequest(), nil, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/runs/"+runID+"/tasks", nil)
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// A missing run is still authorized (and rejected as not-found/forbidden)
	// before the UNSUPPORTED error, so this endpoint isn't itself an
	// existence oracle.
	req = httptest.NewRequest(http.MethodGet, "/runs/00000000-0000-4000-8000-000000000000/tasks", nil)
	rec = httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutableWorkflowsEchoesWhitelist(t *testing.T) {
	h, _, _ := newTestHandler(t, false)

	req := httptest.NewRequest(http.MethodGet, "/executable-workflows", nil)
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []string{"https://example.org/wf.cwl"}, body["workflows"])
}

func TestCreateRunViaMultipart(t *testing.T) {
	h, _, _ := newTestHandler(t, false)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("workflow_type", "CWL"))
	require.NoError(t, w.WriteField("workflow_engine", "cwltool"))
	require.NoError(t, w.WriteField("workflow_url", "https://example.org/wf.cwl"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/runs", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["run_id"])
}

func TestCreateRunRejectsUnknownWorkflowURLUnderWhitelist(t *testing.T) {
	h, _, _ := newTestHandler(t, false)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("workflow_type", "CWL"))
	require.NoError(t, w.WriteField("workflow_engine", "cwltool"))
	require.NoError(t, w.WriteField("workflow_url", "https://not-whitelisted.example.org/wf.cwl"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/runs", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseTagFiltersRejectsMalformedEntry(t *testing.T) {
	_, err := parseTagFilters([]string{"not-a-kv-pair"})
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindInvalidRequest, e.Kind)

	tags, err := parseTagFilters([]string{"env:prod", "team:wes"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"env": "prod", "team": "wes"}, tags)
}

func TestParsePageSizeFallsBackOnInvalidInput(t *testing.T) {
	require.Equal(t, 0, parsePageSize(""))
	require.Equal(t, 0, parsePageSize("not-a-number"))
	require.Equal(t, 0, parsePageSize("-5"))
	require.Equal(t, 50, parsePageSize("50"))
}

func sampleRunRequest() *model.RunRequest {
	return &model.RunRequest{
		WorkflowType:   model.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/wf.cwl",
		WorkflowEngine: model.EngineCwltool,
	}
}
