package runstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir)
}

func sampleRequest() *model.RunRequest {
	return &model.RunRequest{
		WorkflowType:        model.WorkflowTypeCWL,
		WorkflowTypeVersion: "v1.2",
		WorkflowURL:         "https://example.org/wf.cwl",
		WorkflowEngine:      model.EngineCwltool,
		Tags:                map[string]string{"env": "test"},
	}
}

func TestCreateThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	user := "alice"

	runID, err := s.Create(sampleRequest(), &user, json.RawMessage(`{"x":1}`), nil)
	require.NoError(t, err)
	require.True(t, s.Exists(runID))

	sum, err := s.Load(runID)
	require.NoError(t, err)
	require.Equal(t, model.StateQueued, sum.State)
	require.NotNil(t, sum.Request)
	require.Equal(t, model.WorkflowTypeCWL, sum.Request.WorkflowType)
	require.NotNil(t, sum.Username)
	require.Equal(t, "alice", *sum.Username)

	wfParams, err := os.ReadFile(filepath.Join(s.shard(runID), dirExe, "workflow_params.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(wfParams))
}

func TestCreateLeavesNoStagingDirBehind(t *testing.T) {
	// A successful Create with an attachment must publish the run under its
	// final name and leave no .tmp staging directory in any shard.
	s := newTestStore(t)
	badAttachment := []Attachment{{FileName: "a.txt", Content: []byte("hi")}}
	// A run_id is only assigned inside Create; verify no leftover ".tmp"
	// directories remain regardless of success.
	_, err := s.Create(sampleRequest(), nil, nil, badAttachment)
	require.NoError(t, err)

	entries, _ := os.ReadDir(s.root)
	for _, shard := range entries {
		shardEntries, _ := os.ReadDir(filepath.Join(s.root, shard.Name()))
		for _, e := range shardEntries {
			require.NotContains(t, e.Name(), ".tmp")
		}
	}
}

func TestLoadMissingRunIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("00000000-0000-4000-8000-000000000000")
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindNotFound, e.Kind)
}

func TestWriteStateEnforcesTransitions(t *testing.T) {
	s := newTestStore(t)
	runID, err := s.Create(sampleRequest(), nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.WriteState(runID, model.StateInitializing))
	require.NoError(t, s.WriteState(runID, model.StateRunning))

	// Backwards transition is rejected.
	err = s.WriteState(runID, model.StateQueued)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindConflict, e.Kind)

	require.NoError(t, s.WriteState(runID, model.StateComplete))

	// Double-write of the same terminal state is a no-op, not an error (R2).
	require.NoError(t, s.WriteState(runID, model.StateComplete))
}

func TestOpenOutputRejectsEscape(t *testing.T) {
	s := newTestStore(t)
	runID, err := s.Create(sampleRequest(), nil, nil, nil)
	require.NoError(t, err)

	outputsDir := filepath.Join(s.shard(runID), dirOutputs)
	require.NoError(t, os.WriteFile(filepath.Join(outputsDir, "result.txt"), []byte("ok"), 0o644))

	f, _, err := s.OpenOutput(runID, "result.txt")
	require.NoError(t, err)
	f.Close()

	_, _, err = s.OpenOutput(runID, "../run_request.json")
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindInvalidRequest, e.Kind)

	_, _, err = s.OpenOutput(runID, "..\\run_request.json")
	require.Error(t, err)
}

func TestListOutputsWalksRecursively(t *testing.T) {
	s := newTestStore(t)
	runID, err := s.Create(sampleRequest(), nil, nil, nil)
	require.NoError(t, err)

	outputsDir := filepath.Join(s.shard(runID), dirOutputs)
	require.NoError(t, os.MkdirAll(filepath.Join(outputsDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outputsDir, "sub", "a.txt"), []byte("a"), 0o644))

	files, err := s.ListOutputs(runID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "sub/a.txt", files[0].FileName)
}

func TestDeleteRemovesDirectory(t *testing.T) {
	s := newTestStore(t)
	runID, err := s.Create(sampleRequest(), nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(runID))
	require.False(t, s.Exists(runID))

	_, err = s.Load(runID)
	require.Error(t, err)
}
