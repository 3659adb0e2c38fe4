package rocrate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sapporo/internal/wes/model"
	"sapporo/internal/wes/runstore"
)

func newRun(t *testing.T, store *runstore.Store) string {
	t.Helper()
	runID, err := store.Create(&model.RunRequest{
		WorkflowType:   model.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/wf.cwl",
		WorkflowEngine: model.EngineCwltool,
	}, nil, nil, nil)
	require.NoError(t, err)
	return runID
}

func writeROCrate(t *testing.T, store *runstore.Store, runID string, content string) {
	t.Helper()
	dir := filepath.Dir(store.DBPath())
	_ = dir
	require.NoError(t, os.WriteFile(rocratePath(store, runID), []byte(content), 0o644))
}

func rocratePath(store *runstore.Store, runID string) string {
	// mirrors runstore's private sharding so the test can plant a file
	// without exporting internals for the sole benefit of a test.
	prefix := runID
	if len(runID) >= 2 {
		prefix = runID[:2]
	}
	return filepath.Join(store.Root(), prefix, runID, "ro-crate-metadata.json")
}

func TestReadMissingCrate(t *testing.T) {
	store := runstore.New(t.TempDir())
	runID := newRun(t, store)

	status, _, _, err := Read(store, runID)
	require.NoError(t, err)
	require.Equal(t, StatusMissing, status)
}

func TestReadFailedCrate(t *testing.T) {
	store := runstore.New(t.TempDir())
	runID := newRun(t, store)
	writeROCrate(t, store, runID, `{"@error": "workflow produced no outputs"}`)

	status, _, reason, err := Read(store, runID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
	require.Equal(t, "workflow produced no outputs", reason)
}

func TestReadReadyCrate(t *testing.T) {
	store := runstore.New(t.TempDir())
	runID := newRun(t, store)
	writeROCrate(t, store, runID, `{"@context": "https://w3id.org/ro/crate/1.1/context", "@graph": []}`)

	status, raw, _, err := Read(store, runID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, status)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Contains(t, decoded, "@graph")
}
