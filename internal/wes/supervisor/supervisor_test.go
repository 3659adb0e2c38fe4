package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sapporo/internal/wes/model"
	"sapporo/internal/wes/runstore"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// dispatcherScript builds a run.sh stand-in that, like a real dispatcher,
// writes its own exit_code.txt, end_time.txt, and terminal state.txt before
// exiting (spec §4.4) -- Supervisor no longer writes any of these itself.
func dispatcherScript(t *testing.T, exitCode int, terminalState model.State) string {
	t.Helper()
	body := `run_id="$1"
root="$2"
shard=$(echo "$run_id" | cut -c1-2)
dir="$root/$shard/$run_id"
echo -n "` + strconv.Itoa(exitCode) + `" > "$dir/exit_code.txt"
date -u +%Y-%m-%dT%H:%M:%SZ > "$dir/end_time.txt"
echo -n "` + string(terminalState) + `" > "$dir/state.txt"
exit ` + strconv.Itoa(exitCode)
	return writeScript(t, body)
}

func newRun(t *testing.T, store *runstore.Store) string {
	t.Helper()
	runID, err := store.Create(&model.RunRequest{
		WorkflowType:   model.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/wf.cwl",
		WorkflowEngine: model.EngineCwltool,
	}, nil, json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	return runID
}

func TestDispatchRunsToCompletion(t *testing.T) {
	store := runstore.New(t.TempDir())
	runID := newRun(t, store)

	sv := New(store, dispatcherScript(t, 0, model.StateComplete))
	require.NoError(t, sv.Dispatch(runID))

	require.Eventually(t, func() bool {
		return store.CurrentState(runID) == model.StateComplete
	}, 3*time.Second, 20*time.Millisecond)
	summary, err := store.Load(runID)
	require.NoError(t, err)
	require.NotNil(t, summary.ExitCode)
	require.Equal(t, 0, *summary.ExitCode)
}

func TestDispatchRecordsExecutorErrorOnNonZeroExit(t *testing.T) {
	store := runstore.New(t.TempDir())
	runID := newRun(t, store)

	sv := New(store, dispatcherScript(t, 3, model.StateExecutorError))
	require.NoError(t, sv.Dispatch(runID))

	require.Eventually(t, func() bool {
		return store.CurrentState(runID) == model.StateExecutorError
	}, 3*time.Second, 20*time.Millisecond)
}

// TestWaitDoesNotOverwriteDispatcherWrittenTruthFiles guards spec §4.4's
// crash-survival contract: Supervisor must never overwrite exit_code.txt
// with its own idea of the child's exit status once the dispatcher has
// already recorded one (e.g. 138 for a signal-killed child, which
// exec.ExitError.ExitCode() cannot represent).
func TestWaitDoesNotOverwriteDispatcherWrittenTruthFiles(t *testing.T) {
	store := runstore.New(t.TempDir())
	runID := newRun(t, store)

	sv := New(store, dispatcherScript(t, 138, model.StateCanceled))
	require.NoError(t, sv.Dispatch(runID))

	require.Eventually(t, func() bool {
		return store.CurrentState(runID) == model.StateCanceled
	}, 3*time.Second, 20*time.Millisecond)

	summary, err := store.Load(runID)
	require.NoError(t, err)
	require.NotNil(t, summary.ExitCode)
	require.Equal(t, 138, *summary.ExitCode)
}

func TestCancelRejectsAlreadyTerminalRun(t *testing.T) {
	store := runstore.New(t.TempDir())
	runID := newRun(t, store)
	require.NoError(t, store.WriteState(runID, model.StateInitializing))
	require.NoError(t, store.WriteState(runID, model.StateRunning))
	require.NoError(t, store.WriteState(runID, model.StateComplete))

	sv := New(store, writeScript(t, "sleep 1"))
	err := sv.Cancel(runID)
	require.Error(t, err)
}

func TestIsAliveReflectsProcessState(t *testing.T) {
	require.True(t, IsAlive(os.Getpid()))
	require.False(t, IsAlive(0))
}
