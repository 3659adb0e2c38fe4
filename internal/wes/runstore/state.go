package runstore

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
	"sapporo/internal/wes/statemachine"
)

// runLocks serializes state.txt writes for a given run_id (spec §5): between
// two different runs no ordering is implied, but within one run, writers
// must not interleave.
var runLocks sync.Map // map[string]*sync.Mutex

func lockFor(runID string) *sync.Mutex {
	v, _ := runLocks.LoadOrStore(runID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// WriteState atomically replaces state.txt after checking the transition is
// legal (spec §4.3). A forbidden transition is a no-op that returns a
// CONFLICT error; a same-state write is a no-op that returns nil (R2).
func (s *Store) WriteState(runID string, target model.State) error {
	mu := lockFor(runID)
	mu.Lock()
	defer mu.Unlock()

	dir := s.shard(runID)
	if _, err := os.Stat(dir); err != nil {
		return apierr.New(apierr.KindNotFound, "run not found")
	}

	current := model.StateUnknown
	if raw, ok, err := readFileTrim(filepath.Join(dir, fileState)); err != nil {
		return err
	} else if ok && raw != "" {
		current = model.State(raw)
	}

	switch statemachine.Attempt(current, target) {
	case statemachine.NoOp:
		return nil
	case statemachine.Rejected:
		return apierr.New(apierr.KindConflict, "illegal state transition "+string(current)+" -> "+string(target))
	}

	return atomicWriteFile(filepath.Join(dir, fileState), []byte(string(target)), 0o644)
}

// CurrentState reads state.txt without taking the write lock (safe for
// concurrent reads; spec I1/I2).
func (s *Store) CurrentState(runID string) model.State {
	raw, ok, err := readFileTrim(filepath.Join(s.shard(runID), fileState))
	if err != nil || !ok || raw == "" {
		return model.StateUnknown
	}
	return model.State(raw)
}

// WritePID records the supervisor's child PID.
func (s *Store) WritePID(runID string, pid int) error {
	return atomicWriteFile(filepath.Join(s.shard(runID), filePID), []byte(strconv.Itoa(pid)), 0o644)
}

// WriteStartTime records when the dispatcher began executing the workflow.
func (s *Store) WriteStartTime(runID string, t time.Time) error {
	return atomicWriteFile(filepath.Join(s.shard(runID), fileStartTime), []byte(t.UTC().Format(time.RFC3339)), 0o644)
}

// WriteEndTime records when the dispatcher process exited.
func (s *Store) WriteEndTime(runID string, t time.Time) error {
	return atomicWriteFile(filepath.Join(s.shard(runID), fileEndTime), []byte(t.UTC().Format(time.RFC3339)), 0o644)
}

// WriteExitCode records the dispatcher process's exit code.
func (s *Store) WriteExitCode(runID string, code int) error {
	return atomicWriteFile(filepath.Join(s.shard(runID), fileExitCode), []byte(strconv.Itoa(code)), 0o644)
}
