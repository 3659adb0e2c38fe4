// Package runstore is the filesystem-as-truth layer (spec §4.1, C1): it owns
// the on-disk run directory layout, provides atomic single-file writes, and
// reconstructs a RunSummary purely from disk so GET /runs/{id} never has to
// trust the SQLite index.
package runstore

import (
	"path/filepath"
)

// Layout names every file and directory spec §3's on-disk contract requires,
// relative to a run directory root.
const (
	fileRunRequest    = "run_request.json"
	fileSapporoConfig = "sapporo_config.json"
	fileState         = "state.txt"
	fileStartTime     = "start_time.txt"
	fileEndTime       = "end_time.txt"
	fileExitCode      = "exit_code.txt"
	filePID           = "run.pid"
	fileStdout        = "stdout.log"
	fileStderr        = "stderr.log"
	fileCmd           = "cmd.txt"
	fileEngineParams  = "workflow_engine_params.txt"
	fileOutputsJSON   = "outputs.json"
	fileUsername      = "username.txt"
	fileSystemLogs    = "system_logs.json"
	fileROCrate       = "ro-crate-metadata.json"
	dirOutputs        = "outputs"
	dirExe            = "exe"
)

// Store manages run directories under a single root.
type Store struct {
	root string
}

// New returns a Store rooted at dir. dir must already exist.
func New(dir string) *Store {
	return &Store{root: filepath.Clean(dir)}
}

// Root returns the run-directory root.
func (s *Store) Root() string { return s.root }

// shard implements spec I5: run_id is the only externally exposed key; the
// id[:2]/id split is an internal sharding detail hidden behind this type.
func (s *Store) shard(runID string) string {
	prefix := runID
	if len(runID) >= 2 {
		prefix = runID[:2]
	}
	return filepath.Join(s.root, prefix, runID)
}

// DBPath is the global sapporo.db snapshot file, sibling to the sharded run
// directories, per spec §3.
func (s *Store) DBPath() string {
	return filepath.Join(s.root, "sapporo.db")
}
