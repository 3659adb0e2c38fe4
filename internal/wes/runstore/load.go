package runstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
)

// Exists reports whether a run directory is currently visible on disk.
func (s *Store) Exists(runID string) bool {
	info, err := os.Stat(s.shard(runID))
	return err == nil && info.IsDir()
}

// Load reconstructs a RunSummary purely from disk (spec I1): missing files
// map to null fields except state.txt, whose absence means UNKNOWN. For a
// directory that exists, Load fails only when a file cannot be read or
// run_request.json cannot be parsed.
func (s *Store) Load(runID string) (*model.RunSummary, error) {
	dir := s.shard(runID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, apierr.New(apierr.KindNotFound, "run not found")
	}

	sum := &model.RunSummary{RunID: runID, State: model.StateUnknown}

	if raw, ok, err := readFileTrim(filepath.Join(dir, fileState)); err != nil {
		return nil, err
	} else if ok && raw != "" {
		sum.State = model.State(raw)
	}

	if raw, ok, err := s.readRunRequest(dir); err != nil {
		return nil, err
	} else if ok {
		sum.Request = raw
		sum.Tags = raw.Tags
	}

	if raw, ok, err := readFileTrim(filepath.Join(dir, fileUsername)); err != nil {
		return nil, err
	} else if ok {
		u := raw
		sum.Username = &u
	}

	if t, ok, err := readTime(filepath.Join(dir, fileStartTime)); err != nil {
		return nil, err
	} else if ok {
		sum.StartTime = &t
	}

	if t, ok, err := readTime(filepath.Join(dir, fileEndTime)); err != nil {
		return nil, err
	} else if ok {
		sum.EndTime = &t
	}

	if raw, ok, err := readFileTrim(filepath.Join(dir, fileExitCode)); err != nil {
		return nil, err
	} else if ok {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			sum.ExitCode = &n
		}
	}

	if info, err := os.Stat(dir); err == nil {
		sum.CreatedAt = info.ModTime()
	}

	return sum, nil
}

func (s *Store) readRunRequest(dir string) (*model.RunRequest, bool, error) {
	raw, ok, err := readFileRaw(filepath.Join(dir, fileRunRequest))
	if err != nil || !ok {
		return nil, ok, err
	}
	var req model.RunRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, true, apierr.Wrap(apierr.KindStorageIO, "parse run_request.json", err)
	}
	return &req, true, nil
}

func readFileRaw(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, apierr.Wrap(apierr.KindStorageIO, "read "+path, err)
	}
	return data, true, nil
}

func readTime(path string) (time.Time, bool, error) {
	raw, ok, err := readFileTrim(path)
	if err != nil || !ok || raw == "" {
		return time.Time{}, false, err
	}
	t, parseErr := time.Parse(time.RFC3339, raw)
	if parseErr != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// PID reads run.pid, returning (0, false) if the supervisor never recorded
// one (e.g. QUEUED runs).
func (s *Store) PID(runID string) (int, bool) {
	raw, ok, err := readFileTrim(filepath.Join(s.shard(runID), filePID))
	if err != nil || !ok || raw == "" {
		return 0, false
	}
	pid, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return 0, false
	}
	return pid, true
}

// ReadROCrate returns the raw bytes of ro-crate-metadata.json, or nil if the
// dispatcher has not written one yet.
func (s *Store) ReadROCrate(runID string) ([]byte, error) {
	if !s.Exists(runID) {
		return nil, apierr.New(apierr.KindNotFound, "run not found")
	}
	raw, ok, err := readFileRaw(filepath.Join(s.shard(runID), fileROCrate))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return raw, nil
}

// SystemLogsAppend merges extra fields into system_logs.json (best effort;
// failures here never fail the caller's primary operation).
func (s *Store) SystemLogsAppend(runID string, note string) {
	path := filepath.Join(s.shard(runID), fileSystemLogs)
	existing := map[string]interface{}{}
	if raw, ok, _ := readFileRaw(path); ok {
		_ = json.Unmarshal(raw, &existing)
	}
	events, _ := existing["events"].([]interface{})
	events = append(events, note)
	existing["events"] = events
	existing["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return
	}
	_ = atomicWriteFile(path, out, 0o644)
}
