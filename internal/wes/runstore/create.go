package runstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
)

// Attachment is a workflow_attachment entry with its bytes already resolved
// (read from the multipart part or fetched from workflow_attachment_obj by
// the caller); RunStore only ever writes bytes it is handed, it never
// performs network IO (spec §4.1's "all operations are local").
type Attachment struct {
	FileName string
	Content  []byte
}

// minFreeBytes is the disk-space floor below which Create refuses to write
// anything (spec §4.1 STORAGE_FULL; behavior grounded on
// original_source/sapporo/run_io.py's pre-flight space check).
const minFreeBytes = 64 * 1024 * 1024

// Create allocates a UUIDv4 run_id, materializes the full directory contract
// of spec §3 under a .tmp-suffixed staging name, and atomically renames it
// into place. On any failure the staging directory is removed and no
// partial run is ever visible under the public sharded path (spec P4).
func (s *Store) Create(req *model.RunRequest, username *string, workflowParams json.RawMessage, attachments []Attachment) (string, error) {
	if err := checkFreeSpace(s.root); err != nil {
		return "", err
	}

	runID := uuid.New().String()
	final := s.shard(runID)
	staging := final + ".tmp"

	if err := os.RemoveAll(staging); err != nil {
		return "", apierr.Wrap(apierr.KindStorageIO, "clear stale staging dir", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", apierr.Wrap(apierr.KindStorageIO, "create staging dir", err)
	}
	// Roll back on any error from here on: nothing must become visible under
	// the public sharded path unless every write below succeeds.
	ok := false
	defer func() {
		if !ok {
			os.RemoveAll(staging)
		}
	}()

	if err := os.MkdirAll(filepath.Join(staging, dirOutputs), 0o755); err != nil {
		return "", apierr.Wrap(apierr.KindStorageIO, "create outputs dir", err)
	}
	if err := os.MkdirAll(filepath.Join(staging, dirExe), 0o755); err != nil {
		return "", apierr.Wrap(apierr.KindStorageIO, "create exe dir", err)
	}

	reqBytes, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "marshal run_request.json", err)
	}
	if err := writeStaged(staging, fileRunRequest, reqBytes); err != nil {
		return "", err
	}

	if len(workflowParams) > 0 {
		if err := writeStaged(filepath.Join(staging, dirExe), "workflow_params.json", workflowParams); err != nil {
			return "", err
		}
	}

	for _, a := range attachments {
		dest := filepath.Join(staging, dirExe, filepath.FromSlash(a.FileName))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", apierr.Wrap(apierr.KindStorageIO, "create attachment parent dir", err)
		}
		if err := writeFileAt(dest, a.Content); err != nil {
			return "", err
		}
	}

	if err := writeStaged(staging, fileState, []byte(string(model.StateQueued))); err != nil {
		return "", err
	}

	if username != nil {
		if err := writeStaged(staging, fileUsername, []byte(*username)); err != nil {
			return "", err
		}
	}

	sysLogs, _ := json.Marshal(map[string]interface{}{
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"events":     []string{"run created"},
	})
	if err := writeStaged(staging, fileSystemLogs, sysLogs); err != nil {
		return "", err
	}

	if err := os.Rename(staging, final); err != nil {
		return "", apierr.Wrap(apierr.KindStorageIO, "publish run dir", err)
	}
	ok = true
	return runID, nil
}

func writeStaged(dir, name string, content []byte) error {
	return writeFileAt(filepath.Join(dir, name), content)
}

// writeFileAt writes directly (no rename dance) since the whole staging
// directory is invisible under its .tmp name until the final rename; the
// atomicity guarantee comes from that directory-level rename, not from each
// individual file write during Create.
func writeFileAt(path string, content []byte) error {
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return apierr.Wrap(apierr.KindStorageIO, "write "+filepath.Base(path), err)
	}
	return nil
}

func checkFreeSpace(dir string) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		// Best-effort: if we can't stat the filesystem, don't block run
		// creation on it.
		return nil
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < minFreeBytes {
		return apierr.New(apierr.KindStorageFull, "insufficient disk space to create run directory")
	}
	return nil
}
