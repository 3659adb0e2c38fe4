package runstore

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
)

// ListOutputs walks outputs/ recursively and returns relative, forward-slash
// paths (spec §4.1, P1: every entry is reachable strictly under outputs/).
// It prefers the outputs.json manifest written by the dispatcher when
// present, falling back to a live filesystem walk otherwise.
func (s *Store) ListOutputs(runID string) ([]model.FileObject, error) {
	dir := s.shard(runID)
	if _, err := os.Stat(dir); err != nil {
		return nil, apierr.New(apierr.KindNotFound, "run not found")
	}

	if raw, ok, err := readFileRaw(filepath.Join(dir, fileOutputsJSON)); err != nil {
		return nil, err
	} else if ok {
		var manifest []model.FileObject
		if err := json.Unmarshal(raw, &manifest); err == nil {
			return manifest, nil
		}
	}

	outputsDir := filepath.Join(dir, dirOutputs)
	var files []model.FileObject
	err := filepath.Walk(outputsDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(outputsDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		files = append(files, model.FileObject{FileName: rel, FileURL: rel})
		return nil
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStorageIO, "walk outputs dir", err)
	}
	return files, nil
}

// OpenOutput opens a file strictly within outputs/, rejecting any relpath
// that contains a ".." segment, a backslash, or resolves outside outputs/
// (spec §4.1, I4, B2).
func (s *Store) OpenOutput(runID, relpath string) (io.ReadCloser, os.FileInfo, error) {
	if err := ValidateOutputRelpath(relpath); err != nil {
		return nil, nil, err
	}

	outputsDir := filepath.Join(s.shard(runID), dirOutputs)
	target := filepath.Join(outputsDir, filepath.FromSlash(relpath))

	absOutputs, err := filepath.Abs(outputsDir)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindInternal, "resolve outputs dir", err)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindInternal, "resolve output path", err)
	}
	if absTarget != absOutputs && !strings.HasPrefix(absTarget, absOutputs+string(os.PathSeparator)) {
		return nil, nil, apierr.New(apierr.KindInvalidRequest, "path escapes outputs directory")
	}

	f, err := os.Open(absTarget)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, apierr.New(apierr.KindNotFound, "output not found")
		}
		return nil, nil, apierr.Wrap(apierr.KindStorageIO, "open output", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, apierr.Wrap(apierr.KindStorageIO, "stat output", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, apierr.New(apierr.KindInvalidRequest, "path is a directory")
	}
	return f, info, nil
}

// ValidateOutputRelpath enforces spec §4.1's OpenOutput safety rule
// independent of any particular Store, so handlers can reject bad input
// before touching disk.
func ValidateOutputRelpath(relpath string) error {
	if relpath == "" {
		return apierr.New(apierr.KindInvalidRequest, "empty path")
	}
	if strings.Contains(relpath, "\\") {
		return apierr.New(apierr.KindInvalidRequest, "backslashes are not allowed in path")
	}
	clean := filepath.ToSlash(filepath.Clean(relpath))
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
		return apierr.New(apierr.KindInvalidRequest, "path escapes outputs directory")
	}
	for _, seg := range strings.Split(relpath, "/") {
		if seg == ".." {
			return apierr.New(apierr.KindInvalidRequest, "path escapes outputs directory")
		}
	}
	return nil
}
