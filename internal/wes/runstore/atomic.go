package runstore

import (
	"fmt"
	"os"
	"path/filepath"

	"sapporo/internal/wes/apierr"
)

// atomicWriteFile writes data to path via a sibling temp file plus rename,
// so a reader never observes a partially written file (spec I2, I4).
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return apierr.Wrap(apierr.KindStorageIO, "create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.KindStorageIO, "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return apierr.Wrap(apierr.KindStorageIO, "close temp file", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return apierr.Wrap(apierr.KindStorageIO, "chmod temp file", err)
	}

	// EEXIST rename races are retried once (spec §7 propagation policy).
	if err := os.Rename(tmpName, path); err != nil {
		if os.IsExist(err) {
			if err2 := os.Rename(tmpName, path); err2 != nil {
				return apierr.Wrap(apierr.KindStorageIO, "rename temp file", err2)
			}
			return nil
		}
		return apierr.Wrap(apierr.KindStorageIO, "rename temp file", err)
	}
	return nil
}

// readFileTrim reads a file and trims trailing whitespace, returning
// ("", false, nil) when the file does not exist — RunStore.Load treats a
// missing file as a null field, not an error (spec §4.1).
func readFileTrim(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, apierr.Wrap(apierr.KindStorageIO, fmt.Sprintf("read %s", path), err)
	}
	return trimTrailing(data), true, nil
}

func trimTrailing(b []byte) string {
	i := len(b)
	for i > 0 {
		c := b[i-1]
		if c == ' ' || c == '\n' || c == '\r' || c == '\t' {
			i--
			continue
		}
		break
	}
	return string(b[:i])
}
