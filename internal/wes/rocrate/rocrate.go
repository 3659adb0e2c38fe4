// Package rocrate reads the RO-Crate metadata document a dispatcher writes
// alongside a run's outputs. Generating ro-crate-metadata.json is the
// dispatcher's job (an external collaborator invoked by the run.sh script,
// spec §4.4); this package only knows how to read it back and report
// whether generation succeeded.
package rocrate

import (
	"encoding/json"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/runstore"
)

// ErrorMarker is the sentinel shape a dispatcher writes to
// ro-crate-metadata.json when RO-Crate generation itself failed, so a
// consumer can distinguish "no crate yet" from "crate generation failed"
// without inspecting dispatcher logs (spec §4.4).
type ErrorMarker struct {
	Error string `json:"@error"`
}

// Status describes what, if anything, is available for a run's RO-Crate.
type Status int

const (
	// StatusMissing means the dispatcher has not written the document yet
	// (the run may still be in progress).
	StatusMissing Status = iota
	// StatusFailed means the document exists but is an ErrorMarker.
	StatusFailed
	// StatusReady means a full RO-Crate metadata document is available.
	StatusReady
)

// Read loads a run's RO-Crate metadata document, classifying its state
// before the caller has to parse it as a full crate.
func Read(store *runstore.Store, runID string) (Status, json.RawMessage, string, error) {
	raw, err := store.ReadROCrate(runID)
	if err != nil {
		if e, ok := apierr.As(err); ok && e.Kind == apierr.KindNotFound {
			return StatusMissing, nil, "", nil
		}
		return StatusMissing, nil, "", err
	}
	if raw == nil {
		return StatusMissing, nil, "", nil
	}

	var marker ErrorMarker
	if err := json.Unmarshal(raw, &marker); err == nil && marker.Error != "" {
		return StatusFailed, raw, marker.Error, nil
	}
	return StatusReady, raw, "", nil
}
