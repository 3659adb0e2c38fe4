package runstore

import (
	"os"

	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
)

// Delete transitions a run to DELETING and physically removes its
// directory. The DELETED state is never written to disk (there is no disk
// left to write it on) — it exists only in the index, per spec §3's
// Destroy lifecycle.
//
// Deletion of an in-flight run is allowed but not recommended (spec §9,
// Open Question c): it kills nothing. A supervised dispatcher that later
// tries to write to a deleted run directory will simply find it gone; that
// race is accepted by design.
func (s *Store) Delete(runID string) error {
	if !s.Exists(runID) {
		return apierr.New(apierr.KindNotFound, "run not found")
	}
	if err := s.WriteState(runID, model.StateDeleting); err != nil {
		if e, ok := apierr.As(err); !ok || e.Kind != apierr.KindConflict {
			return err
		}
		// A CONFLICT here means the current state (UNKNOWN, PAUSED or
		// PREEMPTED) has no transition to DELETING; deletion proceeds
		// regardless.
	}
	if err := os.RemoveAll(s.shard(runID)); err != nil {
		return apierr.Wrap(apierr.KindStorageIO, "remove run directory", err)
	}
	return nil
}
