// Package supervisor forks the per-run dispatcher script, tracks its
// process group, and arbitrates cancellation against the state machine
// (spec §4.4, C4). The dispatcher itself is an external script the operator
// supplies (--run-sh); this package only starts it, watches it, and signals
// it — it never interprets workflow engine output.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"sapporo/internal/platform/objstore"
	"sapporo/internal/wes/apierr"
	"sapporo/internal/wes/model"
	"sapporo/internal/wes/runstore"
)

// Supervisor owns the in-memory table of live dispatcher processes. Its
// state is a cache: after a restart the table is empty and every run's
// liveness is judged solely from disk (run.pid + a process check), per
// spec I1.
type Supervisor struct {
	store    *runstore.Store
	runSh    string
	archiver *objstore.Archiver

	mu    sync.Mutex
	procs map[string]*os.Process
}

// New builds a Supervisor that launches runSh (spec §4.4's run.sh contract)
// for every dispatched run.
func New(store *runstore.Store, runSh string) *Supervisor {
	return &Supervisor{
		store: store,
		runSh: runSh,
		procs: make(map[string]*os.Process),
	}
}

// SetArchiver enables best-effort archival of a run's outputs and RO-Crate
// document to S3-compatible storage once it reaches a terminal state that
// produced artifacts. A nil archiver (the default) disables this entirely.
func (sv *Supervisor) SetArchiver(a *objstore.Archiver) {
	sv.archiver = a
}

// Dispatch starts the dispatcher script for a queued run and returns once
// the process has been forked; it does not wait for completion. The child
// runs in its own process group so cancellation can signal the whole group,
// not just the immediate child (spec §4.4, matching cwltool/nextflow's habit
// of spawning their own grandchildren).
func (sv *Supervisor) Dispatch(runID string) error {
	if sv.store.CurrentState(runID) == model.StateCanceling {
		return apierr.New(apierr.KindConflict, "run was canceled before dispatch")
	}
	cmd := exec.Command(sv.runSh, runID, sv.store.Root())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = sv.store.WriteState(runID, model.StateSystemError)
		sv.store.SystemLogsAppend(runID, fmt.Sprintf("failed to start dispatcher: %v", err))
		return apierr.Wrap(apierr.KindInternal, "start dispatcher", err)
	}

	if err := sv.store.WritePID(runID, cmd.Process.Pid); err != nil {
		return apierr.Wrap(apierr.KindStorageIO, "record dispatcher pid", err)
	}
	if err := sv.store.WriteState(runID, model.StateInitializing); err != nil {
		return err
	}

	sv.mu.Lock()
	sv.procs[runID] = cmd.Process
	sv.mu.Unlock()

	go sv.wait(runID, cmd)
	return nil
}

// wait blocks on the child so Supervisor knows when to drop it from procs
// and whether to archive its outputs. It never writes exit_code.txt,
// end_time.txt, or the terminal state.txt: those belong exclusively to the
// dispatcher (spec §4.4, §6.4 step 4), because they have to survive this
// process dying before the child does. By the time cmd.Wait() returns, the
// dispatcher has already written its own terminal state; Supervisor only
// reads it back.
func (sv *Supervisor) wait(runID string, cmd *exec.Cmd) {
	_ = cmd.Wait()

	sv.mu.Lock()
	delete(sv.procs, runID)
	sv.mu.Unlock()

	current := sv.store.CurrentState(runID)
	if current == model.StateComplete || current == model.StateExecutorError {
		sv.archiveOutputs(runID)
	}
}

// archiveOutputs mirrors a completed run's outputs and RO-Crate document to
// the optional archive bucket. Failures are recorded in system_logs.json
// rather than affecting the run's own terminal state: archiving is a
// durability convenience layered on top of the filesystem, never a
// replacement for it (spec I1, I6).
func (sv *Supervisor) archiveOutputs(runID string) {
	if sv.archiver == nil {
		return
	}
	ctx := context.Background()
	if err := sv.archiver.EnsureBucket(ctx); err != nil {
		sv.store.SystemLogsAppend(runID, fmt.Sprintf("archive: ensure bucket: %v", err))
		return
	}

	files, err := sv.store.ListOutputs(runID)
	if err != nil {
		sv.store.SystemLogsAppend(runID, fmt.Sprintf("archive: list outputs: %v", err))
		return
	}
	for _, f := range files {
		rc, info, err := sv.store.OpenOutput(runID, f.FileName)
		if err != nil {
			sv.store.SystemLogsAppend(runID, fmt.Sprintf("archive: open %s: %v", f.FileName, err))
			continue
		}
		err = sv.archiver.ArchiveObject(ctx, runID, f.FileName, rc, info.Size(), "")
		rc.Close()
		if err != nil {
			sv.store.SystemLogsAppend(runID, fmt.Sprintf("archive: upload %s: %v", f.FileName, err))
		}
	}

	if raw, err := sv.store.ReadROCrate(runID); err == nil && raw != nil {
		if err := sv.archiver.ArchiveObject(ctx, runID, "ro-crate-metadata.json", bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
			sv.store.SystemLogsAppend(runID, fmt.Sprintf("archive: upload ro-crate-metadata.json: %v", err))
		}
	}
}

// Cancel arbitrates the cancellation race (spec §4.3's CANCELING rule): it
// writes CANCELING only if the run has not already reached a terminal
// state, then signals the process group so the dispatcher can shut down its
// workflow engine cooperatively.
func (sv *Supervisor) Cancel(runID string) error {
	current := sv.store.CurrentState(runID)
	if current.Terminal() {
		return apierr.New(apierr.KindConflict, "run has already reached a terminal state")
	}
	if err := sv.store.WriteState(runID, model.StateCanceling); err != nil {
		return err
	}

	pid, ok := sv.store.PID(runID)
	if !ok {
		// Nothing was ever dispatched (still QUEUED); CANCELING alone is
		// enough for the next dispatch attempt to refuse to start.
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGUSR1); err != nil && err != syscall.ESRCH {
		return apierr.Wrap(apierr.KindInternal, "signal dispatcher process group", err)
	}
	return nil
}

// IsAlive reports whether the OS still has a process at pid. Used by the
// Indexer's crash-recovery sweep (spec §4.6) to detect a dispatcher that
// died without writing a terminal state.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Shutdown waits up to timeout for in-flight dispatchers to exit on their
// own; it does not kill them. Runs still executing when timeout elapses are
// left running, to be reconciled by the Indexer on the next process's
// startup crash-recovery sweep.
func (sv *Supervisor) Shutdown(ctx context.Context) {
	deadline := time.Now().Add(shutdownGrace)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for time.Now().Before(deadline) {
		sv.mu.Lock()
		n := len(sv.procs)
		sv.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

const shutdownGrace = 30 * time.Second
