// Package indexer periodically rebuilds a SQLite snapshot of every run
// directory for scalable list queries, reconciles runs whose dispatcher
// died without recording a terminal state, and sweeps run directories past
// their retention window (spec §4.6, C5). The snapshot is purely a
// destroyable cache: RunStore, not sapporo.db, is the system of record
// (spec I1).
package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"sapporo/internal/wes/model"
	"sapporo/internal/wes/runstore"
	"sapporo/internal/wes/supervisor"
)

const (
	// DefaultInterval matches original_source/sapporo's default snapshot
	// cadence.
	DefaultInterval = 30 * time.Minute
	// MinInterval is the floor a configured --snapshot-interval is clamped
	// to, so a misconfigured operator can't turn this into a busy loop over
	// a potentially large run directory tree.
	MinInterval = time.Minute
)

// MetricsSink lets the Router observe Indexer activity without the Indexer
// importing anything about HTTP or Prometheus; server.Metrics implements
// these methods directly.
type MetricsSink interface {
	RecordRebuild(time.Duration)
	SetStateCounts(map[string]int)
	RecordReconciled(n int)
}

// Indexer owns the periodic rebuild loop.
type Indexer struct {
	store         *runstore.Store
	interval      time.Duration
	retentionDays int
	log           *slog.Logger
	metrics       MetricsSink
}

// New builds an Indexer. interval is clamped to MinInterval; retentionDays
// <= 0 disables the age-based cleanup sweep. metrics may be nil.
func New(store *runstore.Store, interval time.Duration, retentionDays int, log *slog.Logger, metrics MetricsSink) *Indexer {
	if interval < MinInterval {
		interval = MinInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{store: store, interval: interval, retentionDays: retentionDays, log: log, metrics: metrics}
}

// Run blocks, rebuilding the snapshot on every tick until ctx is canceled.
// It rebuilds once immediately so a freshly started service has a queryable
// snapshot before the first tick elapses.
func (ix *Indexer) Run(ctx context.Context) {
	ix.tick(ctx)

	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.tick(ctx)
		}
	}
}

func (ix *Indexer) tick(ctx context.Context) {
	ix.reconcileCrashed()

	start := time.Now()
	err := ix.rebuild()
	if err != nil {
		ix.log.Error("snapshot rebuild failed", "error", err)
	} else if ix.metrics != nil {
		ix.metrics.RecordRebuild(time.Since(start))
		if counts, cerr := stateCounts(ix.store.DBPath()); cerr == nil {
			ix.metrics.SetStateCounts(counts)
		}
	}

	if ix.retentionDays > 0 {
		ix.sweepExpired()
	}
}

// reconcileCrashed finds runs stuck in a non-terminal state whose recorded
// PID is no longer alive and marks them SYSTEM_ERROR (spec §4.6's
// crash-recovery rule: a dead dispatcher that never wrote a terminal state
// looks identical to a hung one from RunStore's point of view, so absence
// of the process is what breaks the tie).
func (ix *Indexer) reconcileCrashed() {
	ids, err := ix.store.ListRunIDs()
	if err != nil {
		ix.log.Error("list run ids for crash recovery", "error", err)
		return
	}
	reconciled := 0
	for _, id := range ids {
		state := ix.store.CurrentState(id)
		if state.Terminal() || state == model.StateQueued || state == model.StateUnknown {
			continue
		}
		pid, ok := ix.store.PID(id)
		if !ok || supervisor.IsAlive(pid) {
			continue
		}
		ix.log.Warn("dispatcher died without a terminal state, marking SYSTEM_ERROR", "run_id", id, "pid", pid)
		if err := ix.store.WriteState(id, model.StateSystemError); err != nil {
			ix.log.Error("crash recovery state write failed", "run_id", id, "error", err)
			continue
		}
		if err := ix.store.WriteExitCode(id, 1); err != nil {
			ix.log.Error("crash recovery exit code write failed", "run_id", id, "error", err)
		}
		ix.store.SystemLogsAppend(id, fmt.Sprintf("dispatcher process %d not found; marked SYSTEM_ERROR by crash recovery", pid))
		reconciled++
	}
	if reconciled > 0 && ix.metrics != nil {
		ix.metrics.RecordReconciled(reconciled)
	}
}

// sweepExpired deletes terminal run directories older than retentionDays.
func (ix *Indexer) sweepExpired() {
	ids, err := ix.store.ListRunIDs()
	if err != nil {
		ix.log.Error("list run ids for retention sweep", "error", err)
		return
	}
	cutoff := time.Now().AddDate(0, 0, -ix.retentionDays)
	for _, id := range ids {
		sum, err := ix.store.Load(id)
		if err != nil || !sum.State.Terminal() || sum.CreatedAt.After(cutoff) {
			continue
		}
		if err := ix.store.Delete(id); err != nil {
			ix.log.Error("retention sweep delete failed", "run_id", id, "error", err)
			continue
		}
		ix.log.Info("removed expired run directory", "run_id", id, "created_at", sum.CreatedAt)
	}
}

// rebuild writes a fresh snapshot to a temp file and atomically renames it
// over sapporo.db, so concurrent readers never observe a half-built index
// (mirrors RunStore's own staging-then-rename convention).
func (ix *Indexer) rebuild() error {
	tmpPath := ix.store.DBPath() + ".tmp"
	os.Remove(tmpPath)

	db, err := open(tmpPath)
	if err != nil {
		return fmt.Errorf("open snapshot db: %w", err)
	}

	if err := populate(db, ix.store); err != nil {
		db.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("populate snapshot: %w", err)
	}
	if err := db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close snapshot db: %w", err)
	}

	if err := os.Rename(tmpPath, ix.store.DBPath()); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	workflow_type TEXT,
	workflow_engine TEXT,
	username TEXT,
	tags TEXT,
	start_time TEXT,
	end_time TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE INDEX IF NOT EXISTS idx_runs_username ON runs(username);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`
