package indexer

import (
	"database/sql"
	"encoding/json"

	"sapporo/internal/wes/runstore"
)

func populate(db *sql.DB, store *runstore.Store) error {
	ids, err := store.ListRunIDs()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO runs
		(run_id, state, workflow_type, workflow_engine, username, tags, start_time, end_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		sum, loadErr := store.Load(id)
		if loadErr != nil {
			continue // a run mid-delete or mid-create races the sweep; skip it this cycle
		}

		var workflowType, workflowEngine string
		if sum.Request != nil {
			workflowType = string(sum.Request.WorkflowType)
			workflowEngine = string(sum.Request.WorkflowEngine)
		}
		var username interface{}
		if sum.Username != nil {
			username = *sum.Username
		}
		tagsJSON, _ := json.Marshal(sum.Tags)
		var startTime, endTime interface{}
		if sum.StartTime != nil {
			startTime = sum.StartTime.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		if sum.EndTime != nil {
			endTime = sum.EndTime.UTC().Format("2006-01-02T15:04:05Z07:00")
		}

		if _, err := stmt.Exec(
			sum.RunID, string(sum.State), workflowType, workflowEngine, username,
			string(tagsJSON), startTime, endTime, sum.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}
