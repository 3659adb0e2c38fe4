package indexer

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sapporo/internal/wes/model"
)

// ListQuery is GET /runs's filter set (spec §6.1): all fields are optional
// and combine with AND.
type ListQuery struct {
	States   []model.State
	RunIDs   []string
	Tags     map[string]string
	Username string
	PageSize int
	// SortOrder is "asc" or "desc" (default) by start_time, falling back to
	// created_at for runs that haven't started yet (spec §6.1).
	SortOrder string
	// PageToken resumes after the row it encodes, in the same order as
	// SortOrder. It carries both the ORDER BY sort key
	// (COALESCE(start_time, created_at)) and the run_id tiebreak — a cursor
	// on run_id alone doesn't match what the query is actually sorted by,
	// and can skip or duplicate rows across pages once two runs share a
	// start_time/created_at.
	PageToken string
}

// ListResult is one page of RunSummary-shaped rows plus the next cursor and
// the total count of runs matching every filter except Tags (tags are
// matched in Go against a JSON column, so an exact total would require
// scanning every row; this is an accepted approximation for a value that is
// purely informational).
type ListResult struct {
	Runs          []model.RunSummary
	NextPageToken string
	TotalRuns     int
}

// QueryRuns opens the read-only snapshot at dbPath and runs a filtered,
// paginated scan. Opening the database fresh per query (rather than holding
// a long-lived handle) keeps this safe against the Indexer's rename-based
// snapshot swap: a query either sees the old file or the new one, never a
// half-written one.
func QueryRuns(dbPath string, q ListQuery) (*ListResult, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro&immutable=0")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	pageSize := q.PageSize
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 100
	}

	var where []string
	var args []interface{}

	if len(q.States) > 0 {
		placeholders := make([]string, len(q.States))
		for i, s := range q.States {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ",")+")")
	}
	if len(q.RunIDs) > 0 {
		placeholders := make([]string, len(q.RunIDs))
		for i, id := range q.RunIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, "run_id IN ("+strings.Join(placeholders, ",")+")")
	}
	if q.Username != "" {
		where = append(where, "username = ?")
		args = append(args, q.Username)
	}
	var total int
	countQuery := "SELECT COUNT(*) FROM runs"
	if len(where) > 0 {
		countQuery += " WHERE " + strings.Join(where, " AND ")
	}
	if err := db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	dir := "DESC"
	cmp := "<"
	if strings.EqualFold(q.SortOrder, "asc") {
		dir = "ASC"
		cmp = ">"
	}
	if q.PageToken != "" {
		if sortKey, runID, ok := decodePageToken(q.PageToken); ok {
			where = append(where, fmt.Sprintf(
				"(COALESCE(start_time, created_at) %s ? OR (COALESCE(start_time, created_at) = ? AND run_id %s ?))",
				cmp, cmp))
			args = append(args, sortKey, sortKey, runID)
		}
	}

	query := "SELECT run_id, state, workflow_type, workflow_engine, username, tags, start_time, end_time, created_at, COALESCE(start_time, created_at) AS sort_key FROM runs"
	if len(where) > 0 {
		query = "SELECT run_id, state, workflow_type, workflow_engine, username, tags, start_time, end_time, created_at, COALESCE(start_time, created_at) AS sort_key FROM runs WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY sort_key %s, run_id %s LIMIT ?", dir, dir)
	args = append(args, pageSize+1)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var summaries []model.RunSummary
	var sortKeys []string
	for rows.Next() {
		var (
			runID, state, workflowType, workflowEngine, tagsJSON, createdAt, sortKey string
			username, startTime, endTime                                            sql.NullString
		)
		if err := rows.Scan(&runID, &state, &workflowType, &workflowEngine, &username, &tagsJSON, &startTime, &endTime, &createdAt, &sortKey); err != nil {
			return nil, err
		}
		var tags map[string]string
		_ = json.Unmarshal([]byte(tagsJSON), &tags)
		if len(q.Tags) > 0 && !tagsMatch(tags, q.Tags) {
			continue
		}

		sum := model.RunSummary{RunID: runID, State: model.State(state), Tags: tags}
		if username.Valid {
			u := username.String
			sum.Username = &u
		}
		if startTime.Valid {
			if t, ok := parseTimestamp(startTime.String); ok {
				sum.StartTime = &t
			}
		}
		if endTime.Valid {
			if t, ok := parseTimestamp(endTime.String); ok {
				sum.EndTime = &t
			}
		}
		if t, ok := parseTimestamp(createdAt); ok {
			sum.CreatedAt = t
		}
		summaries = append(summaries, sum)
		sortKeys = append(sortKeys, sortKey)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &ListResult{Runs: summaries, TotalRuns: total}
	if len(summaries) > pageSize {
		result.Runs = summaries[:pageSize]
		result.NextPageToken = encodePageToken(sortKeys[pageSize-1], summaries[pageSize-1].RunID)
	}
	return result, nil
}

// encodePageToken and decodePageToken pack the ORDER BY sort key (spec §6.1)
// alongside its run_id tiebreak into one opaque cursor, so a page boundary
// that falls in the middle of a run of equal start_time/created_at values
// resumes at the exact row rather than skipping or repeating its neighbors.
func encodePageToken(sortKey, runID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sortKey + "\x00" + runID))
}

func decodePageToken(token string) (sortKey, runID string, ok bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(raw), "\x00", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// stateCounts returns a count of runs per state from the current snapshot,
// for ServiceInfo.SystemStateCounts and the runs_by_state gauge.
func stateCounts(dbPath string) (map[string]int, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro&immutable=0")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query("SELECT state, COUNT(*) FROM runs GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// StateCounts is stateCounts's exported form, for the Router's
// GET /service-info handler.
func StateCounts(dbPath string) (map[string]int, error) {
	return stateCounts(dbPath)
}

func tagsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func parseTimestamp(s string) (time.Time, bool) {
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}
