package stats

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/cubewise-code/rushti/internal/model"
)

// Store is the durable per-task-signature execution history, backed by
// SQLite. Schema is grounded directly on rushti/stats.py's StatsDatabase
// (runs + task_results tables, same column set, same WAL pragma).
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the stats database at path. An empty
// path opens an in-memory database, used by tests.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "opening stats database")
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			taskfile_path TEXT,
			start_time TEXT NOT NULL,
			end_time TEXT,
			duration_seconds REAL,
			max_workers INTEGER,
			total INTEGER,
			succeeded INTEGER,
			failed INTEGER,
			skipped INTEGER,
			cancelled INTEGER
		);
		CREATE TABLE IF NOT EXISTS task_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			workflow TEXT,
			task_id TEXT NOT NULL,
			task_signature TEXT NOT NULL,
			instance TEXT NOT NULL,
			process TEXT NOT NULL,
			parameters TEXT,
			status TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			duration_seconds REAL NOT NULL,
			attempts INTEGER DEFAULT 0,
			error_kind TEXT,
			error_message TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_task_results_signature ON task_results(task_signature);
		CREATE INDEX IF NOT EXISTS idx_task_results_start_time ON task_results(start_time);
		CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow);
	`)
	if err != nil {
		return errors.Wrap(err, "creating stats schema")
	}
	return nil
}

// AppendRun writes one row per Run, per spec §4.7.
func (s *Store) AppendRun(r model.Run, taskfilePath string) error {
	var endTime interface{}
	var duration interface{}
	if !r.FinishedAt.IsZero() {
		endTime = r.FinishedAt.Format(time.RFC3339Nano)
		duration = r.FinishedAt.Sub(r.StartedAt).Seconds()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, workflow, taskfile_path, start_time, end_time, duration_seconds, max_workers, total, succeeded, failed, skipped, cancelled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET end_time=excluded.end_time, duration_seconds=excluded.duration_seconds,
			total=excluded.total, succeeded=excluded.succeeded, failed=excluded.failed, skipped=excluded.skipped, cancelled=excluded.cancelled
	`, r.RunID, r.Workflow, taskfilePath, r.StartedAt.Format(time.RFC3339Nano), endTime, duration,
		r.MaxWorkers, r.Total, r.Succeeded, r.Failed, r.Skipped, r.Cancelled)
	return errors.Wrap(err, "appending run record")
}

// AppendTask writes one row per (Run, Task), per spec §4.7.
func (s *Store) AppendTask(runID, workflow string, t model.Task, rec model.TaskResultRecord) error {
	paramsJSON, err := t.MarshalParametersJSON()
	if err != nil {
		return errors.Wrap(err, "marshaling task parameters")
	}
	duration := rec.Finish.Sub(rec.Start).Seconds()
	_, err = s.db.Exec(`
		INSERT INTO task_results (run_id, workflow, task_id, task_signature, instance, process, parameters, status, start_time, end_time, duration_seconds, attempts, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, workflow, rec.TaskID, rec.Signature, rec.Instance, rec.Process, string(paramsJSON),
		rec.Status.String(), rec.Start.Format(time.RFC3339Nano), rec.Finish.Format(time.RFC3339Nano),
		duration, rec.Attempts, rec.ErrorKind, rec.ErrorMessage)
	return errors.Wrap(err, "appending task record")
}

// Recent returns the last k durations (seconds) for a signature,
// most-recent first, restricted to successful observations.
func (s *Store) Recent(signature string, k int) ([]Observation, error) {
	rows, err := s.db.Query(`
		SELECT duration_seconds, start_time FROM task_results
		WHERE task_signature = ? AND status = 'SUCCEEDED'
		ORDER BY start_time DESC LIMIT ?
	`, signature, k)
	if err != nil {
		return nil, errors.Wrap(err, "querying recent durations")
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var d float64
		var start string
		if err := rows.Scan(&d, &start); err != nil {
			return nil, err
		}
		t, _ := time.Parse(time.RFC3339Nano, start)
		out = append(out, Observation{Duration: time.Duration(d * float64(time.Second)), Start: t})
	}
	return out, rows.Err()
}

// Observation is one historical successful task duration.
type Observation struct {
	Duration time.Duration
	Start    time.Time
}

// RecentRuns returns the last k Run summaries for a workflow, most-recent
// first.
func (s *Store) RecentRuns(workflow string, k int) ([]model.Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, workflow, start_time, end_time, max_workers, total, succeeded, failed, skipped, cancelled
		FROM runs WHERE workflow = ? ORDER BY start_time DESC LIMIT ?
	`, workflow, k)
	if err != nil {
		return nil, errors.Wrap(err, "querying recent runs")
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var r model.Run
		var start string
		var end sql.NullString
		if err := rows.Scan(&r.RunID, &r.Workflow, &start, &end, &r.MaxWorkers, &r.Total, &r.Succeeded, &r.Failed, &r.Skipped, &r.Cancelled); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, start)
		if end.Valid {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, end.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WorkflowHistory returns the successful task rows of a workflow's last
// lookbackRuns runs as a flat slice for the ContentionAnalyzer. Each row
// carries task_id and parameters alongside the signature because the
// analyzer needs to correlate durations back to the parameters that drove
// them.
func (s *Store) WorkflowHistory(workflow string, lookbackRuns int) ([]TaskHistoryRow, error) {
	runs, err := s.RecentRuns(workflow, lookbackRuns)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	runIDs := make([]string, len(runs))
	for i, r := range runs {
		runIDs[i] = r.RunID
	}
	sort.Strings(runIDs)

	placeholders := ""
	args := make([]interface{}, 0, len(runIDs)+1)
	args = append(args, workflow)
	for i, id := range runIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT task_id, task_signature, instance, process, parameters, duration_seconds, start_time
		FROM task_results WHERE workflow = ? AND status = 'SUCCEEDED' AND run_id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying workflow history")
	}
	defer rows.Close()

	var out []TaskHistoryRow
	for rows.Next() {
		var row TaskHistoryRow
		var durSec float64
		var start string
		if err := rows.Scan(&row.TaskID, &row.Signature, &row.Instance, &row.Process, &row.ParametersJSON, &durSec, &start); err != nil {
			return nil, err
		}
		row.Duration = time.Duration(durSec * float64(time.Second))
		row.Start, _ = time.Parse(time.RFC3339Nano, start)
		out = append(out, row)
	}
	return out, rows.Err()
}

// TaskHistoryRow is one successful execution sample, enriched with the
// parameters that produced it, used by the ContentionAnalyzer.
type TaskHistoryRow struct {
	TaskID         string
	Signature      string
	Instance       string
	Process        string
	ParametersJSON string
	Duration       time.Duration
	Start          time.Time
}

// PurgeOlderThan deletes records older than retentionDays, per spec §4.7.
// retentionDays == 0 means unbounded (no purge).
func (s *Store) PurgeOlderThan(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`DELETE FROM task_results WHERE start_time < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purging task_results")
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.Exec(`DELETE FROM runs WHERE start_time < ?`, cutoff); err != nil {
		return n, errors.Wrap(err, "purging runs")
	}
	return n, nil
}
