// Package runstore persists pipeline runs, job states, attempts and reports
// in SQLite.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxOutputBytes caps the stored output of one attempt.
const MaxOutputBytes = 64 * 1024

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

// CreateRun inserts a run and all of its job rows in one transaction.
func (s *Store) CreateRun(ctx context.Context, req NewRun) (*Run, error) {
	if req.Project == "" {
		return nil, fmt.Errorf("project is empty")
	}
	if req.Ref == "" {
		return nil, fmt.Errorf("ref is empty")
	}
	status := req.Status
	if status == "" {
		status = PipelineCreated
	}

	triggerJSON, err := marshalOrEmpty(req.Trigger)
	if err != nil {
		return nil, fmt.Errorf("encode trigger: %w", err)
	}
	var planJSON any
	if req.Plan != nil {
		b, err := json.Marshal(req.Plan)
		if err != nil {
			return nil, fmt.Errorf("encode plan: %w", err)
		}
		planJSON = string(b)
	}

	id := uuid.NewString()
	now := s.stamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO pipeline_run(
  id, project, pipeline_name, fingerprint, ref, source, commit_sha, status, trigger_json, plan_json, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.Project, req.PipelineName, req.Fingerprint, req.Ref, req.Source, nullString(req.CommitSHA),
		status, string(triggerJSON), planJSON, now)
	if err != nil {
		return nil, fmt.Errorf("insert pipeline_run: %w", err)
	}

	for _, j := range req.Jobs {
		js := j.Status
		if js == "" {
			js = JobCreated
		}
		var finished any
		if js.Terminal() {
			finished = now
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO job_run(
  run_id, name, stage, stage_index, status, when_cond, allow_failure, skip_reason, created_at, finished_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, j.Name, j.Stage, j.StageIndex, js, j.When, boolInt(j.AllowFailure), nullString(j.SkipReason), now, finished)
		if err != nil {
			return nil, fmt.Errorf("insert job_run %q: %w", j.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return s.GetRun(ctx, id)
}

// SetRunStatus records a pipeline transition. The first move to running
// stamps started_at, terminal states stamp finished_at.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status PipelineStatus, errMsg string) error {
	now := s.stamp()
	var finished any
	if status.Terminal() {
		finished = now
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE pipeline_run
SET status = ?,
    started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
    finished_at = COALESCE(?, finished_at),
    error = COALESCE(?, error)
WHERE id = ?;
`, status, status, now, finished, nullString(errMsg), runID)
	if err != nil {
		return fmt.Errorf("update pipeline_run: %w", err)
	}
	return requireRow(res, ErrRunNotFound)
}

// UpdateJob records a job transition.
func (s *Store) UpdateJob(ctx context.Context, runID, job string, u JobUpdate) error {
	now := s.stamp()
	var finished any
	if u.Status.Terminal() {
		finished = now
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE job_run
SET status = ?,
    failure_reason = ?,
    allowed_failure = ?,
    attempts = MAX(attempts, ?),
    coverage = COALESCE(?, coverage),
    started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
    finished_at = ?
WHERE run_id = ? AND name = ?;
`, u.Status, nullString(u.FailureReason), boolInt(u.AllowedFailure), u.Attempts, nullable(u.Coverage),
		u.Status, now, finished, runID, job)
	if err != nil {
		return fmt.Errorf("update job_run: %w", err)
	}
	return requireRow(res, ErrJobNotFound)
}

// StartAttempt opens an attempt and returns its ID.
func (s *Store) StartAttempt(ctx context.Context, a AttemptStart) (string, error) {
	if a.Attempt <= 0 {
		return "", fmt.Errorf("attempt must be positive")
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_attempt(id, run_id, job, attempt, agent, status, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, a.RunID, a.Job, a.Attempt, a.Agent, JobRunning, s.stamp())
	if err != nil {
		return "", fmt.Errorf("insert job_attempt: %w", err)
	}
	return id, nil
}

// FinishAttempt closes an attempt. Output beyond MaxOutputBytes is dropped
// and flagged as truncated.
func (s *Store) FinishAttempt(ctx context.Context, id string, r AttemptResult) error {
	output, truncated := r.Output, r.Truncated
	if len(output) > MaxOutputBytes {
		output = output[:MaxOutputBytes]
		truncated = true
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE job_attempt
SET status = ?, exit_code = ?, failure_reason = ?, output = ?, truncated = ?, finished_at = ?
WHERE id = ?;
`, r.Status, nullable(r.ExitCode), nullString(r.FailureReason), output, boolInt(truncated), s.stamp(), id)
	if err != nil {
		return fmt.Errorf("update job_attempt: %w", err)
	}
	return requireRow(res, ErrJobNotFound)
}

// SaveReport stores or replaces the report of kind for a job.
func (s *Store) SaveReport(ctx context.Context, runID, job, kind string, data any, expireAt *time.Time) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	var exp any
	if expireAt != nil {
		exp = expireAt.UTC().Format(timeLayout)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO job_report(run_id, job, kind, data, expire_at, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, job, kind) DO UPDATE SET data = excluded.data, expire_at = excluded.expire_at;
`, runID, job, kind, string(b), exp, s.stamp())
	if err != nil {
		return fmt.Errorf("insert job_report: %w", err)
	}
	return nil
}

const runColumns = `id, project, pipeline_name, fingerprint, ref, source, commit_sha, status, trigger_json, plan_json,
  created_at, started_at, finished_at, error`

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_run WHERE id = ?;`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline_run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.Ref != "" {
		where = append(where, "ref = ?")
		args = append(args, f.Ref)
	}
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	q := `SELECT ` + runColumns + ` FROM pipeline_run`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipeline_run: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline_run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListJobs returns a run's jobs in stage order, then definition order.
func (s *Store) ListJobs(ctx context.Context, runID string) ([]JobRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, name, stage, stage_index, status, when_cond, allow_failure, allowed_failure,
  failure_reason, attempts, coverage, skip_reason, created_at, started_at, finished_at
FROM job_run
WHERE run_id = ?
ORDER BY stage_index ASC, rowid ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list job_run: %w", err)
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		var (
			j             JobRun
			status        string
			allow, masked int
			reason, skip  sql.NullString
			coverage      sql.NullFloat64
			createdAtS    string
			startedAtS    sql.NullString
			finishedAtS   sql.NullString
		)
		if err := rows.Scan(&j.RunID, &j.Name, &j.Stage, &j.StageIndex, &status, &j.When, &allow, &masked,
			&reason, &j.Attempts, &coverage, &skip, &createdAtS, &startedAtS, &finishedAtS); err != nil {
			return nil, fmt.Errorf("scan job_run: %w", err)
		}
		j.Status = JobStatus(status)
		j.AllowFailure = allow != 0
		j.AllowedFailure = masked != 0
		j.FailureReason = reason.String
		j.SkipReason = skip.String
		if coverage.Valid {
			v := coverage.Float64
			j.Coverage = &v
		}
		j.CreatedAt = parseTime(createdAtS)
		j.StartedAt = parseNullTime(startedAtS)
		j.FinishedAt = parseNullTime(finishedAtS)
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListAttempts returns the attempts of one job, oldest first. An empty job
// name lists every attempt of the run.
func (s *Store) ListAttempts(ctx context.Context, runID, job string) ([]Attempt, error) {
	q := `
SELECT id, run_id, job, attempt, agent, status, exit_code, failure_reason, output, truncated, started_at, finished_at
FROM job_attempt
WHERE run_id = ?`
	args := []any{runID}
	if job != "" {
		q += " AND job = ?"
		args = append(args, job)
	}
	q += " ORDER BY started_at ASC, attempt ASC;"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list job_attempt: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a           Attempt
			status      string
			exitCode    sql.NullInt64
			reason      sql.NullString
			output      sql.NullString
			truncated   int
			startedAtS  string
			finishedAtS sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Job, &a.Attempt, &a.Agent, &status, &exitCode, &reason,
			&output, &truncated, &startedAtS, &finishedAtS); err != nil {
			return nil, fmt.Errorf("scan job_attempt: %w", err)
		}
		a.Status = JobStatus(status)
		if exitCode.Valid {
			v := int(exitCode.Int64)
			a.ExitCode = &v
		}
		a.FailureReason = reason.String
		a.Output = output.String
		a.Truncated = truncated != 0
		a.StartedAt = parseTime(startedAtS)
		a.FinishedAt = parseNullTime(finishedAtS)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListReports returns the unexpired reports of a run.
func (s *Store) ListReports(ctx context.Context, runID string) ([]StoredReport, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, job, kind, data, expire_at, created_at
FROM job_report
WHERE run_id = ? AND (expire_at IS NULL OR expire_at > ?)
ORDER BY job ASC, kind ASC;
`, runID, s.stamp())
	if err != nil {
		return nil, fmt.Errorf("list job_report: %w", err)
	}
	defer rows.Close()

	var out []StoredReport
	for rows.Next() {
		var (
			r          StoredReport
			data       string
			expireAtS  sql.NullString
			createdAtS string
		)
		if err := rows.Scan(&r.RunID, &r.Job, &r.Kind, &data, &expireAtS, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan job_report: %w", err)
		}
		r.Data = json.RawMessage(data)
		r.ExpireAt = parseNullTime(expireAtS)
		r.CreatedAt = parseTime(createdAtS)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneAttemptOutput clears the output of attempts finished before cutoff.
func (s *Store) PruneAttemptOutput(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE job_attempt
SET output = NULL
WHERE output IS NOT NULL AND finished_at IS NOT NULL AND finished_at < ?;
`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune job_attempt output: %w", err)
	}
	return res.RowsAffected()
}

// PruneReports deletes reports whose artifacts expired.
func (s *Store) PruneReports(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_report WHERE expire_at IS NOT NULL AND expire_at <= ?;`, s.stamp())
	if err != nil {
		return 0, fmt.Errorf("prune job_report: %w", err)
	}
	return res.RowsAffected()
}

// RecoverOrphans fails runs a previous process left unfinished. Their
// non-terminal jobs and open attempts fail with reason.
func (s *Store) RecoverOrphans(ctx context.Context, reason string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM pipeline_run WHERE status IN (?, ?, ?);`,
		PipelineCreated, PipelineRunning, PipelineBlocked)
	if err != nil {
		return nil, fmt.Errorf("find orphaned runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan orphaned run: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := s.stamp()
	msg := "interrupted by a restart"
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
UPDATE job_run SET status = ?, failure_reason = ?, finished_at = ?
WHERE run_id = ? AND status NOT IN (?, ?, ?, ?);
`, JobFailed, reason, now, id, JobSuccess, JobFailed, JobSkipped, JobCanceled); err != nil {
			return nil, fmt.Errorf("fail orphaned jobs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE job_attempt SET status = ?, failure_reason = ?, finished_at = ?
WHERE run_id = ? AND finished_at IS NULL;
`, JobFailed, reason, now, id); err != nil {
			return nil, fmt.Errorf("fail orphaned attempts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE pipeline_run SET status = ?, finished_at = ?, error = ? WHERE id = ?;
`, PipelineFailed, now, msg, id); err != nil {
			return nil, fmt.Errorf("fail orphaned run: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r           Run
		status      string
		commitSHA   sql.NullString
		triggerS    string
		planS       sql.NullString
		createdAtS  string
		startedAtS  sql.NullString
		finishedAtS sql.NullString
		errMsg      sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Project, &r.PipelineName, &r.Fingerprint, &r.Ref, &r.Source, &commitSHA,
		&status, &triggerS, &planS, &createdAtS, &startedAtS, &finishedAtS, &errMsg); err != nil {
		return nil, err
	}
	r.Status = PipelineStatus(status)
	r.CommitSHA = commitSHA.String
	r.Trigger = json.RawMessage(triggerS)
	if planS.Valid {
		r.Plan = json.RawMessage(planS.String)
	}
	r.CreatedAt = parseTime(createdAtS)
	r.StartedAt = parseNullTime(startedAtS)
	r.FinishedAt = parseNullTime(finishedAtS)
	if errMsg.Valid {
		r.Error = &errMsg.String
	}
	return &r, nil
}

func marshalOrEmpty(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
