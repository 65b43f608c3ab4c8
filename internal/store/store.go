package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"

	"jdeploy/internal/config"
	"jdeploy/internal/deploy"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: run not found")

// Store persists deployment run history. It implements deploy.Recorder.
type Store struct {
	DB *sql.DB
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// Open connects to Postgres through the pgx stdlib driver and applies
// the pool settings used by the CLI and API.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Run is a stored deployment batch.
type Run struct {
	ID          uuid.UUID          `json:"id"`
	Mode        string             `json:"mode"`
	Status      Status             `json:"status"`
	Plan        config.Assignments `json:"plan"`
	Skipped     []string           `json:"skipped"`
	FailedCount int                `json:"failedCount"`
	DurationMs  *int64             `json:"durationMs,omitempty"`
	StartedAt   time.Time          `json:"startedAt"`
	FinishedAt  *time.Time         `json:"finishedAt,omitempty"`
}

// Outcome is a stored per-job result.
type Outcome struct {
	Job        string `json:"job"`
	Ref        string `json:"ref"`
	Success    bool   `json:"success"`
	State      string `json:"state"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// RunStarted inserts a running row for r.
func (s *Store) RunStarted(ctx context.Context, r *deploy.Report) error {
	plan, err := jsonColumn(r.Plan)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO deploy_runs (id, mode, status, plan, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.RunID, string(r.Mode), string(StatusRunning), plan, r.Started)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

// RunFinished marks r finished and stores every outcome in one transaction.
func (s *Store) RunFinished(ctx context.Context, r *deploy.Report) error {
	skipped, err := jsonColumn(r.Skipped)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	status := StatusCompleted
	if r.Failed() > 0 {
		status = StatusFailed
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE deploy_runs
		SET status = $2, skipped = $3, failed_count = $4, duration_ms = $5, finished_at = $6
		WHERE id = $1`,
		r.RunID, string(status), skipped, r.Failed(), r.Duration.Milliseconds(), r.Started.Add(r.Duration))
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: %w", r.RunID, ErrNotFound)
	}

	for _, o := range r.Outcomes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deploy_outcomes (run_id, job, ref, success, state, attempts, duration_ms, error, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (run_id, job) DO UPDATE
			SET ref = EXCLUDED.ref, success = EXCLUDED.success, state = EXCLUDED.state,
			    attempts = EXCLUDED.attempts, duration_ms = EXCLUDED.duration_ms,
			    error = EXCLUDED.error, detail = EXCLUDED.detail`,
			r.RunID, o.Job, o.Ref, o.Success, string(o.State), o.Attempts, o.Duration.Milliseconds(),
			nullString(o.Error), nullString(o.Detail))
		if err != nil {
			return fmt.Errorf("insert outcome %s/%s: %w", r.RunID, o.Job, err)
		}
	}

	return tx.Commit()
}

// GetRun fetches a run and its outcomes.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (Run, []Outcome, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, mode, status, plan, skipped, failed_count, duration_ms, started_at, finished_at
		FROM deploy_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, nil, ErrNotFound
	}
	if err != nil {
		return Run{}, nil, err
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT job, ref, success, state, attempts, duration_ms, error, detail
		FROM deploy_outcomes WHERE run_id = $1 ORDER BY job`, id)
	if err != nil {
		return Run{}, nil, err
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var o Outcome
		var errMsg, detail sql.NullString
		if err := rows.Scan(&o.Job, &o.Ref, &o.Success, &o.State, &o.Attempts, &o.DurationMs, &errMsg, &detail); err != nil {
			return Run{}, nil, err
		}
		o.Error, o.Detail = errMsg.String, detail.String
		outcomes = append(outcomes, o)
	}
	return run, outcomes, rows.Err()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, mode, status, plan, skipped, failed_count, duration_ms, started_at, finished_at
		FROM deploy_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRunsBefore removes finished runs that started before cutoff.
// Outcomes go with them through the foreign key cascade.
func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM deploy_runs WHERE started_at < $1 AND status <> $2`,
		cutoff, string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("delete runs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run      Run
		status   string
		plan     pqtype.NullRawMessage
		skipped  pqtype.NullRawMessage
		duration sql.NullInt64
		finished sql.NullTime
	)
	if err := sc.Scan(&run.ID, &run.Mode, &status, &plan, &skipped, &run.FailedCount, &duration, &run.StartedAt, &finished); err != nil {
		return Run{}, err
	}
	run.Status = Status(status)
	if plan.Valid {
		if err := json.Unmarshal(plan.RawMessage, &run.Plan); err != nil {
			return Run{}, fmt.Errorf("decode plan of run %s: %w", run.ID, err)
		}
	}
	if skipped.Valid {
		if err := json.Unmarshal(skipped.RawMessage, &run.Skipped); err != nil {
			return Run{}, fmt.Errorf("decode skipped of run %s: %w", run.ID, err)
		}
	}
	if duration.Valid {
		run.DurationMs = &duration.Int64
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return run, nil
}

func jsonColumn(v any) (pqtype.NullRawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
