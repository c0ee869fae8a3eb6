package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRunRepo struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresRunRepo(db *pgxpool.Pool, timeout time.Duration) *PostgresRunRepo {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PostgresRunRepo{db: db, timeout: timeout}
}

const runColumns = `id::text, file, blob_key, notify_address, submitted_by, status, attempts,
	report, error, created_at, started_at, finished_at, next_attempt_at, owner, heartbeat_at`

func encodeReport(r *Report) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func (r *PostgresRunRepo) CreateRun(ctx context.Context, run *Run) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	report, err := encodeReport(run.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	const sql = `
		INSERT INTO ingest_runs (id, file, blob_key, notify_address, submitted_by, status, attempts,
			report, error, created_at, started_at, finished_at, next_attempt_at, owner, heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = r.db.Exec(ctx, sql, run.ID, run.File, run.BlobKey, run.NotifyAddress, run.SubmittedBy,
		string(run.Status), run.Attempts, report, run.Error, run.CreatedAt, run.StartedAt, run.FinishedAt, run.NextAttemptAt,
		run.Owner, run.HeartbeatAt)
	return err
}

func (r *PostgresRunRepo) UpdateRun(ctx context.Context, run *Run) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	report, err := encodeReport(run.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	const sql = `
		UPDATE ingest_runs SET
			status = $2,
			attempts = $3,
			report = $4,
			error = $5,
			started_at = $6,
			finished_at = $7,
			next_attempt_at = $8
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, sql, run.ID, string(run.Status), run.Attempts, report, run.Error,
		run.StartedAt, run.FinishedAt, run.NextAttemptAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		run    Run
		status string
		report []byte
	)
	err := row.Scan(&run.ID, &run.File, &run.BlobKey, &run.NotifyAddress, &run.SubmittedBy, &status,
		&run.Attempts, &report, &run.Error, &run.CreatedAt, &run.StartedAt, &run.FinishedAt, &run.NextAttemptAt,
		&run.Owner, &run.HeartbeatAt)
	if err != nil {
		return Run{}, err
	}
	run.Status = Status(status)
	if len(report) > 0 {
		run.Report = &Report{}
		if err := json.Unmarshal(report, run.Report); err != nil {
			return Run{}, fmt.Errorf("decode report for run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

func (r *PostgresRunRepo) GetRun(ctx context.Context, id string) (Run, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	run, err := scanRun(r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM ingest_runs WHERE id::text = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return run, err
}

func (r *PostgresRunRepo) query(ctx context.Context, sql string, args ...any) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *PostgresRunRepo) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.query(ctx, `SELECT `+runColumns+` FROM ingest_runs ORDER BY created_at DESC, id LIMIT $1`, limit)
}

func (r *PostgresRunRepo) ListUnfinished(ctx context.Context) ([]Run, error) {
	return r.query(ctx, `SELECT `+runColumns+` FROM ingest_runs
		WHERE status NOT IN ('SUCCEEDED', 'FAILED') ORDER BY created_at`)
}

func (r *PostgresRunRepo) ClaimRun(ctx context.Context, id, owner string, now, staleBefore time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const sql = `
		UPDATE ingest_runs SET owner = $2, heartbeat_at = $3
		WHERE id::text = $1
			AND status NOT IN ('SUCCEEDED', 'FAILED')
			AND owner <> $2
			AND (owner = '' OR heartbeat_at IS NULL OR heartbeat_at < $4)`
	tag, err := r.db.Exec(ctx, sql, id, owner, now, staleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRunRepo) Heartbeat(ctx context.Context, owner string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.Exec(ctx, `UPDATE ingest_runs SET heartbeat_at = $2
		WHERE owner = $1 AND status NOT IN ('SUCCEEDED', 'FAILED')`, owner, now)
	return err
}
