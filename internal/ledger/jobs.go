package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, kind, tenant_id, dataset_id, source, status, progress, phase, current_item,
	error, retry_count, items_total, items_done, items_failed, items_skipped, cancel_requested,
	created_at, updated_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var status string
	var cancel int
	var createdAt, updatedAt, finishedAt int64
	if err := row.Scan(&j.ID, &j.Kind, &j.TenantID, &j.DatasetID, &j.Source, &status, &j.Progress,
		&j.Phase, &j.CurrentItem, &j.Error, &j.RetryCount, &j.ItemsTotal, &j.ItemsDone,
		&j.ItemsFailed, &j.ItemsSkipped, &cancel, &createdAt, &updatedAt, &finishedAt); err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.CancelRequested = cancel == 1
	j.CreatedAt = fromUnixNano(createdAt)
	j.UpdatedAt = fromUnixNano(updatedAt)
	j.FinishedAt = fromUnixNano(finishedAt)
	return &j, nil
}

// CreateJob records an accepted ingestion request with status queued.
func (s *Store) CreateJob(ctx context.Context, j Job) (*Job, error) {
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, tenant_id, dataset_id, source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Kind, j.TenantID, j.DatasetID, j.Source, string(JobQueued), now, now)
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return s.publish(ctx, j.ID)
}

// Job returns the job with the given id.
func (s *Store) Job(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	return j, nil
}

// ListJobs returns the most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// StartJob moves a queued job to running.
func (s *Store) StartJob(ctx context.Context, id string) (*Job, error) {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, phase = 'discovering', updated_at = ?
		WHERE id = ? AND status = ?
	`, string(JobRunning), now, id, string(JobQueued))
	if err != nil {
		return nil, fmt.Errorf("starting job: %w", err)
	}
	if err := s.checkJobWrite(ctx, res, id); err != nil {
		return nil, err
	}
	return s.publish(ctx, id)
}

// UpdateJob applies an idempotent progress write to a running job.
func (s *Store) UpdateJob(ctx context.Context, id string, u JobUpdate) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			progress      = MAX(progress, ?),
			phase         = CASE WHEN ? = '' THEN phase ELSE ? END,
			current_item  = ?,
			error         = CASE WHEN ? = '' THEN error ELSE ? END,
			retry_count   = MAX(retry_count, ?),
			items_total   = MAX(items_total, ?),
			items_done    = MAX(items_done, ?),
			items_failed  = MAX(items_failed, ?),
			items_skipped = MAX(items_skipped, ?),
			updated_at    = ?
		WHERE id = ? AND status = ?
	`, clampPercent(u.Progress), u.Phase, u.Phase, u.CurrentItem, u.Error, u.Error, u.RetryCount,
		u.ItemsTotal, u.ItemsDone, u.ItemsFailed, u.ItemsSkipped, s.now().UnixNano(), id, string(JobRunning))
	if err != nil {
		return nil, fmt.Errorf("updating job: %w", err)
	}
	if err := s.checkJobWrite(ctx, res, id); err != nil {
		return nil, err
	}
	return s.publish(ctx, id)
}

// FinishJob moves a queued or running job to a terminal status exactly
// once. Later calls return ErrJobFinalized.
func (s *Store) FinishJob(ctx context.Context, id string, status JobStatus, errText string) (*Job, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finishing job: %q is not a terminal status", status)
	}
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status       = ?,
			error        = CASE WHEN ? = '' THEN error ELSE ? END,
			progress     = CASE WHEN ? = 'completed' THEN 100 ELSE progress END,
			phase        = CASE WHEN ? = 'completed' THEN 'completed' ELSE phase END,
			current_item = '',
			finished_at  = ?,
			updated_at   = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(status), errText, errText, string(status), string(status), now, now,
		id, string(JobQueued), string(JobRunning))
	if err != nil {
		return nil, fmt.Errorf("finishing job: %w", err)
	}
	if err := s.checkJobWrite(ctx, res, id); err != nil {
		return nil, err
	}
	return s.publish(ctx, id)
}

// RequestCancel sets the durable cancel flag. A job that is still queued is
// cancelled immediately; a running job is cancelled by its orchestrator at
// the next checkpoint.
func (s *Store) RequestCancel(ctx context.Context, id string) (*Job, error) {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			cancel_requested = 1,
			status      = CASE WHEN status = ? THEN ? ELSE status END,
			finished_at = CASE WHEN status = ? THEN ? ELSE finished_at END,
			updated_at  = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(JobQueued), string(JobCancelled), string(JobQueued), now, now,
		id, string(JobQueued), string(JobRunning))
	if err != nil {
		return nil, fmt.Errorf("requesting cancel: %w", err)
	}
	if err := s.checkJobWrite(ctx, res, id); err != nil {
		return nil, err
	}
	return s.publish(ctx, id)
}

// CancelRequested reports whether a cancel has been requested for the job.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var cancel int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&cancel)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("reading cancel flag: %w", err)
	}
	return cancel == 1, nil
}

// PurgeJobs deletes terminal jobs finished before now-olderThan and returns
// the number removed.
func (s *Store) PurgeJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN (?, ?, ?) AND finished_at > 0 AND finished_at < ?
	`, string(JobCompleted), string(JobFailed), string(JobCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	return res.RowsAffected()
}

// checkJobWrite distinguishes a missing job from a finalized one when an
// UPDATE matched no rows.
func (s *Store) checkJobWrite(ctx context.Context, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	j, err := s.Job(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return ErrJobFinalized
	}
	return fmt.Errorf("job %s is %s", id, j.Status)
}

// publish re-reads the job row and hands it to the notifier, so every
// event carries the full current state.
func (s *Store) publish(ctx context.Context, id string) (*Job, error) {
	j, err := s.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notifier.JobUpdated(ctx, *j)
	return j, nil
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
