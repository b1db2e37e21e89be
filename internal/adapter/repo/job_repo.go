package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"chartextract/internal/domain"
	"chartextract/internal/infra"
	"chartextract/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobStore on PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a new job record in the queued state.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	status, err := domain.Transition("", domain.EventAdmit)
	if err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	row := r.sql.QueryRow(ctx, sqlinline.QInsertJob,
		job.ID,
		job.OwnerID,
		job.ContentHash,
		job.SourceRef,
		job.OriginalFilename,
		job.MimeType,
	)
	if err := row.Scan(&job.CreatedAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = status
	return nil
}

// FindDoneByHash returns the newest done job for the owner and content hash.
func (r *JobRepositoryPG) FindDoneByHash(ctx context.Context, ownerID, contentHash string) (*domain.Job, error) {
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectDoneJobByHash, ownerID, contentHash))
}

// GetForOwner fetches a job only if it belongs to ownerID.
func (r *JobRepositoryPG) GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJobForOwner, jobID, ownerID))
}

// ListForOwner returns the owner's jobs, newest first.
func (r *JobRepositoryPG) ListForOwner(ctx context.Context, ownerID string, limit, offset int) ([]domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListJobsForOwner, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListStaleClaims returns jobs claimed longer than olderThan ago.
func (r *JobRepositoryPG) ListStaleClaims(ctx context.Context, olderThan time.Duration) ([]domain.Job, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := r.sql.Query(ctx, sqlinline.QListStaleClaims, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale claims: %w", err)
	}
	return collectJobs(rows)
}

// TryClaimNext claims the oldest queued job for workerID.
func (r *JobRepositoryPG) TryClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QWorkerClaimJob, workerID))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNoJobAvailable
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete persists the result and moves the job to done.
func (r *JobRepositoryPG) Complete(ctx context.Context, jobID, workerID string, result domain.Result) error {
	if _, err := domain.Transition(domain.JobStatusClaimed, domain.EventExtractionSucceeded); err != nil {
		return err
	}
	payload, err := result.Encode()
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	panels, series := result.Counts()
	tag, err := r.sql.Exec(ctx, sqlinline.QCompleteJob, jobID, workerID, payload, panels, series)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: job %s is not claimed by %s", domain.ErrInvalidTransition, jobID, workerID)
	}
	return nil
}

// Fail records the failure message and any partial payload.
func (r *JobRepositoryPG) Fail(ctx context.Context, jobID, workerID, message string, partial *domain.Result) error {
	if _, err := domain.Transition(domain.JobStatusClaimed, domain.EventExtractionFailed); err != nil {
		return err
	}
	var payload []byte
	if partial != nil {
		encoded, err := partial.Encode()
		if err != nil {
			return fmt.Errorf("encode partial result: %w", err)
		}
		payload = encoded
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QFailJob, jobID, workerID, failureMessage(message), payload)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: job %s is not claimed by %s", domain.ErrInvalidTransition, jobID, workerID)
	}
	return nil
}

func failureMessage(message string) string {
	if message == "" {
		message = "extraction failed"
	}
	return domain.TruncateErrorMessage(message)
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.ContentHash,
		&job.SourceRef,
		&job.OriginalFilename,
		&job.MimeType,
		&status,
		&job.ClaimedBy,
		&job.ResultJSON,
		&job.ErrorMessage,
		&job.PanelCount,
		&job.SeriesCount,
		&job.CreatedAt,
		&job.ClaimedAt,
		&job.ResolvedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	parsed, err := domain.ParseJobStatus(status)
	if err != nil {
		return nil, err
	}
	job.Status = parsed
	// Ensure result bytes are not aliased.
	if job.ResultJSON != nil {
		job.ResultJSON = append([]byte(nil), job.ResultJSON...)
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

var _ domain.JobStore = (*JobRepositoryPG)(nil)
