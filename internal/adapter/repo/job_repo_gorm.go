package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"chartextract/internal/domain"
)

type jobModel struct {
	ID               string `gorm:"primaryKey;type:text"`
	OwnerID          string `gorm:"not null;index:idx_chart_jobs_owner_hash,priority:1"`
	ContentHash      string `gorm:"not null;size:64;index:idx_chart_jobs_owner_hash,priority:2"`
	SourceRef        string `gorm:"not null"`
	OriginalFilename string `gorm:"not null;default:''"`
	MimeType         string `gorm:"not null;default:'application/octet-stream'"`
	Status           string `gorm:"not null;index:idx_chart_jobs_queue,priority:1"`
	ClaimedBy        *string
	ResultJSON       []byte
	ErrorMessage     *string
	PanelCount       *int
	SeriesCount      *int
	CreatedAt        time.Time `gorm:"not null;index:idx_chart_jobs_queue,priority:2"`
	ClaimedAt        *time.Time
	ResolvedAt       *time.Time
}

func (jobModel) TableName() string { return "chart_jobs" }

// JobRepositoryGorm implements domain.JobStore on any gorm dialect. Claims are
// a compare-and-swap on the status column instead of row-lock skipping.
type JobRepositoryGorm struct {
	db *gorm.DB
}

// NewJobRepositoryGorm wraps an open gorm handle.
func NewJobRepositoryGorm(db *gorm.DB) *JobRepositoryGorm {
	return &JobRepositoryGorm{db: db}
}

// Migrate creates or updates the job table.
func (r *JobRepositoryGorm) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&jobModel{})
}

func (r *JobRepositoryGorm) Create(ctx context.Context, job *domain.Job) error {
	status, err := domain.Transition("", domain.EventAdmit)
	if err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	m := jobModel{
		ID:               job.ID,
		OwnerID:          job.OwnerID,
		ContentHash:      job.ContentHash,
		SourceRef:        job.SourceRef,
		OriginalFilename: job.OriginalFilename,
		MimeType:         job.MimeType,
		Status:           string(status),
		CreatedAt:        job.CreatedAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = status
	return nil
}

func (r *JobRepositoryGorm) FindDoneByHash(ctx context.Context, ownerID, contentHash string) (*domain.Job, error) {
	var m jobModel
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND content_hash = ? AND status = ?", ownerID, contentHash, domain.JobStatusDone).
		Order("resolved_at DESC").
		Take(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return m.toDomain()
}

func (r *JobRepositoryGorm) GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	var m jobModel
	err := r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", jobID, ownerID).
		Take(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return m.toDomain()
}

func (r *JobRepositoryGorm) ListForOwner(ctx context.Context, ownerID string, limit, offset int) ([]domain.Job, error) {
	var models []jobModel
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return toDomainSlice(models)
}

func (r *JobRepositoryGorm) ListStaleClaims(ctx context.Context, olderThan time.Duration) ([]domain.Job, error) {
	var models []jobModel
	cutoff := time.Now().UTC().Add(-olderThan)
	err := r.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", domain.JobStatusClaimed, cutoff).
		Order("claimed_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list stale claims: %w", err)
	}
	return toDomainSlice(models)
}

// TryClaimNext picks the oldest queued row and flips it to claimed only if it
// is still queued. Losing the swap means another worker took that row, so the
// next candidate is tried.
func (r *JobRepositoryGorm) TryClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	next, err := domain.Transition(domain.JobStatusQueued, domain.EventLeaseAcquired)
	if err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var candidate jobModel
		err := r.db.WithContext(ctx).
			Where("status = ?", domain.JobStatusQueued).
			Order("created_at ASC").
			Order("id ASC").
			Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNoJobAvailable
		}
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}

		now := time.Now().UTC()
		res := r.db.WithContext(ctx).
			Model(&jobModel{}).
			Where("id = ? AND status = ?", candidate.ID, domain.JobStatusQueued).
			Updates(map[string]any{
				"status":     string(next),
				"claimed_by": workerID,
				"claimed_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim job: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			candidate.Status = string(next)
			candidate.ClaimedBy = &workerID
			candidate.ClaimedAt = &now
			return candidate.toDomain()
		}
	}
}

func (r *JobRepositoryGorm) Complete(ctx context.Context, jobID, workerID string, result domain.Result) error {
	next, err := domain.Transition(domain.JobStatusClaimed, domain.EventExtractionSucceeded)
	if err != nil {
		return err
	}
	payload, err := result.Encode()
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	panels, series := result.Counts()
	return r.resolve(ctx, jobID, workerID, map[string]any{
		"status":        string(next),
		"result_json":   payload,
		"panel_count":   panels,
		"series_count":  series,
		"error_message": nil,
		"resolved_at":   time.Now().UTC(),
	})
}

func (r *JobRepositoryGorm) Fail(ctx context.Context, jobID, workerID, message string, partial *domain.Result) error {
	next, err := domain.Transition(domain.JobStatusClaimed, domain.EventExtractionFailed)
	if err != nil {
		return err
	}
	var payload []byte
	if partial != nil {
		if payload, err = partial.Encode(); err != nil {
			return fmt.Errorf("encode partial result: %w", err)
		}
	}
	return r.resolve(ctx, jobID, workerID, map[string]any{
		"status":        string(next),
		"result_json":   payload,
		"error_message": failureMessage(message),
		"resolved_at":   time.Now().UTC(),
	})
}

func (r *JobRepositoryGorm) resolve(ctx context.Context, jobID, workerID string, fields map[string]any) error {
	res := r.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("id = ? AND status = ? AND claimed_by = ?", jobID, domain.JobStatusClaimed, workerID).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("resolve job: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: job %s is not claimed by %s", domain.ErrInvalidTransition, jobID, workerID)
	}
	return nil
}

func (m jobModel) toDomain() (*domain.Job, error) {
	status, err := domain.ParseJobStatus(m.Status)
	if err != nil {
		return nil, err
	}
	job := &domain.Job{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		ContentHash:      m.ContentHash,
		SourceRef:        m.SourceRef,
		OriginalFilename: m.OriginalFilename,
		MimeType:         m.MimeType,
		Status:           status,
		ResultJSON:       m.ResultJSON,
		PanelCount:       m.PanelCount,
		SeriesCount:      m.SeriesCount,
		CreatedAt:        m.CreatedAt,
		ClaimedAt:        m.ClaimedAt,
		ResolvedAt:       m.ResolvedAt,
	}
	if m.ClaimedBy != nil {
		job.ClaimedBy = *m.ClaimedBy
	}
	if m.ErrorMessage != nil {
		job.ErrorMessage = *m.ErrorMessage
	}
	return job, nil
}

func toDomainSlice(models []jobModel) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, len(models))
	for _, m := range models {
		job, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

var _ domain.JobStore = (*JobRepositoryGorm)(nil)
