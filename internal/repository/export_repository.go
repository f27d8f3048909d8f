package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cadenza-hq/continuation-api/internal/models"
)

// ExportRepository persists run export job metadata.
type ExportRepository struct {
	db *sqlx.DB
}

// NewExportRepository constructs the repository.
func NewExportRepository(db *sqlx.DB) *ExportRepository {
	return &ExportRepository{db: db}
}

// Create inserts a queued export job.
func (r *ExportRepository) Create(ctx context.Context, job *models.ExportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.ExportStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO export_jobs (id, school_id, type, params, status, result_url, created_by, created_at, finished_at, error_message)
	VALUES (:id, :school_id, :type, :params, :status, :result_url, :created_by, :created_at, :finished_at, :error_message)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create export job: %w", err)
	}
	return nil
}

// GetByID fetches an export job scoped to its school.
func (r *ExportRepository) GetByID(ctx context.Context, schoolID, id string) (*models.ExportJob, error) {
	const query = `SELECT id, school_id, type, params, status, result_url, created_by, created_at, finished_at, error_message
	FROM export_jobs WHERE id = $1 AND school_id = $2`
	var job models.ExportJob
	if err := r.db.GetContext(ctx, &job, query, id, schoolID); err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkProcessing flips a job into PROCESSING.
func (r *ExportRepository) MarkProcessing(ctx context.Context, id string) error {
	const query = `UPDATE export_jobs SET status = 'PROCESSING' WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("mark export processing: %w", err)
	}
	return nil
}

// MarkFinished records the signed result URL on success.
func (r *ExportRepository) MarkFinished(ctx context.Context, id, resultURL string, at time.Time) error {
	const query = `UPDATE export_jobs SET status = 'FINISHED', result_url = $2, finished_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, resultURL, at); err != nil {
		return fmt.Errorf("mark export finished: %w", err)
	}
	return nil
}

// MarkFailed records the failure reason.
func (r *ExportRepository) MarkFailed(ctx context.Context, id, message string, at time.Time) error {
	const query = `UPDATE export_jobs SET status = 'FAILED', error_message = $2, finished_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, message, at); err != nil {
		return fmt.Errorf("mark export failed: %w", err)
	}
	return nil
}
