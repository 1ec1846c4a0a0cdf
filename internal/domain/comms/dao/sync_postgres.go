package dao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/tenant"
)

const syncJobColumns = `id, user_id, connection_id, job_type, status, task_id, error_message,
	conversations_processed, messages_processed, attendees_processed, started_at, completed_at, created_at`

// SyncJobPostgres implements sync job repository for PostgreSQL
type SyncJobPostgres struct {
	pgBase
}

// NewSyncJobPostgres creates a new PostgreSQL sync job repository
func NewSyncJobPostgres(pool *pgxpool.Pool) *SyncJobPostgres {
	return &SyncJobPostgres{pgBase{pool: pool}}
}

// Create inserts a sync job
func (r *SyncJobPostgres) Create(ctx context.Context, tc tenant.Context, job *entity.SyncJob) error {
	query := `
		INSERT INTO ` + table(tc, "sync_jobs") + ` (` + syncJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err := r.db(tc).Exec(ctx, query,
		job.ID,
		job.UserID,
		job.ConnectionID,
		string(job.JobType),
		string(job.Status),
		job.TaskID,
		job.ErrorMessage,
		job.Progress.ConversationsProcessed,
		job.Progress.MessagesProcessed,
		job.Progress.AttendeesProcessed,
		job.StartedAt,
		job.CompletedAt,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting sync job: %w", err)
	}
	return nil
}

// GetByID retrieves a sync job by ID
func (r *SyncJobPostgres) GetByID(ctx context.Context, tc tenant.Context, id string) (*entity.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM ` + table(tc, "sync_jobs") + ` WHERE id = $1`

	var job entity.SyncJob
	var jobType, status string
	err := r.db(tc).QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.UserID,
		&job.ConnectionID,
		&jobType,
		&status,
		&job.TaskID,
		&job.ErrorMessage,
		&job.Progress.ConversationsProcessed,
		&job.Progress.MessagesProcessed,
		&job.Progress.AttendeesProcessed,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting sync job: %w", err)
	}

	job.JobType = entity.SyncJobType(jobType)
	job.Status = entity.SyncJobStatus(status)
	return &job, nil
}

// UpdateProgress stores the latest counters and marks the job running
func (r *SyncJobPostgres) UpdateProgress(ctx context.Context, tc tenant.Context, id string, progress entity.SyncJobProgress) error {
	query := `UPDATE ` + table(tc, "sync_jobs") + ` SET
			status = 'running',
			started_at = COALESCE(started_at, NOW()),
			conversations_processed = $2,
			messages_processed = $3,
			attendees_processed = $4
		WHERE id = $1`
	_, err := r.db(tc).Exec(ctx, query, id,
		progress.ConversationsProcessed,
		progress.MessagesProcessed,
		progress.AttendeesProcessed,
	)
	if err != nil {
		return fmt.Errorf("updating sync job progress: %w", err)
	}
	return nil
}

// Finish sets the terminal status of a job
func (r *SyncJobPostgres) Finish(ctx context.Context, tc tenant.Context, id string, status entity.SyncJobStatus, errMsg string) error {
	query := `UPDATE ` + table(tc, "sync_jobs") + ` SET status = $2, error_message = $3, completed_at = NOW() WHERE id = $1`
	if _, err := r.db(tc).Exec(ctx, query, id, string(status), errMsg); err != nil {
		return fmt.Errorf("finishing sync job: %w", err)
	}
	return nil
}
