package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"studio/internal/domain"
)

// HistoryRepositoryPG implements domain.HistoryRepository on PostgreSQL. The
// table is a replaceable session snapshot: Save swaps the full contents in
// one transaction so a reload always reconstructs the last persisted state.
type HistoryRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewHistoryRepository creates a history repository backed by PostgreSQL.
func NewHistoryRepository(pool *pgxpool.Pool) *HistoryRepositoryPG {
	return &HistoryRepositoryPG{pool: pool}
}

// Load returns the persisted jobs newest-first. TTL filtering belongs to the
// history store, not the repository.
func (r *HistoryRepositoryPG) Load(ctx context.Context) ([]domain.GenerationJob, error) {
	query := `
SELECT id, prompt, aspect_ratio, model, provider, seed, created_at_ms, duration_seconds,
       is_upscaled, is_blurred, url, video_status, video_url, video_task_id, video_error, video_next_poll_at_ms
FROM history_jobs
ORDER BY created_at_ms DESC;
`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var jobs []domain.GenerationJob
	for rows.Next() {
		var job domain.GenerationJob
		var videoStatus string
		if err := rows.Scan(
			&job.ID,
			&job.Prompt,
			&job.AspectRatio,
			&job.Model,
			&job.Provider,
			&job.Seed,
			&job.CreatedAt,
			&job.DurationSeconds,
			&job.IsUpscaled,
			&job.IsBlurred,
			&job.URL,
			&videoStatus,
			&job.VideoURL,
			&job.VideoTaskID,
			&job.VideoError,
			&job.VideoNextPollAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		job.VideoStatus = domain.VideoStatus(videoStatus)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Save replaces the snapshot with the given jobs.
func (r *HistoryRepositoryPG) Save(ctx context.Context, jobs []domain.GenerationJob) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save history: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM history_jobs;`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	insert := `
INSERT INTO history_jobs (id, prompt, aspect_ratio, model, provider, seed, created_at_ms, duration_seconds,
                          is_upscaled, is_blurred, url, video_status, video_url, video_task_id, video_error, video_next_poll_at_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
`
	for _, job := range jobs {
		if _, err := tx.Exec(ctx, insert,
			job.ID,
			job.Prompt,
			job.AspectRatio,
			job.Model,
			job.Provider,
			job.Seed,
			job.CreatedAt,
			job.DurationSeconds,
			job.IsUpscaled,
			job.IsBlurred,
			job.URL,
			string(job.VideoStatus),
			job.VideoURL,
			job.VideoTaskID,
			job.VideoError,
			job.VideoNextPollAt,
		); err != nil {
			return fmt.Errorf("insert history row: %w", err)
		}
	}
	return tx.Commit(ctx)
}

var _ domain.HistoryRepository = (*HistoryRepositoryPG)(nil)
