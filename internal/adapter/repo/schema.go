package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`
CREATE TABLE IF NOT EXISTS history_jobs (
    id                    TEXT PRIMARY KEY,
    prompt                TEXT NOT NULL,
    aspect_ratio          TEXT NOT NULL DEFAULT '',
    model                 TEXT NOT NULL DEFAULT '',
    provider              TEXT NOT NULL,
    seed                  BIGINT,
    created_at_ms         BIGINT NOT NULL,
    duration_seconds      DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_upscaled           BOOLEAN NOT NULL DEFAULT FALSE,
    is_blurred            BOOLEAN NOT NULL DEFAULT FALSE,
    url                   TEXT NOT NULL,
    video_status          TEXT NOT NULL DEFAULT '',
    video_url             TEXT NOT NULL DEFAULT '',
    video_task_id         TEXT NOT NULL DEFAULT '',
    video_error           TEXT NOT NULL DEFAULT '',
    video_next_poll_at_ms BIGINT NOT NULL DEFAULT 0
);`,
	`
CREATE TABLE IF NOT EXISTS prompt_history (
    position INT PRIMARY KEY,
    prompt   TEXT NOT NULL
);`,
	`
CREATE TABLE IF NOT EXISTS token_health (
    provider   TEXT NOT NULL,
    token      TEXT NOT NULL,
    exhausted  BOOLEAN NOT NULL DEFAULT FALSE,
    marked_day TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (provider, token)
);`,
}

// EnsureSchema creates the persistence tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
