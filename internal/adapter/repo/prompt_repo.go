package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"studio/internal/domain"
)

// PromptRepositoryPG implements domain.PromptRepository on PostgreSQL.
type PromptRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewPromptRepository creates a prompt repository backed by PostgreSQL.
func NewPromptRepository(pool *pgxpool.Pool) *PromptRepositoryPG {
	return &PromptRepositoryPG{pool: pool}
}

// Load returns the stored prompts most-recent-first.
func (r *PromptRepositoryPG) Load(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT prompt FROM prompt_history ORDER BY position ASC;`)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	defer rows.Close()

	var prompts []string
	for rows.Next() {
		var prompt string
		if err := rows.Scan(&prompt); err != nil {
			return nil, fmt.Errorf("scan prompt row: %w", err)
		}
		prompts = append(prompts, prompt)
	}
	return prompts, rows.Err()
}

// Save replaces the stored list, positions encoding recency.
func (r *PromptRepositoryPG) Save(ctx context.Context, prompts []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save prompts: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM prompt_history;`); err != nil {
		return fmt.Errorf("clear prompts: %w", err)
	}
	for i, prompt := range prompts {
		if _, err := tx.Exec(ctx, `INSERT INTO prompt_history (position, prompt) VALUES ($1, $2);`, i, prompt); err != nil {
			return fmt.Errorf("insert prompt row: %w", err)
		}
	}
	return tx.Commit(ctx)
}

var _ domain.PromptRepository = (*PromptRepositoryPG)(nil)
