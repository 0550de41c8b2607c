package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"studio/internal/domain"
)

// TokenHealthRepositoryPG implements domain.TokenHealthRepository on
// PostgreSQL, keyed by (provider, token).
type TokenHealthRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewTokenHealthRepository creates a token health repository backed by PostgreSQL.
func NewTokenHealthRepository(pool *pgxpool.Pool) *TokenHealthRepositoryPG {
	return &TokenHealthRepositoryPG{pool: pool}
}

// Load returns the exhaustion marks recorded for one provider.
func (r *TokenHealthRepositoryPG) Load(ctx context.Context, provider string) (map[domain.Token]domain.TokenHealth, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT token, exhausted, marked_day FROM token_health WHERE provider = $1;`, provider)
	if err != nil {
		return nil, fmt.Errorf("load token health: %w", err)
	}
	defer rows.Close()

	health := make(map[domain.Token]domain.TokenHealth)
	for rows.Next() {
		var token string
		var h domain.TokenHealth
		if err := rows.Scan(&token, &h.Exhausted, &h.MarkedDay); err != nil {
			return nil, fmt.Errorf("scan token health row: %w", err)
		}
		health[domain.Token(token)] = h
	}
	return health, rows.Err()
}

// Save replaces the marks for one provider.
func (r *TokenHealthRepositoryPG) Save(ctx context.Context, provider string, health map[domain.Token]domain.TokenHealth) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save token health: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM token_health WHERE provider = $1;`, provider); err != nil {
		return fmt.Errorf("clear token health: %w", err)
	}
	insert := `INSERT INTO token_health (provider, token, exhausted, marked_day) VALUES ($1, $2, $3, $4);`
	for token, h := range health {
		if _, err := tx.Exec(ctx, insert, provider, string(token), h.Exhausted, h.MarkedDay); err != nil {
			return fmt.Errorf("insert token health row: %w", err)
		}
	}
	return tx.Commit(ctx)
}

var _ domain.TokenHealthRepository = (*TokenHealthRepositoryPG)(nil)
