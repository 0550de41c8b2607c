package domain

import "context"

// HistoryRepository persists the full history snapshot. Save replaces the
// previous snapshot; the core treats failures as non-fatal.
type HistoryRepository interface {
	Load(ctx context.Context) ([]GenerationJob, error)
	Save(ctx context.Context, jobs []GenerationJob) error
}

// PromptRepository persists the prompt history list, most recent first.
type PromptRepository interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, prompts []string) error
}

// TokenHealthRepository persists per-provider token exhaustion marks.
type TokenHealthRepository interface {
	Load(ctx context.Context, provider string) (map[Token]TokenHealth, error)
	Save(ctx context.Context, provider string, health map[Token]TokenHealth) error
}
