package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"studio/internal/domain"
)

// SnapshotStore persists session state as JSON files under a base directory.
// It is the default persistence backend for environments without a database.
// Writes go through a temp file plus rename so a crash never leaves a
// truncated snapshot behind.
type SnapshotStore struct {
	basePath string
}

// NewSnapshotStore initializes a SnapshotStore rooted at basePath.
func NewSnapshotStore(basePath string) (*SnapshotStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &SnapshotStore{basePath: basePath}, nil
}

// BasePath returns the configured root directory.
func (s *SnapshotStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

const (
	historyKey = "history.json"
	promptsKey = "prompts.json"
)

func tokenHealthKey(provider string) string {
	return filepath.Join("token_health", sanitizeName(provider)+".json")
}

// Load reads the persisted history snapshot. A missing file is an empty
// history, not an error.
func (s *SnapshotStore) Load(ctx context.Context) ([]domain.GenerationJob, error) {
	var jobs []domain.GenerationJob
	if err := s.read(ctx, historyKey, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Save replaces the history snapshot.
func (s *SnapshotStore) Save(ctx context.Context, jobs []domain.GenerationJob) error {
	return s.write(ctx, historyKey, jobs)
}

// LoadPrompts reads the persisted prompt list.
func (s *SnapshotStore) LoadPrompts(ctx context.Context) ([]string, error) {
	var prompts []string
	if err := s.read(ctx, promptsKey, &prompts); err != nil {
		return nil, err
	}
	return prompts, nil
}

// SavePrompts replaces the prompt list.
func (s *SnapshotStore) SavePrompts(ctx context.Context, prompts []string) error {
	return s.write(ctx, promptsKey, prompts)
}

// LoadTokenHealth reads exhaustion marks for one provider.
func (s *SnapshotStore) LoadTokenHealth(ctx context.Context, provider string) (map[domain.Token]domain.TokenHealth, error) {
	health := make(map[domain.Token]domain.TokenHealth)
	if err := s.read(ctx, tokenHealthKey(provider), &health); err != nil {
		return nil, err
	}
	return health, nil
}

// SaveTokenHealth replaces exhaustion marks for one provider.
func (s *SnapshotStore) SaveTokenHealth(ctx context.Context, provider string, health map[domain.Token]domain.TokenHealth) error {
	return s.write(ctx, tokenHealthKey(provider), health)
}

func (s *SnapshotStore) read(ctx context.Context, key string, out any) error {
	if s == nil {
		return errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("storage: read %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return nil
}

func (s *SnapshotStore) write(ctx context.Context, key string, value any) error {
	if s == nil {
		return errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	fullPath := filepath.Join(s.basePath, key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("storage: ensure directory: %w", err)
	}
	tmpPath := fullPath + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: replace %s: %w", key, err)
	}
	return nil
}

// sanitizeName keeps provider-derived filenames on a safe alphabet.
func sanitizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// promptRepo and tokenHealthRepo give the snapshot store the narrow
// repository shapes the domain expects without method name clashes.
type promptRepo struct{ store *SnapshotStore }

func (r promptRepo) Load(ctx context.Context) ([]string, error) {
	return r.store.LoadPrompts(ctx)
}

func (r promptRepo) Save(ctx context.Context, prompts []string) error {
	return r.store.SavePrompts(ctx, prompts)
}

type tokenHealthRepo struct{ store *SnapshotStore }

func (r tokenHealthRepo) Load(ctx context.Context, provider string) (map[domain.Token]domain.TokenHealth, error) {
	return r.store.LoadTokenHealth(ctx, provider)
}

func (r tokenHealthRepo) Save(ctx context.Context, provider string, health map[domain.Token]domain.TokenHealth) error {
	return r.store.SaveTokenHealth(ctx, provider, health)
}

// HistoryRepo returns the store as a domain.HistoryRepository.
func (s *SnapshotStore) HistoryRepo() domain.HistoryRepository { return s }

// PromptRepo adapts the store to domain.PromptRepository.
func (s *SnapshotStore) PromptRepo() domain.PromptRepository { return promptRepo{store: s} }

// TokenHealthRepo adapts the store to domain.TokenHealthRepository.
func (s *SnapshotStore) TokenHealthRepo() domain.TokenHealthRepository { return tokenHealthRepo{store: s} }

var _ domain.HistoryRepository = (*SnapshotStore)(nil)
