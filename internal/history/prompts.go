package history

import (
	"context"
	"strings"

	"studio/internal/domain"
	"studio/internal/infra"
)

// MaxPrompts caps the prompt history length.
const MaxPrompts = 50

// Prompts is the deduplicated, most-recently-used prompt list. Resubmitting a
// known prompt moves it to the front instead of duplicating it. Not safe for
// concurrent use.
type Prompts struct {
	entries []string
	repo    domain.PromptRepository
	logger  infra.Logger
}

// NewPrompts creates an empty prompt history backed by repo (which may be nil).
func NewPrompts(repo domain.PromptRepository, logger infra.Logger) *Prompts {
	return &Prompts{repo: repo, logger: logger}
}

// Load hydrates from the repository, re-applying dedupe and the cap in case a
// foreign writer left the stored list inconsistent.
func (p *Prompts) Load(ctx context.Context) error {
	if p.repo == nil {
		return nil
	}
	stored, err := p.repo.Load(ctx)
	if err != nil {
		return err
	}
	p.entries = nil
	seen := make(map[string]struct{}, len(stored))
	for _, text := range stored {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if _, ok := seen[text]; ok {
			continue
		}
		seen[text] = struct{}{}
		p.entries = append(p.entries, text)
		if len(p.entries) == MaxPrompts {
			break
		}
	}
	return nil
}

// Add records a submitted prompt at the front. Blank input is a no-op.
func (p *Prompts) Add(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	for i, existing := range p.entries {
		if existing == text {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	p.entries = append([]string{text}, p.entries...)
	if len(p.entries) > MaxPrompts {
		p.entries = p.entries[:MaxPrompts]
	}
	p.persist(ctx)
}

// All returns a snapshot copy, most recent first.
func (p *Prompts) All() []string {
	out := make([]string, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *Prompts) persist(ctx context.Context) {
	if p.repo == nil {
		return
	}
	if err := p.repo.Save(ctx, p.All()); err != nil {
		p.logger.Warn().Err(err).Msg("history: persist prompts failed")
	}
}
