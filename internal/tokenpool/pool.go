package tokenpool

import (
	"context"
	"strings"
	"time"

	"studio/internal/domain"
	"studio/internal/infra"
)

// Parse splits a raw comma-separated credential string into tokens. Entries
// are trimmed and empty ones dropped; no further validation is applied.
func Parse(raw string) []domain.Token {
	var tokens []domain.Token
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens = append(tokens, domain.Token(part))
	}
	return tokens
}

// PoolStats summarizes token usability for one provider on the current day.
type PoolStats struct {
	Total     int
	Active    int
	Exhausted int
}

// Usable reports whether at least one token is not exhausted today.
func (s PoolStats) Usable() bool {
	return s.Active > 0
}

// Stats counts tokens against today's exhaustion marks. Marks from previous
// days do not count as exhausted.
func Stats(tokens []domain.Token, health map[domain.Token]domain.TokenHealth, now time.Time) PoolStats {
	day := domain.DayKey(now)
	stats := PoolStats{Total: len(tokens)}
	for _, tok := range tokens {
		if health[tok].ExhaustedOn(day) {
			stats.Exhausted++
		}
	}
	stats.Active = stats.Total - stats.Exhausted
	return stats
}

// Pool owns the ordered token list of one provider together with its
// exhaustion marks. Not safe for concurrent use; the orchestrator drives all
// mutations from a single goroutine.
type Pool struct {
	provider string
	tokens   []domain.Token
	health   map[domain.Token]domain.TokenHealth
	repo     domain.TokenHealthRepository
	logger   infra.Logger
	now      func() time.Time
}

// New creates a pool for the provider's ordered token list. The repository
// may be nil, in which case marks live only in memory.
func New(provider string, tokens []domain.Token, repo domain.TokenHealthRepository, logger infra.Logger) *Pool {
	return &Pool{
		provider: provider,
		tokens:   tokens,
		health:   make(map[domain.Token]domain.TokenHealth),
		repo:     repo,
		logger:   logger,
		now:      time.Now,
	}
}

// Load hydrates exhaustion marks from the repository. Missing state is not an
// error; the pool simply starts with clean marks.
func (p *Pool) Load(ctx context.Context) {
	if p.repo == nil {
		return
	}
	health, err := p.repo.Load(ctx, p.provider)
	if err != nil {
		p.logger.Warn().Err(err).Str("provider", p.provider).Msg("tokenpool: load health failed")
		return
	}
	if health != nil {
		p.health = health
	}
}

// Provider returns the provider id this pool serves.
func (p *Pool) Provider() string {
	return p.provider
}

// Stats reports usability counts for the current day.
func (p *Pool) Stats() PoolStats {
	return Stats(p.tokens, p.health, p.now())
}

// SelectKey returns the first token not exhausted today. When every token is
// marked, the first token is returned anyway: marks are a cache of provider
// responses, not a hard ban. Returns false only for an empty token list.
func (p *Pool) SelectKey() (domain.Token, bool) {
	if len(p.tokens) == 0 {
		return "", false
	}
	day := domain.DayKey(p.now())
	for _, tok := range p.tokens {
		if !p.health[tok].ExhaustedOn(day) {
			return tok, true
		}
	}
	return p.tokens[0], true
}

// Candidates returns the tokens to try for one request, in priority order,
// non-exhausted tokens first. Each token appears exactly once.
func (p *Pool) Candidates() []domain.Token {
	day := domain.DayKey(p.now())
	fresh := make([]domain.Token, 0, len(p.tokens))
	var stale []domain.Token
	for _, tok := range p.tokens {
		if p.health[tok].ExhaustedOn(day) {
			stale = append(stale, tok)
		} else {
			fresh = append(fresh, tok)
		}
	}
	return append(fresh, stale...)
}

// MarkExhausted records a provider-reported quota exhaustion for the token,
// dated today. Persistence is fire and forget.
func (p *Pool) MarkExhausted(ctx context.Context, tok domain.Token) {
	p.health[tok] = domain.TokenHealth{Exhausted: true, MarkedDay: domain.DayKey(p.now())}
	p.logger.Info().Str("provider", p.provider).Msg("tokenpool: token marked exhausted for today")
	if p.repo == nil {
		return
	}
	if err := p.repo.Save(ctx, p.provider, p.health); err != nil {
		p.logger.Warn().Err(err).Str("provider", p.provider).Msg("tokenpool: persist health failed")
	}
}

// SetClock overrides the time source. Intended for tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.now = now
}
