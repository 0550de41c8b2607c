package history

import (
	"context"
	"time"

	"studio/internal/domain"
	"studio/internal/infra"
)

// DefaultTTL is the retention window applied when loading history.
const DefaultTTL = 24 * time.Hour

// Store is the bounded local cache of completed generation jobs, ordered
// newest-first. Eviction is lazy: entries past the TTL are dropped once at
// load time, not continuously. Mutations persist fire-and-forget through the
// repository. Not safe for concurrent use.
type Store struct {
	jobs   []domain.GenerationJob
	repo   domain.HistoryRepository
	logger infra.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates an empty store backed by repo. A nil repo keeps history in
// memory only.
func NewStore(repo domain.HistoryRepository, logger infra.Logger, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		repo:   repo,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Load hydrates the store from the repository, dropping entries whose age
// meets or exceeds the TTL. Order from the repository is preserved.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	jobs, err := s.repo.Load(ctx)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	kept := make([]domain.GenerationJob, 0, len(jobs))
	for _, job := range jobs {
		if job.CreatedAt > cutoff {
			kept = append(kept, job)
		}
	}
	if dropped := len(jobs) - len(kept); dropped > 0 {
		s.logger.Info().Int("dropped", dropped).Msg("history: evicted expired entries at load")
	}
	s.jobs = kept
	return nil
}

// Insert prepends a job. The caller guarantees id uniqueness.
func (s *Store) Insert(ctx context.Context, job domain.GenerationJob) {
	s.jobs = append([]domain.GenerationJob{job}, s.jobs...)
	s.persist(ctx)
}

// Update applies a partial patch to the entry with the given id, in place.
// Position, ID and CreatedAt are never changed; this is the only path by
// which upscale, blur and video fields mutate after creation.
func (s *Store) Update(ctx context.Context, id string, patch domain.JobPatch) error {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			patch.Apply(&s.jobs[i])
			s.persist(ctx)
			return nil
		}
	}
	return domain.ErrNotFound
}

// Remove deletes the entry with the given id. The caller is responsible for
// re-selecting a current reference afterwards.
func (s *Store) Remove(ctx context.Context, id string) error {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			s.persist(ctx)
			return nil
		}
	}
	return domain.ErrNotFound
}

// Get looks up a job by id.
func (s *Store) Get(id string) (domain.GenerationJob, bool) {
	for _, job := range s.jobs {
		if job.ID == id {
			return job, true
		}
	}
	return domain.GenerationJob{}, false
}

// Head returns the newest entry.
func (s *Store) Head() (domain.GenerationJob, bool) {
	if len(s.jobs) == 0 {
		return domain.GenerationJob{}, false
	}
	return s.jobs[0], true
}

// All returns a snapshot copy, newest-first.
func (s *Store) All() []domain.GenerationJob {
	out := make([]domain.GenerationJob, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Len reports the number of retained entries.
func (s *Store) Len() int {
	return len(s.jobs)
}

// persist writes the full snapshot after a mutation. Failures are logged and
// never roll back in-memory state.
func (s *Store) persist(ctx context.Context) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, s.All()); err != nil {
		s.logger.Warn().Err(err).Msg("history: persist failed")
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}
