package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"studio/internal/domain"
	"studio/internal/gateway"
	"studio/internal/history"
	"studio/internal/infra"
	"studio/internal/tokenpool"
	"studio/internal/tracker"
)

// Provider bundles one provider's gateway with its token pool.
type Provider struct {
	Gateway gateway.Gateway
	Pool    *tokenpool.Pool
}

// Options tunes request retry behavior.
type Options struct {
	// TransientRetries is how many extra attempts a transient failure gets
	// with the same token before the request is given up.
	TransientRetries int
	// Tracker bounds handed to the video poll scheduler.
	Tracker tracker.Options
}

const defaultTransientRetries = 2

// Orchestrator drives one user request end to end: prompt bookkeeping, token
// selection, gateway calls with rotation, history mutation and video poll
// handoff. All methods must be called from a single goroutine.
type Orchestrator struct {
	providers map[string]Provider
	store     *history.Store
	prompts   *history.Prompts
	tracker   *tracker.Tracker
	logger    infra.Logger
	retries   int
	currentID string
	staged    map[string]gateway.Artifact // pending upscale previews by job id
	now       func() time.Time
}

// New wires an orchestrator over the given providers and session stores.
func New(providers map[string]Provider, store *history.Store, prompts *history.Prompts, logger infra.Logger, opts Options) *Orchestrator {
	retries := opts.TransientRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultTransientRetries
	}
	o := &Orchestrator{
		providers: providers,
		store:     store,
		prompts:   prompts,
		logger:    logger,
		retries:   retries,
		staged:    make(map[string]gateway.Artifact),
		now:       time.Now,
	}
	o.tracker = tracker.New(o.pollVideo, o.applyVideoPatch, opts.Tracker, logger)
	return o
}

// Request describes one synchronous generation request.
type Request struct {
	Provider    string
	Prompt      string
	AspectRatio string
	Model       string
	Seed        *int64
	SourceImage *gateway.SourceImage
}

// VideoParams carries the user-facing knobs for a video derivative. Numeric
// range enforcement belongs to the presentation layer.
type VideoParams struct {
	Prompt   string
	Duration int
	Steps    int
	Guidance float64
}

// Generate runs one image generation or edit request. The prompt is recorded
// before anything else so a failed request still preserves the user's intent.
// On success the new job becomes the current reference.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (domain.GenerationJob, error) {
	o.prompts.Add(ctx, req.Prompt)

	provider, err := o.provider(req.Provider)
	if err != nil {
		return domain.GenerationJob{}, err
	}

	started := o.now()
	var artifact *gateway.Artifact
	callErr := o.withRotation(ctx, req.Provider, provider, func(tok domain.Token) error {
		var gerr error
		artifact, gerr = provider.Gateway.Generate(ctx, tok, gateway.GenerateRequest{
			Prompt:      req.Prompt,
			AspectRatio: req.AspectRatio,
			Model:       req.Model,
			Seed:        req.Seed,
			SourceImage: req.SourceImage,
		})
		return gerr
	})
	if callErr != nil {
		return domain.GenerationJob{}, callErr
	}

	now := o.now()
	job := domain.GenerationJob{
		ID:              uuid.NewString(),
		Prompt:          req.Prompt,
		AspectRatio:     req.AspectRatio,
		Model:           req.Model,
		Provider:        req.Provider,
		Seed:            artifact.Seed,
		CreatedAt:       now.UnixMilli(),
		DurationSeconds: now.Sub(started).Seconds(),
		URL:             artifact.URL,
	}
	if job.Seed == nil {
		job.Seed = req.Seed
	}
	o.store.Insert(ctx, job)
	o.currentID = job.ID
	o.logger.Info().
		Str("job_id", job.ID).
		Str("provider", job.Provider).
		Float64("duration_s", job.DurationSeconds).
		Msg("orchestrator: generation succeeded")
	return job, nil
}

// RequestVideo submits an asynchronous video derivative for an existing job
// and hands polling to the tracker. The terminal transition arrives later as
// a single history update.
func (o *Orchestrator) RequestVideo(ctx context.Context, id string, params VideoParams) error {
	job, ok := o.store.Get(id)
	if !ok {
		return domain.ErrNotFound
	}
	if job.VideoStatus == domain.VideoStatusGenerating {
		return domain.ErrVideoInFlight
	}
	provider, err := o.provider(job.Provider)
	if err != nil {
		return err
	}

	prompt := params.Prompt
	if prompt == "" {
		prompt = job.Prompt
	}

	var taskID string
	callErr := o.withRotation(ctx, job.Provider, provider, func(tok domain.Token) error {
		var gerr error
		taskID, gerr = provider.Gateway.SubmitVideo(ctx, tok, gateway.VideoRequest{
			Prompt:   prompt,
			Duration: params.Duration,
			Steps:    params.Steps,
			Guidance: params.Guidance,
			Model:    job.Model,
		})
		return gerr
	})
	if callErr != nil {
		return callErr
	}

	status := domain.VideoStatusGenerating
	nextPoll := o.now().UnixMilli()
	empty := ""
	if err := o.store.Update(ctx, id, domain.JobPatch{
		VideoStatus:     &status,
		VideoTaskID:     &taskID,
		VideoURL:        &empty,
		VideoError:      &empty,
		VideoNextPollAt: &nextPoll,
	}); err != nil {
		return err
	}
	o.tracker.Track(id, job.Provider, taskID)
	return nil
}

// ApplyUpscale fetches an upscaled rendition and stages it as a preview. The
// history entry stays untouched until CommitUpscale.
func (o *Orchestrator) ApplyUpscale(ctx context.Context, id string) (gateway.Artifact, error) {
	job, ok := o.store.Get(id)
	if !ok {
		return gateway.Artifact{}, domain.ErrNotFound
	}
	provider, err := o.provider(job.Provider)
	if err != nil {
		return gateway.Artifact{}, err
	}

	var artifact *gateway.Artifact
	callErr := o.withRotation(ctx, job.Provider, provider, func(tok domain.Token) error {
		var gerr error
		artifact, gerr = provider.Gateway.Upscale(ctx, tok, gateway.UpscaleRequest{URL: job.URL, Model: job.Model})
		return gerr
	})
	if callErr != nil {
		return gateway.Artifact{}, callErr
	}
	o.staged[id] = *artifact
	return *artifact, nil
}

// CommitUpscale applies the staged preview to the job and clears the staging.
func (o *Orchestrator) CommitUpscale(ctx context.Context, id string) error {
	artifact, ok := o.staged[id]
	if !ok {
		return domain.ErrNoStagedUpscale
	}
	upscaled := true
	if err := o.store.Update(ctx, id, domain.JobPatch{URL: &artifact.URL, IsUpscaled: &upscaled}); err != nil {
		return err
	}
	delete(o.staged, id)
	return nil
}

// DiscardUpscale drops the staged preview without touching the store.
func (o *Orchestrator) DiscardUpscale(id string) {
	delete(o.staged, id)
}

// ToggleBlur flips the display-only privacy flag on a job.
func (o *Orchestrator) ToggleBlur(ctx context.Context, id string) error {
	job, ok := o.store.Get(id)
	if !ok {
		return domain.ErrNotFound
	}
	blurred := !job.IsBlurred
	return o.store.Update(ctx, id, domain.JobPatch{IsBlurred: &blurred})
}

// EnhancePrompt rewrites a prompt through the provider's text endpoint, with
// the same token rotation rules as generation.
func (o *Orchestrator) EnhancePrompt(ctx context.Context, providerID, prompt string) (string, error) {
	provider, err := o.provider(providerID)
	if err != nil {
		return "", err
	}
	var enhanced string
	callErr := o.withRotation(ctx, providerID, provider, func(tok domain.Token) error {
		var gerr error
		enhanced, gerr = provider.Gateway.EnhancePrompt(ctx, tok, prompt)
		return gerr
	})
	if callErr != nil {
		return "", callErr
	}
	return enhanced, nil
}

// Delete removes a job, cancelling any pending video polls for it first so no
// orphaned schedule outlives the entry. The current reference falls back to
// the new head.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.tracker.Cancel(id)
	delete(o.staged, id)
	if err := o.store.Remove(ctx, id); err != nil {
		return err
	}
	if o.currentID == id {
		if head, ok := o.store.Head(); ok {
			o.currentID = head.ID
		} else {
			o.currentID = ""
		}
	}
	return nil
}

// Current resolves the current reference by id. The reference is non-owning:
// the store remains the single source of truth.
func (o *Orchestrator) Current() (domain.GenerationJob, bool) {
	if o.currentID == "" {
		return domain.GenerationJob{}, false
	}
	return o.store.Get(o.currentID)
}

// SetCurrent points the current reference at an existing entry.
func (o *Orchestrator) SetCurrent(id string) error {
	if _, ok := o.store.Get(id); !ok {
		return domain.ErrNotFound
	}
	o.currentID = id
	return nil
}

// PollDue runs one tracker tick. The driving loop calls this on its cadence;
// a poll never fires before a job's own scheduled time.
func (o *Orchestrator) PollDue(ctx context.Context) {
	o.tracker.Tick(ctx)
}

// TrackingVideo reports whether a job still has a pending poll schedule.
func (o *Orchestrator) TrackingVideo(id string) bool {
	return o.tracker.Tracking(id)
}

// ProviderStats reports per-provider token usability for display.
func (o *Orchestrator) ProviderStats() map[string]tokenpool.PoolStats {
	stats := make(map[string]tokenpool.PoolStats, len(o.providers))
	for id, p := range o.providers {
		stats[id] = p.Pool.Stats()
	}
	return stats
}

// provider resolves a configured provider with at least one token. A missing
// provider or an empty token list is a configuration error, not a gateway
// failure.
func (o *Orchestrator) provider(id string) (Provider, error) {
	p, ok := o.providers[id]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, id)
	}
	if p.Pool.Stats().Total == 0 {
		return Provider{}, fmt.Errorf("%w: %q", domain.ErrNoUsableToken, id)
	}
	return p, nil
}

// withRotation runs call against the provider's candidate tokens: quota
// exhaustion marks the token and rotates, transient failures retry a bounded
// number of times on the same token, fatal failures abort immediately.
func (o *Orchestrator) withRotation(ctx context.Context, providerID string, p Provider, call func(domain.Token) error) error {
	candidates := p.Pool.Candidates()
	if len(candidates) == 0 {
		return fmt.Errorf("%w: %q", domain.ErrNoUsableToken, providerID)
	}

	var lastErr error
	for _, tok := range candidates {
		attempts := 0
		for {
			lastErr = call(tok)
			if lastErr == nil {
				return nil
			}
			switch gateway.KindOf(lastErr) {
			case gateway.KindQuotaExhausted:
				p.Pool.MarkExhausted(ctx, tok)
			case gateway.KindTransient:
				if attempts < o.retries {
					attempts++
					continue
				}
				o.logger.Warn().Err(lastErr).Str("provider", providerID).Msg("orchestrator: transient retries exhausted")
				return lastErr
			default:
				return lastErr
			}
			break // rotate to the next token
		}
	}
	o.logger.Warn().Str("provider", providerID).Msg("orchestrator: all tokens exhausted for request")
	return lastErr
}

// pollVideo is the tracker's poll hook: it resolves a current token for the
// job's provider and issues one status check.
func (o *Orchestrator) pollVideo(ctx context.Context, providerID, taskID string) (*gateway.VideoPoll, error) {
	p, err := o.provider(providerID)
	if err != nil {
		return nil, err
	}
	tok, ok := p.Pool.SelectKey()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrNoUsableToken, providerID)
	}
	return p.Gateway.PollVideo(ctx, tok, taskID)
}

// applyVideoPatch is the tracker's terminal hook: exactly one history update
// per finished video. A failed video leaves the image fields intact.
func (o *Orchestrator) applyVideoPatch(ctx context.Context, jobID string, patch domain.JobPatch) {
	if err := o.store.Update(ctx, jobID, patch); err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID).Msg("orchestrator: video patch for missing job dropped")
	}
}

// SetClock overrides the time source. Intended for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Tracker exposes the video poll scheduler, primarily for tests and the
// driving loop's introspection.
func (o *Orchestrator) Tracker() *tracker.Tracker {
	return o.tracker
}
