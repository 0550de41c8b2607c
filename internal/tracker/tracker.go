package tracker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"studio/internal/domain"
	"studio/internal/gateway"
	"studio/internal/infra"
)

// Poller issues one status check for an asynchronous video task. The job's
// provider decides which gateway and token get used; the tracker stays
// ignorant of both.
type Poller func(ctx context.Context, provider, taskID string) (*gateway.VideoPoll, error)

// UpdateFunc receives exactly one terminal patch per tracked job.
type UpdateFunc func(ctx context.Context, jobID string, patch domain.JobPatch)

// Options bounds the poll schedule. Zero fields fall back to defaults.
type Options struct {
	// Base is the delay before the first rescheduled poll; it doubles per
	// attempt up to Cap.
	Base time.Duration
	Cap  time.Duration
	// MaxAttempts and MaxElapsed bound a job's polling; crossing either one
	// fails the job with a timeout error.
	MaxAttempts int
	MaxElapsed  time.Duration
}

const (
	defaultBase        = 5 * time.Second
	defaultCap         = 60 * time.Second
	defaultMaxAttempts = 60
	defaultMaxElapsed  = 15 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.Base <= 0 {
		o.Base = defaultBase
	}
	if o.Cap <= 0 {
		o.Cap = defaultCap
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = defaultMaxElapsed
	}
	return o
}

// task is the scheduled record for one in-flight video job. Scheduling is a
// plain record drawn from a single loop, never a timer owned by the task:
// cancellation is "drop the record", not "chase a timer handle".
type task struct {
	jobID      string
	provider   string
	taskID     string
	attempt    int
	startedAt  time.Time
	nextPollAt time.Time
}

// Tracker schedules status polls for asynchronous video jobs. One Tick polls
// every due task sequentially, so no two polls for the same job are ever in
// flight. Not safe for concurrent use.
type Tracker struct {
	tasks    map[string]*task
	poll     Poller
	onUpdate UpdateFunc
	opts     Options
	logger   infra.Logger
	now      func() time.Time
}

// New creates a tracker that reports terminal transitions through onUpdate.
func New(poll Poller, onUpdate UpdateFunc, opts Options, logger infra.Logger) *Tracker {
	return &Tracker{
		tasks:    make(map[string]*task),
		poll:     poll,
		onUpdate: onUpdate,
		opts:     opts.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Track registers a submitted video task; the first poll is due immediately.
// Re-tracking an id replaces the previous record.
func (t *Tracker) Track(jobID, provider, taskID string) {
	now := t.now()
	t.tasks[jobID] = &task{
		jobID:      jobID,
		provider:   provider,
		taskID:     taskID,
		startedAt:  now,
		nextPollAt: now,
	}
}

// Cancel drops the record for jobID. No further polls reference the id.
func (t *Tracker) Cancel(jobID string) {
	delete(t.tasks, jobID)
}

// Len reports how many jobs still have pending poll schedules.
func (t *Tracker) Len() int {
	return len(t.tasks)
}

// Tracking reports whether jobID has a pending poll schedule.
func (t *Tracker) Tracking(jobID string) bool {
	_, ok := t.tasks[jobID]
	return ok
}

// Due returns the ids whose next poll time has elapsed, sorted so Tick order
// is deterministic.
func (t *Tracker) Due(now time.Time) []string {
	var due []string
	for id, tk := range t.tasks {
		if !tk.nextPollAt.After(now) {
			due = append(due, id)
		}
	}
	sort.Strings(due)
	return due
}

// NextPollAt exposes a job's earliest allowed poll time.
func (t *Tracker) NextPollAt(jobID string) (time.Time, bool) {
	tk, ok := t.tasks[jobID]
	if !ok {
		return time.Time{}, false
	}
	return tk.nextPollAt, true
}

// Tick polls every due task once. Terminal transitions fire onUpdate exactly
// once and drop the record; still-processing tasks get rescheduled with a
// capped doubling backoff.
func (t *Tracker) Tick(ctx context.Context) {
	now := t.now()
	for _, id := range t.Due(now) {
		tk, ok := t.tasks[id]
		if !ok {
			continue
		}
		t.pollOne(ctx, tk)
		if ctx.Err() != nil {
			return
		}
	}
}

func (t *Tracker) pollOne(ctx context.Context, tk *task) {
	now := t.now()
	if tk.attempt >= t.opts.MaxAttempts || now.Sub(tk.startedAt) >= t.opts.MaxElapsed {
		t.finish(ctx, tk, failedPatch(fmt.Sprintf(
			"video generation timed out after %d polls over %s",
			tk.attempt, now.Sub(tk.startedAt).Round(time.Second))))
		return
	}

	poll, err := t.poll(ctx, tk.provider, tk.taskID)
	if err != nil {
		if gateway.KindOf(err) == gateway.KindFatal {
			t.finish(ctx, tk, failedPatch(err.Error()))
			return
		}
		// Transient and quota failures on a status check do not fail the
		// job; the task stays scheduled.
		t.logger.Warn().Err(err).Str("job_id", tk.jobID).Msg("tracker: poll failed, rescheduling")
		t.reschedule(tk)
		return
	}

	switch {
	case poll.Done:
		status := domain.VideoStatusSuccess
		t.finish(ctx, tk, domain.JobPatch{
			VideoStatus: &status,
			VideoURL:    &poll.URL,
		})
	case poll.Failed:
		t.finish(ctx, tk, failedPatch(poll.Message))
	default:
		t.reschedule(tk)
	}
}

func (t *Tracker) reschedule(tk *task) {
	tk.attempt++
	tk.nextPollAt = t.now().Add(t.backoff(tk.attempt))
}

// backoff doubles from Base per attempt and never exceeds Cap, so the delay
// sequence is monotonically non-decreasing.
func (t *Tracker) backoff(attempt int) time.Duration {
	d := t.opts.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.opts.Cap {
			return t.opts.Cap
		}
	}
	if d > t.opts.Cap {
		return t.opts.Cap
	}
	return d
}

func (t *Tracker) finish(ctx context.Context, tk *task, patch domain.JobPatch) {
	delete(t.tasks, tk.jobID)
	if patch.VideoStatus != nil {
		t.logger.Info().
			Str("job_id", tk.jobID).
			Str("status", string(*patch.VideoStatus)).
			Int("attempts", tk.attempt).
			Msg("tracker: video task finished")
	}
	t.onUpdate(ctx, tk.jobID, patch)
}

// SetClock overrides the time source. Intended for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func failedPatch(message string) domain.JobPatch {
	status := domain.VideoStatusFailed
	if message == "" {
		message = "video generation failed"
	}
	return domain.JobPatch{VideoStatus: &status, VideoError: &message}
}
