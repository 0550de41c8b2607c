package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/domain"
	"studio/internal/gateway"
	"studio/internal/history"
	"studio/internal/tokenpool"
	"studio/internal/tracker"
)

type call struct {
	op    string
	token domain.Token
}

// stubGateway scripts per-operation responses and records the tokens used.
type stubGateway struct {
	calls       []call
	generate    []stubResult
	upscale     []stubResult
	submit      []stubResult
	polls       []stubPoll
	enhanceText string
	enhanceErr  error
}

type stubResult struct {
	artifact *gateway.Artifact
	taskID   string
	err      error
}

type stubPoll struct {
	poll *gateway.VideoPoll
	err  error
}

func (s *stubGateway) next(queue *[]stubResult) stubResult {
	if len(*queue) == 0 {
		return stubResult{err: errors.New("stub queue empty")}
	}
	head := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	return head
}

func (s *stubGateway) Generate(ctx context.Context, token domain.Token, req gateway.GenerateRequest) (*gateway.Artifact, error) {
	s.calls = append(s.calls, call{op: "generate", token: token})
	r := s.next(&s.generate)
	return r.artifact, r.err
}

func (s *stubGateway) Upscale(ctx context.Context, token domain.Token, req gateway.UpscaleRequest) (*gateway.Artifact, error) {
	s.calls = append(s.calls, call{op: "upscale", token: token})
	r := s.next(&s.upscale)
	return r.artifact, r.err
}

func (s *stubGateway) EnhancePrompt(ctx context.Context, token domain.Token, prompt string) (string, error) {
	s.calls = append(s.calls, call{op: "enhance", token: token})
	return s.enhanceText, s.enhanceErr
}

func (s *stubGateway) SubmitVideo(ctx context.Context, token domain.Token, req gateway.VideoRequest) (string, error) {
	s.calls = append(s.calls, call{op: "submit", token: token})
	r := s.next(&s.submit)
	return r.taskID, r.err
}

func (s *stubGateway) PollVideo(ctx context.Context, token domain.Token, taskID string) (*gateway.VideoPoll, error) {
	s.calls = append(s.calls, call{op: "poll", token: token})
	if len(s.polls) == 0 {
		return &gateway.VideoPoll{}, nil
	}
	head := s.polls[0]
	if len(s.polls) > 1 {
		s.polls = s.polls[1:]
	}
	return head.poll, head.err
}

func quotaErr() error {
	return &gateway.Error{Kind: gateway.KindQuotaExhausted, Status: 429, Message: "quota exceeded"}
}

func transientErr() error {
	return &gateway.Error{Kind: gateway.KindTransient, Status: 503, Message: "upstream unavailable"}
}

func fatalErr() error {
	return &gateway.Error{Kind: gateway.KindFatal, Status: 400, Message: "bad request"}
}

func okArtifact(url string) stubResult {
	return stubResult{artifact: &gateway.Artifact{URL: url, Format: "image/png"}}
}

type env struct {
	orch    *Orchestrator
	gw      *stubGateway
	store   *history.Store
	prompts *history.Prompts
	pool    *tokenpool.Pool
}

func newEnv(t *testing.T, tokens string, gw *stubGateway) *env {
	t.Helper()
	logger := zerolog.New(io.Discard)
	pool := tokenpool.New("gemini", tokenpool.Parse(tokens), nil, logger)
	store := history.NewStore(nil, logger, 0)
	prompts := history.NewPrompts(nil, logger)
	orch := New(map[string]Provider{
		"gemini": {Gateway: gw, Pool: pool},
	}, store, prompts, logger, Options{
		Tracker: tracker.Options{Base: time.Millisecond, Cap: time.Millisecond},
	})
	return &env{orch: orch, gw: gw, store: store, prompts: prompts, pool: pool}
}

func TestGenerateSuccessInsertsJobAndSetsCurrent(t *testing.T) {
	gw := &stubGateway{generate: []stubResult{okArtifact("https://cdn.example.com/a.png")}}
	e := newEnv(t, "a,b", gw)

	job, err := e.orch.Generate(context.Background(), Request{Provider: "gemini", Prompt: "a cat", AspectRatio: "16:9"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if job.ID == "" || job.URL != "https://cdn.example.com/a.png" {
		t.Fatalf("job = %+v", job)
	}
	if job.CreatedAt == 0 {
		t.Fatalf("job missing CreatedAt")
	}
	if e.store.Len() != 1 {
		t.Fatalf("history len = %d, want 1", e.store.Len())
	}
	current, ok := e.orch.Current()
	if !ok || current.ID != job.ID {
		t.Fatalf("current = %+v, want the new job", current)
	}
	if got := e.prompts.All(); len(got) != 1 || got[0] != "a cat" {
		t.Fatalf("prompt history = %v", got)
	}
}

func TestGenerateRotatesTokensOnQuotaExhaustion(t *testing.T) {
	gw := &stubGateway{generate: []stubResult{
		{err: quotaErr()},
		{err: quotaErr()},
		okArtifact("https://cdn.example.com/c.png"),
	}}
	e := newEnv(t, "a,b,c", gw)

	job, err := e.orch.Generate(context.Background(), Request{Provider: "gemini", Prompt: "sunset"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if job.URL != "https://cdn.example.com/c.png" {
		t.Fatalf("url = %q", job.URL)
	}
	want := []domain.Token{"a", "b", "c"}
	if len(gw.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(gw.calls))
	}
	for i, c := range gw.calls {
		if c.token != want[i] {
			t.Fatalf("call %d used token %q, want %q", i, c.token, want[i])
		}
	}
	stats := e.pool.Stats()
	if stats.Exhausted != 2 {
		t.Fatalf("exhausted = %d, want the two failed tokens marked", stats.Exhausted)
	}
}

func TestGenerateSurfacesQuotaErrorWhenAllTokensExhausted(t *testing.T) {
	gw := &stubGateway{generate: []stubResult{{err: quotaErr()}, {err: quotaErr()}}}
	e := newEnv(t, "a,b", gw)

	_, err := e.orch.Generate(context.Background(), Request{Provider: "gemini", Prompt: "sunset"})
	if err == nil {
		t.Fatalf("expected error after exhausting all tokens")
	}
	if gateway.KindOf(err) != gateway.KindQuotaExhausted {
		t.Fatalf("err = %v, want quota classification", err)
	}
	if got := e.prompts.All(); len(got) != 1 {
		t.Fatalf("failed generation must still record the prompt, got %v", got)
	}
	if e.store.Len() != 0 {
		t.Fatalf("failed generation inserted a job")
	}
}

func TestGenerateRetriesTransientThenFails(t *testing.T) {
	gw := &stubGateway{generate: []stubResult{
		{err: transientErr()},
		{err: transientErr()},
		{err: transientErr()},
	}}
	e := newEnv(t, "a,b", gw)

	_, err := e.orch.Generate(context.Background(), Request{Provider: "gemini", Prompt: "sunset"})
	if err == nil {
		t.Fatalf("expected transient error to surface")
	}
	// Default budget: initial attempt plus two retries, all on the same token.
	if len(gw.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(gw.calls))
	}
	for _, c := range gw.calls {
		if c.token != "a" {
			t.Fatalf("transient retries must keep the same token, used %q", c.token)
		}
	}
}

func TestGenerateRecoversAfterTransientRetry(t *testing.T) {
	gw := &stubGateway{generate: []stubResult{
		{err: transientErr()},
		okArtifact("https://cdn.example.com/a.png"),
	}}
	e := newEnv(t, "a", gw)

	job, err := e.orch.Generate(context.Background(), Request{Provider: "gemini", Prompt: "sunset"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if job.URL == "" || len(gw.calls) != 2 {
		t.Fatalf("job = %+v, calls = %d", job, len(gw.calls))
	}
}

func TestGenerateAbortsImmediatelyOnFatal(t *testing.T) {
	gw := &stubGateway{generate: []stubResult{{err: fatalErr()}}}
	e := newEnv(t, "a,b,c", gw)

	_, err := e.orch.Generate(context.Background(), Request{Provider: "gemini", Prompt: "sunset"})
	if err == nil || gateway.KindOf(err) != gateway.KindFatal {
		t.Fatalf("err = %v, want fatal", err)
	}
	if len(gw.calls) != 1 {
		t.Fatalf("fatal errors must not be retried, calls = %d", len(gw.calls))
	}
}

func TestGenerateUnknownProviderIsConfigurationError(t *testing.T) {
	e := newEnv(t, "a", &stubGateway{})
	_, err := e.orch.Generate(context.Background(), Request{Provider: "imagen", Prompt: "sunset"})
	if !errors.Is(err, domain.ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestGenerateNoTokensIsConfigurationError(t *testing.T) {
	e := newEnv(t, "", &stubGateway{})
	_, err := e.orch.Generate(context.Background(), Request{Provider: "gemini", Prompt: "sunset"})
	if !errors.Is(err, domain.ErrNoUsableToken) {
		t.Fatalf("err = %v, want ErrNoUsableToken", err)
	}
}

func generateOne(t *testing.T, e *env) domain.GenerationJob {
	t.Helper()
	e.gw.generate = append(e.gw.generate, okArtifact("https://cdn.example.com/img.png"))
	job, err := e.orch.Generate(context.Background(), Request{Provider: "gemini", Prompt: "base image"})
	if err != nil {
		t.Fatalf("seed generate: %v", err)
	}
	return job
}

func TestVideoLifecycleSuccess(t *testing.T) {
	gw := &stubGateway{
		submit: []stubResult{{taskID: "task-9"}},
		polls: []stubPoll{
			{poll: &gateway.VideoPoll{}},
			{poll: &gateway.VideoPoll{}},
			{poll: &gateway.VideoPoll{}},
			{poll: &gateway.VideoPoll{Done: true, URL: "v.mp4"}},
		},
	}
	e := newEnv(t, "a", gw)
	job := generateOne(t, e)

	if err := e.orch.RequestVideo(context.Background(), job.ID, VideoParams{Duration: 8}); err != nil {
		t.Fatalf("request video: %v", err)
	}
	mid, _ := e.store.Get(job.ID)
	if mid.VideoStatus != domain.VideoStatusGenerating || mid.VideoTaskID != "task-9" {
		t.Fatalf("job after submit = %+v", mid)
	}

	deadline := time.Now().Add(time.Second)
	for e.orch.TrackingVideo(job.ID) && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
		e.orch.PollDue(context.Background())
	}

	final, _ := e.store.Get(job.ID)
	if final.VideoStatus != domain.VideoStatusSuccess || final.VideoURL != "v.mp4" {
		t.Fatalf("final video state = %+v", final)
	}
	if final.URL != "https://cdn.example.com/img.png" {
		t.Fatalf("image url clobbered by video flow: %+v", final)
	}
}

func TestVideoFailureKeepsImageFields(t *testing.T) {
	gw := &stubGateway{
		submit: []stubResult{{taskID: "task-9"}},
		polls:  []stubPoll{{poll: &gateway.VideoPoll{Failed: true, Message: "blocked"}}},
	}
	e := newEnv(t, "a", gw)
	job := generateOne(t, e)

	if err := e.orch.RequestVideo(context.Background(), job.ID, VideoParams{}); err != nil {
		t.Fatalf("request video: %v", err)
	}
	e.orch.PollDue(context.Background())

	final, _ := e.store.Get(job.ID)
	if final.VideoStatus != domain.VideoStatusFailed || final.VideoError != "blocked" {
		t.Fatalf("final = %+v", final)
	}
	if final.URL == "" || final.Prompt == "" {
		t.Fatalf("image fields discarded on video failure: %+v", final)
	}
}

func TestRequestVideoRejectsSecondInFlight(t *testing.T) {
	gw := &stubGateway{submit: []stubResult{{taskID: "task-1"}, {taskID: "task-2"}}}
	e := newEnv(t, "a", gw)
	job := generateOne(t, e)

	if err := e.orch.RequestVideo(context.Background(), job.ID, VideoParams{}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	err := e.orch.RequestVideo(context.Background(), job.ID, VideoParams{})
	if !errors.Is(err, domain.ErrVideoInFlight) {
		t.Fatalf("err = %v, want ErrVideoInFlight", err)
	}
}

func TestDeleteCancelsPendingPolls(t *testing.T) {
	gw := &stubGateway{submit: []stubResult{{taskID: "task-9"}}}
	e := newEnv(t, "a", gw)
	job := generateOne(t, e)

	if err := e.orch.RequestVideo(context.Background(), job.ID, VideoParams{}); err != nil {
		t.Fatalf("request video: %v", err)
	}
	if err := e.orch.Delete(context.Background(), job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	before := len(gw.calls)
	for i := 0; i < 5; i++ {
		e.orch.PollDue(context.Background())
	}
	if len(gw.calls) != before {
		t.Fatalf("polls observed after delete: %d", len(gw.calls)-before)
	}
	if _, ok := e.orch.Current(); ok {
		t.Fatalf("current should be empty after deleting the only job")
	}
}

func TestDeleteFallsBackToNewHead(t *testing.T) {
	gw := &stubGateway{}
	e := newEnv(t, "a", gw)
	first := generateOne(t, e)
	second := generateOne(t, e)

	if err := e.orch.Delete(context.Background(), second.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	current, ok := e.orch.Current()
	if !ok || current.ID != first.ID {
		t.Fatalf("current = %+v, want %q", current, first.ID)
	}
}

func TestUpscaleStageCommit(t *testing.T) {
	gw := &stubGateway{upscale: []stubResult{okArtifact("https://cdn.example.com/up.png")}}
	e := newEnv(t, "a", gw)
	job := generateOne(t, e)

	preview, err := e.orch.ApplyUpscale(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("apply upscale: %v", err)
	}
	if preview.URL != "https://cdn.example.com/up.png" {
		t.Fatalf("preview = %+v", preview)
	}
	// Staged only: the store must not change until commit.
	staged, _ := e.store.Get(job.ID)
	if staged.IsUpscaled || staged.URL != job.URL {
		t.Fatalf("upscale applied before commit: %+v", staged)
	}

	if err := e.orch.CommitUpscale(context.Background(), job.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	final, _ := e.store.Get(job.ID)
	if !final.IsUpscaled || final.URL != "https://cdn.example.com/up.png" {
		t.Fatalf("commit not applied: %+v", final)
	}
	if err := e.orch.CommitUpscale(context.Background(), job.ID); !errors.Is(err, domain.ErrNoStagedUpscale) {
		t.Fatalf("second commit err = %v, want ErrNoStagedUpscale", err)
	}
}

func TestUpscaleDiscardTouchesNothing(t *testing.T) {
	gw := &stubGateway{upscale: []stubResult{okArtifact("https://cdn.example.com/up.png")}}
	e := newEnv(t, "a", gw)
	job := generateOne(t, e)

	if _, err := e.orch.ApplyUpscale(context.Background(), job.ID); err != nil {
		t.Fatalf("apply upscale: %v", err)
	}
	e.orch.DiscardUpscale(job.ID)

	final, _ := e.store.Get(job.ID)
	if final.IsUpscaled || final.URL != job.URL {
		t.Fatalf("discard mutated the store: %+v", final)
	}
	if err := e.orch.CommitUpscale(context.Background(), job.ID); !errors.Is(err, domain.ErrNoStagedUpscale) {
		t.Fatalf("commit after discard err = %v", err)
	}
}

func TestToggleBlurFlipsFlagOnly(t *testing.T) {
	gw := &stubGateway{}
	e := newEnv(t, "a", gw)
	job := generateOne(t, e)

	if err := e.orch.ToggleBlur(context.Background(), job.ID); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	blurred, _ := e.store.Get(job.ID)
	if !blurred.IsBlurred {
		t.Fatalf("blur not set")
	}
	if blurred.URL != job.URL {
		t.Fatalf("blur changed artifact data: %+v", blurred)
	}
	if err := e.orch.ToggleBlur(context.Background(), job.ID); err != nil {
		t.Fatalf("toggle back: %v", err)
	}
	if unblurred, _ := e.store.Get(job.ID); unblurred.IsBlurred {
		t.Fatalf("blur not cleared")
	}
}

func TestEnhancePromptUsesTextOperation(t *testing.T) {
	gw := &stubGateway{enhanceText: "a majestic cat, golden hour"}
	e := newEnv(t, "a", gw)

	got, err := e.orch.EnhancePrompt(context.Background(), "gemini", "cat")
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if got != "a majestic cat, golden hour" {
		t.Fatalf("enhanced = %q", got)
	}
	if len(gw.calls) != 1 || gw.calls[0].op != "enhance" {
		t.Fatalf("calls = %+v", gw.calls)
	}
}
