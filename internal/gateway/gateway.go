package gateway

import (
	"context"
	"errors"
	"fmt"

	"studio/internal/domain"
)

// Kind classifies a provider call failure for the retry logic upstream.
type Kind int

const (
	// KindQuotaExhausted means the provider signaled rate-limit or quota
	// exhaustion for the token used. The caller should mark the token and
	// rotate to the next candidate.
	KindQuotaExhausted Kind = iota
	// KindTransient covers network failures, timeouts and 5xx responses.
	// Eligible for a bounded retry.
	KindTransient
	// KindFatal covers malformed requests, non-quota auth failures and
	// unsupported parameters. Never retried automatically.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified provider call failure.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("gateway: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Message)
}

// KindOf extracts the failure kind from err. Unclassified errors read as
// transient so unexpected failures stay retryable rather than poisoning a job.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindTransient
}

// GenerateRequest describes a normalized synchronous image request. When
// SourceImage is set the provider's edit operation is used instead of plain
// generation.
type GenerateRequest struct {
	Prompt      string
	AspectRatio string
	Model       string
	Seed        *int64
	SourceImage *SourceImage
}

// SourceImage is conditioning input for the edit operation.
type SourceImage struct {
	Data []byte
	MIME string
}

// UpscaleRequest asks the provider to upscale an already generated artifact.
type UpscaleRequest struct {
	URL   string
	Model string
}

// VideoRequest submits an asynchronous video generation task.
type VideoRequest struct {
	Prompt   string
	Duration int
	Steps    int
	Guidance float64
	Model    string
}

// Artifact is the normalized result of a synchronous provider call.
type Artifact struct {
	URL    string
	Format string
	Seed   *int64
}

// VideoPoll is one status observation of an asynchronous video task.
type VideoPoll struct {
	Done    bool
	Failed  bool
	URL     string
	Message string
}

// Gateway performs single outbound calls against one provider using a caller
// supplied token and classifies failures via *Error.
type Gateway interface {
	Generate(ctx context.Context, token domain.Token, req GenerateRequest) (*Artifact, error)
	Upscale(ctx context.Context, token domain.Token, req UpscaleRequest) (*Artifact, error)
	EnhancePrompt(ctx context.Context, token domain.Token, prompt string) (string, error)
	SubmitVideo(ctx context.Context, token domain.Token, req VideoRequest) (string, error)
	PollVideo(ctx context.Context, token domain.Token, taskID string) (*VideoPoll, error)
}
