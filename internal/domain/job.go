package domain

// VideoStatus enumerates the lifecycle states of a requested video derivative.
// The empty string means no video has been requested for the job.
type VideoStatus string

const (
	VideoStatusGenerating VideoStatus = "generating"
	VideoStatusSuccess    VideoStatus = "success"
	VideoStatusFailed     VideoStatus = "failed"
)

// GenerationJob is one user-initiated generation attempt and its artifact.
// Jobs are created once on successful synchronous generation and mutated in
// place afterwards; the id never changes.
type GenerationJob struct {
	ID              string      `json:"id"`
	Prompt          string      `json:"prompt"`
	AspectRatio     string      `json:"aspect_ratio"`
	Model           string      `json:"model"`
	Provider        string      `json:"provider"`
	Seed            *int64      `json:"seed,omitempty"`
	CreatedAt       int64       `json:"created_at"` // epoch milliseconds
	DurationSeconds float64     `json:"duration_seconds,omitempty"`
	IsUpscaled      bool        `json:"is_upscaled"`
	IsBlurred       bool        `json:"is_blurred"`
	URL             string      `json:"url"`
	VideoStatus     VideoStatus `json:"video_status,omitempty"`
	VideoURL        string      `json:"video_url,omitempty"`
	VideoTaskID     string      `json:"video_task_id,omitempty"`
	VideoError      string      `json:"video_error,omitempty"`
	VideoNextPollAt int64       `json:"video_next_poll_at,omitempty"` // epoch milliseconds
}

// JobPatch is a partial in-place update for a GenerationJob. Nil fields are
// left untouched. ID and CreatedAt are deliberately absent: they are immutable
// after creation.
type JobPatch struct {
	URL             *string
	IsUpscaled      *bool
	IsBlurred       *bool
	VideoStatus     *VideoStatus
	VideoURL        *string
	VideoTaskID     *string
	VideoError      *string
	VideoNextPollAt *int64
}

// Apply mutates the job with every non-nil patch field.
func (p JobPatch) Apply(job *GenerationJob) {
	if p.URL != nil {
		job.URL = *p.URL
	}
	if p.IsUpscaled != nil {
		job.IsUpscaled = *p.IsUpscaled
	}
	if p.IsBlurred != nil {
		job.IsBlurred = *p.IsBlurred
	}
	if p.VideoStatus != nil {
		job.VideoStatus = *p.VideoStatus
	}
	if p.VideoURL != nil {
		job.VideoURL = *p.VideoURL
	}
	if p.VideoTaskID != nil {
		job.VideoTaskID = *p.VideoTaskID
	}
	if p.VideoError != nil {
		job.VideoError = *p.VideoError
	}
	if p.VideoNextPollAt != nil {
		job.VideoNextPollAt = *p.VideoNextPollAt
	}
}
