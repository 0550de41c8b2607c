package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/domain"
	"studio/internal/infra"
)

// Options configures an HTTP provider client.
type Options struct {
	Provider   string
	BaseURL    string
	Model      string
	Locale     string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client is a generic JSON-over-HTTP adapter for one provider. The wire shape
// follows the common generateContent-style APIs; the orchestration core only
// depends on the Gateway interface and the failure classification.
type Client struct {
	provider   string
	baseURL    string
	model      string
	locale     string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient constructs a provider client with sane defaults. A nil HTTP
// client gets replaced with one carrying a request timeout.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Provider) == "" {
		return nil, fmt.Errorf("gateway: provider id is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("gateway: base url is required for provider %q", opts.Provider)
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Client{
		provider:   opts.Provider,
		baseURL:    baseURL,
		model:      opts.Model,
		locale:     opts.Locale,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Provider returns the provider id this client talks to.
func (c *Client) Provider() string {
	return c.provider
}

type generatePayload struct {
	Prompt      string     `json:"prompt"`
	AspectRatio string     `json:"aspect_ratio,omitempty"`
	Model       string     `json:"model,omitempty"`
	Seed        *int64     `json:"seed,omitempty"`
	Locale      string     `json:"locale,omitempty"`
	SourceImage *imagePart `json:"source_image,omitempty"`
}

type imagePart struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type upscalePayload struct {
	URL   string `json:"url"`
	Model string `json:"model,omitempty"`
}

type artifactResponse struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
	Seed   *int64 `json:"seed,omitempty"`
}

type enhancePayload struct {
	Prompt string `json:"prompt"`
	Locale string `json:"locale,omitempty"`
	Model  string `json:"model,omitempty"`
}

type enhanceResponse struct {
	Prompt string `json:"prompt"`
}

type videoSubmitPayload struct {
	Prompt   string  `json:"prompt"`
	Duration int     `json:"duration,omitempty"`
	Steps    int     `json:"steps,omitempty"`
	Guidance float64 `json:"guidance,omitempty"`
	Model    string  `json:"model,omitempty"`
}

type videoSubmitResponse struct {
	TaskID string `json:"task_id"`
}

type videoPollResponse struct {
	Status  string `json:"status"` // processing | succeeded | failed
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Status  string `json:"status,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// Generate issues one synchronous generation call; when a source image is
// present the edit endpoint is used instead.
func (c *Client) Generate(ctx context.Context, token domain.Token, req GenerateRequest) (*Artifact, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	payload := generatePayload{
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Model:       model,
		Seed:        req.Seed,
		Locale:      c.locale,
	}
	path := "/images:generate"
	if req.SourceImage != nil {
		path = "/images:edit"
		payload.SourceImage = &imagePart{
			MimeType: req.SourceImage.MIME,
			Data:     base64.StdEncoding.EncodeToString(req.SourceImage.Data),
		}
	}
	var out artifactResponse
	if err := c.post(ctx, token, path, payload, &out); err != nil {
		return nil, err
	}
	if out.URL == "" {
		return nil, &Error{Kind: KindTransient, Message: "provider returned no artifact url"}
	}
	return &Artifact{URL: out.URL, Format: out.Format, Seed: out.Seed}, nil
}

// Upscale requests an upscaled rendition of an existing artifact.
func (c *Client) Upscale(ctx context.Context, token domain.Token, req UpscaleRequest) (*Artifact, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	var out artifactResponse
	if err := c.post(ctx, token, "/images:upscale", upscalePayload{URL: req.URL, Model: model}, &out); err != nil {
		return nil, err
	}
	if out.URL == "" {
		return nil, &Error{Kind: KindTransient, Message: "provider returned no upscaled url"}
	}
	return &Artifact{URL: out.URL, Format: out.Format}, nil
}

// EnhancePrompt rewrites a prompt through the provider's text endpoint.
func (c *Client) EnhancePrompt(ctx context.Context, token domain.Token, prompt string) (string, error) {
	var out enhanceResponse
	payload := enhancePayload{Prompt: prompt, Locale: c.locale, Model: c.model}
	if err := c.post(ctx, token, "/text:enhance", payload, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Prompt) == "" {
		return "", &Error{Kind: KindTransient, Message: "provider returned an empty prompt"}
	}
	return out.Prompt, nil
}

// SubmitVideo starts an asynchronous video task and returns its opaque id.
func (c *Client) SubmitVideo(ctx context.Context, token domain.Token, req VideoRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	payload := videoSubmitPayload{
		Prompt:   req.Prompt,
		Duration: req.Duration,
		Steps:    req.Steps,
		Guidance: req.Guidance,
		Model:    model,
	}
	var out videoSubmitResponse
	if err := c.post(ctx, token, "/videos:submit", payload, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", &Error{Kind: KindTransient, Message: "provider returned no task id"}
	}
	return out.TaskID, nil
}

// PollVideo fetches the current status of a submitted video task.
func (c *Client) PollVideo(ctx context.Context, token domain.Token, taskID string) (*VideoPoll, error) {
	var out videoPollResponse
	path := "/videos/" + url.PathEscape(taskID)
	if err := c.get(ctx, token, path, &out); err != nil {
		return nil, err
	}
	switch strings.ToLower(out.Status) {
	case "succeeded", "success", "completed":
		if out.URL == "" {
			return nil, &Error{Kind: KindTransient, Message: "completed task has no url"}
		}
		return &VideoPoll{Done: true, URL: out.URL}, nil
	case "failed", "cancelled":
		msg := out.Message
		if msg == "" {
			msg = "provider reported failure"
		}
		return &VideoPoll{Failed: true, Message: msg}, nil
	default:
		return &VideoPoll{}, nil
	}
}

func (c *Client) post(ctx context.Context, token domain.Token, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: KindFatal, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindFatal, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, token, out)
}

func (c *Client) get(ctx context.Context, token domain.Token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &Error{Kind: KindFatal, Message: fmt.Sprintf("create request: %v", err)}
	}
	return c.do(req, token, out)
}

func (c *Client) do(req *http.Request, token domain.Token, out any) error {
	req.Header.Set("Authorization", "Bearer "+string(token))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.classify(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransient, Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// classify maps an HTTP failure to a Kind: 429 and quota-flavored error
// bodies rotate tokens, 5xx retries, everything else aborts.
func (c *Client) classify(resp *http.Response) *Error {
	message := ""
	var apiErr apiErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	} else if len(data) > 0 {
		message = strings.TrimSpace(string(data))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	kind := KindFatal
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || quotaFlavored(apiErr.Error.Status, message):
		kind = KindQuotaExhausted
	case resp.StatusCode >= http.StatusInternalServerError:
		kind = KindTransient
	}

	c.logger.Warn().
		Str("provider", c.provider).
		Int("status", resp.StatusCode).
		Str("kind", kind.String()).
		Msg("gateway: provider call failed")

	return &Error{Kind: kind, Status: resp.StatusCode, Message: message}
}

func quotaFlavored(status, message string) bool {
	if strings.EqualFold(status, "RESOURCE_EXHAUSTED") {
		return true
	}
	lowered := strings.ToLower(message)
	return strings.Contains(lowered, "quota") || strings.Contains(lowered, "rate limit")
}

var _ Gateway = (*Client)(nil)
