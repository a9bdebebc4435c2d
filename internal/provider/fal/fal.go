// Package fal talks to fal.ai's synchronous FLUX endpoints. It is the
// default primary provider.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manash/qrmr/internal/provider"
	"github.com/manash/qrmr/pkg/models"
)

const (
	Name         = "fal"
	EnvVar       = "FAL_KEY"
	DefaultModel = "fal-ai/flux-2-flex"

	defaultBaseURL = "https://fal.run"
	maxInFlight    = 5
	minSteps       = 2
	maxSteps       = 50
)

type apiRequest struct {
	Prompt              string   `json:"prompt"`
	ImageSize           any      `json:"image_size"`
	GuidanceScale       *float64 `json:"guidance_scale,omitempty"`
	NumInferenceSteps   *int     `json:"num_inference_steps,omitempty"`
	Seed                *int64   `json:"seed,omitempty"`
	EnableSafetyChecker bool     `json:"enable_safety_checker"`
	OutputFormat        string   `json:"output_format"`
}

type customSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type apiResponse struct {
	Images          []imageData `json:"images"`
	Seed            *int64      `json:"seed,omitempty"`
	RequestID       string      `json:"request_id,omitempty"`
	HasNSFWConcepts []bool      `json:"has_nsfw_concepts,omitempty"`
}

type imageData struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	policy     provider.RetryPolicy
}

func New(cfg *provider.Config) *Provider {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: cfg.HTTP(),
		logger:     cfg.Log(),
		policy:     cfg.RetryPolicy(Name),
	}
}

func (p *Provider) Name() string            { return Name }
func (p *Provider) SupportsStyles() bool    { return true }
func (p *Provider) SupportsExactText() bool { return false }
func (p *Provider) MaxInFlight() int        { return maxInFlight }
func (p *Provider) Model() string           { return p.model }

// Generate asks for one image per call; FLUX.2 has no batch parameter, so
// NumImages > 1 is served by sequential calls with partial success.
func (p *Provider) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	if p.apiKey == "" {
		return nil, provider.MissingKey(Name, EnvVar)
	}
	if err := req.Validate(); err != nil {
		return nil, &provider.Error{Kind: provider.KindConfig, Provider: Name, Message: "invalid request", Err: err}
	}

	res, err := provider.Serialize(ctx, Name, req, p.generateOne)
	if err != nil {
		return nil, err
	}
	if req.NegativePrompt != "" {
		res.Warnings = append(res.Warnings, "negative prompt is not supported by fal and was ignored")
	}
	if req.WantsExactText() {
		res.Warnings = append(res.Warnings, "exact text rendering is not supported by fal")
	}
	return res, nil
}

func (p *Provider) generateOne(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	jsonData, err := json.Marshal(p.buildAPIRequest(req))
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindConfig, Provider: Name, Message: "failed to marshal request", Err: err}
	}
	url := p.baseURL + "/" + p.model
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	return provider.Retry(ctx, p.policy, func(ctx context.Context) (*models.GenerateResult, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
		if err != nil {
			return nil, &provider.Error{Kind: provider.KindConfig, Provider: Name, Message: "failed to create request", Err: err}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Key "+p.apiKey)

		resp, body, err := provider.Send(p.httpClient, p.logger, Name, httpReq, jsonData)
		if err != nil {
			return nil, err
		}

		var apiResp apiResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return nil, &provider.Error{Kind: provider.KindTransient, Provider: Name, Message: "failed to parse response", Err: err}
		}
		if apiResp.RequestID == "" {
			apiResp.RequestID = resp.Header.Get("x-fal-request-id")
		}
		return p.buildResult(ctx, apiResp)
	})
}

func (p *Provider) buildAPIRequest(req *models.GenerateRequest) *apiRequest {
	prompt := req.Prompt
	if req.Style != "" {
		prompt = fmt.Sprintf("%s, %s style", prompt, req.Style)
	}

	apiReq := &apiRequest{
		Prompt:              prompt,
		ImageSize:           imageSize(req.Width, req.Height),
		GuidanceScale:       req.Guidance,
		Seed:                req.Seed,
		EnableSafetyChecker: true,
		OutputFormat:        "jpeg",
	}
	if req.Steps != nil {
		steps := min(max(*req.Steps, minSteps), maxSteps)
		apiReq.NumInferenceSteps = &steps
	}
	return apiReq
}

// imageSize maps the requested dimensions to one of fal's named presets, or
// an explicit {width, height} object when no preset has the same shape.
func imageSize(width, height int) any {
	w, h := provider.Ratio(width, height)
	switch {
	case w == 1 && h == 1 && width >= 1024:
		return "square_hd"
	case w == 1 && h == 1:
		return "square"
	case w == 4 && h == 3:
		return "landscape_4_3"
	case w == 3 && h == 4:
		return "portrait_4_3"
	case w == 16 && h == 9:
		return "landscape_16_9"
	case w == 9 && h == 16:
		return "portrait_16_9"
	default:
		return customSize{Width: width, Height: height}
	}
}

func (p *Provider) buildResult(ctx context.Context, apiResp apiResponse) (*models.GenerateResult, error) {
	if len(apiResp.Images) == 0 {
		return nil, provider.NoImages(Name, nil)
	}

	requestID := apiResp.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	result := &models.GenerateResult{
		RequestID: requestID,
		Images:    make([]models.GeneratedImage, 0, len(apiResp.Images)),
		Raw:       map[string]any{"request_id": apiResp.RequestID, "image_count": len(apiResp.Images)},
	}

	var failures []string
	for i, data := range apiResp.Images {
		raw, contentType, err := provider.Download(ctx, p.httpClient, data.URL)
		if err != nil {
			p.logger.Warn("image download failed", zap.String("provider", Name), zap.Int("index", i), zap.Error(err))
			failures = append(failures, fmt.Sprintf("image %d: %v", i+1, err))
			continue
		}

		mime := models.MimeType(data.ContentType)
		if !mime.IsValid() {
			mime = models.MimeType(contentType)
		}
		if !mime.IsValid() {
			mime = models.MimeJPEG
		}

		img := models.GeneratedImage{
			Data:     raw,
			MimeType: mime,
			Seed:     apiResp.Seed,
			Provider: Name,
			Model:    p.model,
			Meta:     map[string]any{"width": data.Width, "height": data.Height, "url": data.URL},
		}
		if i < len(apiResp.HasNSFWConcepts) && apiResp.HasNSFWConcepts[i] {
			img.Warnings = append(img.Warnings, "Image flagged by safety checker")
		}
		result.Images = append(result.Images, img)
	}

	if len(result.Images) == 0 {
		return nil, provider.NoImages(Name, failures)
	}
	result.Warnings = failures
	return result, nil
}
