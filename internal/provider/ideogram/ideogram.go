// Package ideogram is the text-strict provider: it renders literal text
// (names, phone numbers, slogans) legibly, which diffusion backends do not.
package ideogram

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
	Name         = "ideogram"
	EnvVar       = "IDEOGRAM_KEY"
	DefaultModel = "3.0"

	defaultBaseURL = "https://api.ideogram.ai"
	maxInFlight    = 3
)

var supportedRatios = []string{"1x1", "16x9", "9x16", "4x3", "3x4", "3x2", "2x3", "16x10", "10x16", "1x3", "3x1"}

var styleTypes = map[string]string{
	"photo":          "REALISTIC",
	"photoreal":      "REALISTIC",
	"photorealistic": "REALISTIC",
	"realistic":      "REALISTIC",
	"design":         "DESIGN",
	"graphic design": "DESIGN",
	"graphic":        "DESIGN",
	"fiction":        "FICTION",
	"fantasy":        "FICTION",
	"fantasy art":    "FICTION",
	"general":        "GENERAL",
	"auto":           "AUTO",
}

type apiRequest struct {
	Prompt         string `json:"prompt"`
	NumImages      int    `json:"num_images"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	MagicPrompt    string `json:"magic_prompt"`
	StyleType      string `json:"style_type,omitempty"`
	RenderingSpeed string `json:"rendering_speed,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Seed           *int64 `json:"seed,omitempty"`
}

type apiResponse struct {
	Created string      `json:"created,omitempty"`
	Data    []imageData `json:"data"`
}

type imageData struct {
	URL         string `json:"url"`
	Seed        *int64 `json:"seed,omitempty"`
	IsImageSafe *bool  `json:"is_image_safe,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	StyleType   string `json:"style_type,omitempty"`
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
func (p *Provider) SupportsExactText() bool { return true }
func (p *Provider) MaxInFlight() int        { return maxInFlight }
func (p *Provider) Model() string           { return p.model }

func (p *Provider) endpoint() string {
	return fmt.Sprintf("%s/v1/ideogram-v%s/generate", p.baseURL, p.model)
}

func (p *Provider) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	if p.apiKey == "" {
		return nil, provider.MissingKey(Name, EnvVar)
	}
	if err := req.Validate(); err != nil {
		return nil, &provider.Error{Kind: provider.KindConfig, Provider: Name, Message: "invalid request", Err: err}
	}

	apiReq := p.buildAPIRequest(req)
	jsonData, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindConfig, Provider: Name, Message: "failed to marshal request", Err: err}
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	result, err := provider.Retry(ctx, p.policy, func(ctx context.Context) (*models.GenerateResult, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(jsonData))
		if err != nil {
			return nil, &provider.Error{Kind: provider.KindConfig, Provider: Name, Message: "failed to create request", Err: err}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Api-Key", p.apiKey)

		_, body, err := provider.Send(p.httpClient, p.logger, Name, httpReq, jsonData)
		if err != nil {
			return nil, err
		}

		var apiResp apiResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return nil, &provider.Error{Kind: provider.KindTransient, Provider: Name, Message: "failed to parse response", Err: err}
		}
		return p.buildResult(ctx, apiResp)
	})
	if err != nil {
		return nil, err
	}

	if apiReq.AspectRatio == "" {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%dx%d has no matching ideogram aspect ratio; provider default used", req.Width, req.Height))
	}
	return result, nil
}

func (p *Provider) buildAPIRequest(req *models.GenerateRequest) *apiRequest {
	apiReq := &apiRequest{
		Prompt:         promptWithText(req.Prompt, req.ExactText),
		NumImages:      req.NumImages,
		MagicPrompt:    "AUTO",
		NegativePrompt: req.NegativePrompt,
		Seed:           req.Seed,
	}
	if ratio, ok := provider.MatchRatio(req.Width, req.Height, "x", supportedRatios); ok {
		apiReq.AspectRatio = ratio
	}
	if req.Style != "" {
		apiReq.StyleType = styleType(req.Style)
	}
	if req.Steps != nil {
		apiReq.RenderingSpeed = renderingSpeed(*req.Steps)
	}
	return apiReq
}

// promptWithText appends the literal strings the image must contain, e.g.
// `Include the text: "John Doe", "CEO"`.
func promptWithText(prompt string, text []string) string {
	if len(text) == 0 {
		return prompt
	}
	quoted := make([]string, len(text))
	for i, s := range text {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%s. Include the text: %s", prompt, strings.Join(quoted, ", "))
}

func styleType(style string) string {
	if t, ok := styleTypes[strings.ToLower(strings.TrimSpace(style))]; ok {
		return t
	}
	return "GENERAL"
}

func renderingSpeed(steps int) string {
	switch {
	case steps <= 10:
		return "FLASH"
	case steps <= 20:
		return "TURBO"
	case steps >= 40:
		return "QUALITY"
	default:
		return "DEFAULT"
	}
}

func (p *Provider) buildResult(ctx context.Context, apiResp apiResponse) (*models.GenerateResult, error) {
	if len(apiResp.Data) == 0 {
		return nil, provider.NoImages(Name, nil)
	}

	result := &models.GenerateResult{
		RequestID: uuid.NewString(),
		Images:    make([]models.GeneratedImage, 0, len(apiResp.Data)),
		Raw:       map[string]any{"created": apiResp.Created, "image_count": len(apiResp.Data)},
	}

	var failures []string
	for i, data := range apiResp.Data {
		raw, contentType, err := provider.Download(ctx, p.httpClient, data.URL)
		if err != nil {
			p.logger.Warn("image download failed", zap.String("provider", Name), zap.Int("index", i), zap.Error(err))
			failures = append(failures, fmt.Sprintf("image %d: %v", i+1, err))
			continue
		}

		mime := models.MimeType(contentType)
		if !mime.IsValid() {
			mime = models.MimePNG
		}

		img := models.GeneratedImage{
			Data:     raw,
			MimeType: mime,
			Seed:     data.Seed,
			Provider: Name,
			Model:    "ideogram-" + p.model,
			Meta:     map[string]any{"resolution": data.Resolution, "url": data.URL},
		}
		if data.StyleType != "" {
			img.Meta["style_type"] = data.StyleType
		}
		if data.IsImageSafe != nil && !*data.IsImageSafe {
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
