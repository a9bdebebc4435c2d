// Package stability is the fallback provider, backed by Stability AI's
// stable-image v2beta endpoints.
package stability

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manash/qrmr/internal/provider"
	"github.com/manash/qrmr/pkg/models"
)

const (
	Name         = "stability"
	EnvVar       = "STABILITY_API_KEY"
	DefaultModel = "sd3-large-turbo"

	defaultBaseURL = "https://api.stability.ai"
	maxInFlight    = 10
	finishSuccess  = "SUCCESS"
)

var supportedRatios = []string{"1:1", "16:9", "9:16", "3:2", "2:3", "5:4", "4:5", "21:9", "9:21"}

// stylePresets maps profile style names to the presets the core model
// accepts. SD3 models take no preset.
var stylePresets = map[string]string{
	"photo":          "photographic",
	"photoreal":      "photographic",
	"photorealistic": "photographic",
	"photographic":   "photographic",
	"cinematic":      "cinematic",
	"anime":          "anime",
	"digital art":    "digital-art",
	"fantasy art":    "fantasy-art",
	"comic book":     "comic-book",
	"3d model":       "3d-model",
	"line art":       "line-art",
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

func (p *Provider) isSD3() bool {
	return strings.HasPrefix(p.model, "sd3")
}

// endpoint returns the generate URL for the configured model. All SD3
// variants share /sd3 and select the variant with a form field.
func (p *Provider) endpoint() string {
	route := p.model
	if p.isSD3() {
		route = "sd3"
	}
	return fmt.Sprintf("%s/v2beta/stable-image/generate/%s", p.baseURL, route)
}

// Generate makes one call per image; the v2beta endpoints return a single
// binary image per request.
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
	if _, ok := provider.MatchRatio(req.Width, req.Height, ":", supportedRatios); !ok {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%dx%d has no matching stability aspect ratio; provider default used", req.Width, req.Height))
	}
	if req.WantsExactText() {
		res.Warnings = append(res.Warnings, "exact text rendering is not supported by stability")
	}
	return res, nil
}

func (p *Provider) generateOne(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	form, contentType, err := p.buildForm(req)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindConfig, Provider: Name, Message: "failed to build form", Err: err}
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	return provider.Retry(ctx, p.policy, func(ctx context.Context) (*models.GenerateResult, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(form))
		if err != nil {
			return nil, &provider.Error{Kind: provider.KindConfig, Provider: Name, Message: "failed to create request", Err: err}
		}
		httpReq.Header.Set("Content-Type", contentType)
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		httpReq.Header.Set("Accept", "image/*")

		resp, body, err := provider.Send(p.httpClient, p.logger, Name, httpReq, form)
		if err != nil {
			return nil, err
		}
		return p.buildResult(resp.Header, body)
	})
}

func (p *Provider) buildForm(req *models.GenerateRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"prompt", req.Prompt},
		{"output_format", "jpeg"},
	}
	if p.isSD3() {
		fields = append(fields, [2]string{"model", p.model})
	}
	if ratio, ok := provider.MatchRatio(req.Width, req.Height, ":", supportedRatios); ok {
		fields = append(fields, [2]string{"aspect_ratio", ratio})
	}
	if req.NegativePrompt != "" {
		fields = append(fields, [2]string{"negative_prompt", req.NegativePrompt})
	}
	if req.Seed != nil {
		fields = append(fields, [2]string{"seed", strconv.FormatInt(*req.Seed, 10)})
	}
	if preset, ok := stylePresets[strings.ToLower(req.Style)]; ok && p.model == "core" {
		fields = append(fields, [2]string{"style_preset", preset})
	}

	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (p *Provider) buildResult(header http.Header, body []byte) (*models.GenerateResult, error) {
	if len(body) == 0 {
		return nil, &provider.Error{
			Kind:     provider.KindPartial,
			Provider: Name,
			Message:  "No image data in response",
			Err:      provider.ErrNoImages,
		}
	}

	mime := models.MimeType(strings.TrimSpace(strings.Split(header.Get("Content-Type"), ";")[0]))
	if !mime.IsValid() {
		mime = models.MimeJPEG
	}

	img := models.GeneratedImage{
		Data:     body,
		MimeType: mime,
		Provider: Name,
		Model:    p.model,
		Meta:     map[string]any{},
	}
	if s := header.Get("seed"); s != "" {
		if seed, err := strconv.ParseInt(s, 10, 64); err == nil {
			img.Seed = &seed
		}
	}
	if reason := header.Get("finish_reason"); reason != "" {
		img.Meta["finish_reason"] = reason
		if reason != finishSuccess {
			img.Warnings = append(img.Warnings, fmt.Sprintf("finish reason: %s", reason))
		}
	}

	requestID := header.Get("x-request-id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	return &models.GenerateResult{
		RequestID: requestID,
		Images:    []models.GeneratedImage{img},
		Raw:       map[string]any{"finish_reason": header.Get("finish_reason")},
	}, nil
}
