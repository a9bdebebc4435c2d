package stability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"

	"github.com/manash/qrmr/internal/provider"
	"github.com/manash/qrmr/pkg/models"
)

func newTestProvider(baseURL, model string) *Provider {
	return New(&provider.Config{
		APIKey:     "test-key",
		Model:      model,
		BaseURL:    baseURL,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
}

type formCapture struct {
	mu     sync.Mutex
	path   string
	auth   string
	fields map[string]string
}

func (f *formCapture) get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields[key]
}

func (f *formCapture) target() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path, f.auth
}

func stabilityServer(t *testing.T, handler func(w http.ResponseWriter, n int32)) (*httptest.Server, *atomic.Int32, *formCapture) {
	t.Helper()
	var calls atomic.Int32
	got := &formCapture{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
		}
		got.mu.Lock()
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.fields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			got.fields[k] = v[0]
		}
		got.mu.Unlock()
		handler(w, n)
	}))
	t.Cleanup(server.Close)
	return server, &calls, got
}

func okImage(w http.ResponseWriter, _ int32) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("seed", "777")
	w.Header().Set("finish_reason", "SUCCESS")
	w.Write([]byte("jpeg-bytes"))
}

func TestNew_Defaults(t *testing.T) {
	p := New(&provider.Config{APIKey: "k"})
	if p.Name() != "stability" || p.Model() != DefaultModel {
		t.Errorf("Name/Model = %q/%q", p.Name(), p.Model())
	}
	if p.MaxInFlight() != 10 || p.SupportsExactText() || !p.SupportsStyles() {
		t.Error("capabilities mismatch")
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"sd3-large-turbo", "https://api.stability.ai/v2beta/stable-image/generate/sd3"},
		{"sd3.5-large", "https://api.stability.ai/v2beta/stable-image/generate/sd3"},
		{"core", "https://api.stability.ai/v2beta/stable-image/generate/core"},
		{"ultra", "https://api.stability.ai/v2beta/stable-image/generate/ultra"},
	}
	for _, tt := range tests {
		if got := New(&provider.Config{Model: tt.model}).endpoint(); got != tt.want {
			t.Errorf("endpoint(%s) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestGenerate_WithoutAPIKey(t *testing.T) {
	_, err := New(&provider.Config{}).Generate(context.Background(), models.NewGenerateRequest("cat"))
	if !errors.Is(err, provider.ErrAPIKeyRequired) {
		t.Errorf("Generate() error = %v, want ErrAPIKeyRequired", err)
	}
}

func TestGenerate_Success(t *testing.T) {
	server, calls, got := stabilityServer(t, okImage)
	seed := int64(42)
	req := models.NewGenerateRequest("a roof at dusk")
	req.Width, req.Height = 1920, 1080
	req.NegativePrompt = "blurry"
	req.Seed = &seed

	result, err := newTestProvider(server.URL, "").Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if path, auth := got.target(); path != "/v2beta/stable-image/generate/sd3" || auth != "Bearer test-key" {
		t.Errorf("path/auth = %q/%q", path, auth)
	}
	wantFields := map[string]string{
		"prompt":          "a roof at dusk",
		"output_format":   "jpeg",
		"model":           "sd3-large-turbo",
		"aspect_ratio":    "16:9",
		"negative_prompt": "blurry",
		"seed":            "42",
	}
	for k, want := range wantFields {
		if v := got.get(k); v != want {
			t.Errorf("field %s = %q, want %q", k, v, want)
		}
	}

	img := result.Images[0]
	if string(img.Data) != "jpeg-bytes" || img.MimeType != models.MimeJPEG {
		t.Errorf("Data/MimeType = %q/%q", img.Data, img.MimeType)
	}
	if img.Seed == nil || *img.Seed != 777 {
		t.Errorf("Seed = %v, want 777", img.Seed)
	}
	if len(img.Warnings) != 0 || len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings %v / %v", img.Warnings, result.Warnings)
	}
}

func TestGenerate_FinishReasonWarning(t *testing.T) {
	server, _, _ := stabilityServer(t, func(w http.ResponseWriter, _ int32) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("finish_reason", "CONTENT_FILTERED")
		w.Write([]byte("blurred"))
	})

	result, err := newTestProvider(server.URL, "").Generate(context.Background(), models.NewGenerateRequest("cat"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	w := result.Images[0].Warnings
	if len(w) != 1 || !strings.Contains(w[0], "CONTENT_FILTERED") {
		t.Errorf("Warnings = %v", w)
	}
}

func TestGenerate_EmptyBody(t *testing.T) {
	server, calls, _ := stabilityServer(t, func(w http.ResponseWriter, _ int32) {
		w.Header().Set("Content-Type", "image/jpeg")
	})

	_, err := newTestProvider(server.URL, "").Generate(context.Background(), models.NewGenerateRequest("cat"))
	if !errors.Is(err, provider.ErrNoImages) || !strings.Contains(err.Error(), "No image data") {
		t.Errorf("Generate() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestGenerate_SerializesAndToleratesFailedSlot(t *testing.T) {
	server, calls, _ := stabilityServer(t, func(w http.ResponseWriter, n int32) {
		// Second slot fails on every retry; slots one and three succeed.
		if n >= 2 && n <= 4 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		okImage(w, n)
	})

	req := models.NewGenerateRequest("cat")
	req.NumImages = 3
	result, err := newTestProvider(server.URL, "").Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(result.Images) != 2 {
		t.Errorf("len(Images) = %d, want 2", len(result.Images))
	}
	if calls.Load() != 5 {
		t.Errorf("calls = %d, want 5", calls.Load())
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "image 2 of 3") {
		t.Errorf("Warnings = %v", result.Warnings)
	}
}

func TestGenerate_UnsupportedRatio(t *testing.T) {
	server, _, got := stabilityServer(t, okImage)
	req := models.NewGenerateRequest("cat")
	req.Width, req.Height = 1400, 1000

	result, err := newTestProvider(server.URL, "").Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.get("aspect_ratio") != "" {
		t.Errorf("aspect_ratio = %q, want omitted", got.get("aspect_ratio"))
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "1400x1000") {
		t.Errorf("Warnings = %v", result.Warnings)
	}
}

func TestBuildForm_CoreStylePreset(t *testing.T) {
	server, _, got := stabilityServer(t, okImage)
	req := models.NewGenerateRequest("cat")
	req.Style = "Photoreal"

	if _, err := newTestProvider(server.URL, "core").Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.get("style_preset") != "photographic" {
		t.Errorf("style_preset = %q", got.get("style_preset"))
	}
	if got.get("model") != "" {
		t.Errorf("model field = %q, want omitted for core", got.get("model"))
	}
}
