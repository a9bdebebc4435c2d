package fal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"

	"github.com/manash/qrmr/internal/provider"
	"github.com/manash/qrmr/internal/security"
	"github.com/manash/qrmr/pkg/models"
)

func TestMain(m *testing.M) {
	// Disable URL validation for tests using httptest
	security.SetSkipValidation(true)
	code := m.Run()
	security.SetSkipValidation(false)
	os.Exit(code)
}

func newTestProvider(baseURL string, retries int) *Provider {
	return New(&provider.Config{
		APIKey:     "test-key",
		BaseURL:    baseURL,
		MaxRetries: retries,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
}

// falServer answers generation calls with one image URL pointing back at
// itself. failFirst makes the first n generation calls return status.
func falServer(t *testing.T, failFirst int, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/files/") {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("fake-image-data"))
			return
		}
		n := calls.Add(1)
		if int(n) <= failFirst {
			http.Error(w, `{"detail":"upstream"}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"images":[{"url":"%s/files/%d.jpg","content_type":"image/jpeg","width":1024,"height":768}],"seed":12345,"request_id":"req-abc123"}`, server.URL, n)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestNew_Defaults(t *testing.T) {
	p := New(&provider.Config{APIKey: "test-key-123"})

	if p.Name() != "fal" {
		t.Errorf("Name() = %q, want fal", p.Name())
	}
	if p.Model() != DefaultModel {
		t.Errorf("Model() = %q, want %q", p.Model(), DefaultModel)
	}
	if p.policy.MaxTries != 3 {
		t.Errorf("MaxTries = %d, want 3", p.policy.MaxTries)
	}
	if !p.SupportsStyles() || p.SupportsExactText() || p.MaxInFlight() != 5 {
		t.Error("capabilities mismatch")
	}

	custom := New(&provider.Config{APIKey: "k", Model: "fal-ai/flux-pro"})
	if custom.Model() != "fal-ai/flux-pro" {
		t.Errorf("Model() = %q, want custom model", custom.Model())
	}
}

func TestGenerate_WithoutAPIKey(t *testing.T) {
	p := New(&provider.Config{})
	_, err := p.Generate(context.Background(), models.NewGenerateRequest("a cute cat"))
	if !errors.Is(err, provider.ErrAPIKeyRequired) {
		t.Fatalf("Generate() error = %v, want ErrAPIKeyRequired", err)
	}
	if !provider.IsKind(err, provider.KindConfig) {
		t.Errorf("KindOf() = %v, want config", provider.KindOf(err))
	}
	if !strings.Contains(err.Error(), "API key required") {
		t.Errorf("Error() = %q", err)
	}
}

func TestGenerate_Success(t *testing.T) {
	var mu sync.Mutex
	var gotAuth string
	var gotBody map[string]any
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/files/") {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("fake-image-data"))
			return
		}
		if r.URL.Path != "/fal-ai/flux-2-flex" {
			t.Errorf("path = %s, want /fal-ai/flux-2-flex", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		json.Unmarshal(raw, &gotBody)
		mu.Unlock()
		fmt.Fprintf(w, `{"images":[{"url":"%s/files/a.jpg","content_type":"image/jpeg","width":1024,"height":768}],"seed":12345,"request_id":"req-abc123"}`, server.URL)
	}))
	defer server.Close()

	p := newTestProvider(server.URL, 3)
	req := models.NewGenerateRequest("a cute cat")
	req.Width, req.Height = 1024, 768

	result, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Key test-key" {
		t.Errorf("Authorization = %q, want Key test-key", gotAuth)
	}
	if gotBody["prompt"] != "a cute cat" {
		t.Errorf("prompt = %v", gotBody["prompt"])
	}
	if gotBody["image_size"] != "landscape_4_3" {
		t.Errorf("image_size = %v, want landscape_4_3", gotBody["image_size"])
	}

	if len(result.Images) != 1 {
		t.Fatalf("len(Images) = %d, want 1", len(result.Images))
	}
	if result.RequestID != "req-abc123" {
		t.Errorf("RequestID = %q", result.RequestID)
	}
	img := result.Images[0]
	if string(img.Data) != "fake-image-data" {
		t.Errorf("Data = %q", img.Data)
	}
	if img.MimeType != models.MimeJPEG {
		t.Errorf("MimeType = %q", img.MimeType)
	}
	if img.Seed == nil || *img.Seed != 12345 {
		t.Errorf("Seed = %v, want 12345", img.Seed)
	}
	if img.Provider != "fal" || img.Model != DefaultModel {
		t.Errorf("Provider/Model = %q/%q", img.Provider, img.Model)
	}
	if img.Meta["width"] != 1024 || img.Meta["height"] != 768 {
		t.Errorf("Meta = %v", img.Meta)
	}
}

func TestGenerate_RetriesTransientFailure(t *testing.T) {
	server, calls := falServer(t, 1, http.StatusServiceUnavailable)
	p := newTestProvider(server.URL, 3)

	result, err := p.Generate(context.Background(), models.NewGenerateRequest("a cute cat"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(result.Images) != 1 {
		t.Errorf("len(Images) = %d, want 1", len(result.Images))
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestGenerate_AuthErrorNotRetried(t *testing.T) {
	server, calls := falServer(t, 100, http.StatusUnauthorized)
	p := newTestProvider(server.URL, 3)

	_, err := p.Generate(context.Background(), models.NewGenerateRequest("a cute cat"))
	if err == nil {
		t.Fatal("Generate() error = nil")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "authentication failed") {
		t.Errorf("Generate() error = %q", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestGenerate_RetriesExhausted(t *testing.T) {
	server, calls := falServer(t, 100, http.StatusInternalServerError)
	p := newTestProvider(server.URL, 2)

	_, err := p.Generate(context.Background(), models.NewGenerateRequest("a cute cat"))
	if !provider.IsKind(err, provider.KindExhausted) {
		t.Fatalf("Generate() error = %v, want exhausted", err)
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("Generate() error = %q", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestGenerate_MultipleImagesSerialized(t *testing.T) {
	server, calls := falServer(t, 0, 0)
	p := newTestProvider(server.URL, 3)

	req := models.NewGenerateRequest("a cute cat")
	req.NumImages = 3
	result, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(result.Images) != 3 || calls.Load() != 3 {
		t.Errorf("got %d images from %d calls, want 3 from 3", len(result.Images), calls.Load())
	}
}

func TestGenerate_NoImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"images":[],"seed":1}`))
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL, 3).Generate(context.Background(), models.NewGenerateRequest("cat"))
	if !errors.Is(err, provider.ErrNoImages) {
		t.Errorf("Generate() error = %v, want ErrNoImages", err)
	}
}

func TestGenerate_DownloadFailure(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/ok.jpg":
			w.Write([]byte("ok"))
		case "/files/gone.jpg":
			http.NotFound(w, r)
		default:
			fmt.Fprintf(w, `{"images":[{"url":"%[1]s/files/gone.jpg"},{"url":"%[1]s/files/ok.jpg"}]}`, server.URL)
		}
	}))
	defer server.Close()

	result, err := newTestProvider(server.URL, 3).Generate(context.Background(), models.NewGenerateRequest("cat"))
	if err != nil {
		t.Fatalf("Generate() error = %v, want partial success", err)
	}
	if len(result.Images) != 1 || len(result.Warnings) != 1 {
		t.Errorf("got %d images, warnings %v", len(result.Images), result.Warnings)
	}
	if result.RequestID == "" {
		t.Error("RequestID empty, want generated id")
	}
}

func TestBuildAPIRequest(t *testing.T) {
	p := New(&provider.Config{APIKey: "k"})

	req := models.NewGenerateRequest("test prompt")
	req.Width, req.Height = 1024, 1024
	raw, _ := json.Marshal(p.buildAPIRequest(req))
	var body map[string]any
	json.Unmarshal(raw, &body)

	if body["prompt"] != "test prompt" {
		t.Errorf("prompt = %v", body["prompt"])
	}
	if _, ok := body["num_images"]; ok {
		t.Error("num_images present, FLUX.2 does not accept it")
	}
	if body["image_size"] != "square_hd" {
		t.Errorf("image_size = %v", body["image_size"])
	}
	if body["enable_safety_checker"] != true || body["output_format"] != "jpeg" {
		t.Errorf("safety/output = %v/%v", body["enable_safety_checker"], body["output_format"])
	}

	seed, guidance, steps := int64(42), 7.5, 30
	req.Seed, req.Guidance, req.Steps = &seed, &guidance, &steps
	got := p.buildAPIRequest(req)
	if *got.Seed != 42 || *got.GuidanceScale != 7.5 || *got.NumInferenceSteps != 30 {
		t.Errorf("optional params = %v/%v/%v", *got.Seed, *got.GuidanceScale, *got.NumInferenceSteps)
	}

	for _, tt := range []struct{ in, want int }{{1, 2}, {100, 50}, {25, 25}} {
		steps := tt.in
		req.Steps = &steps
		if got := *p.buildAPIRequest(req).NumInferenceSteps; got != tt.want {
			t.Errorf("steps %d clamped to %d, want %d", tt.in, got, tt.want)
		}
	}

	req.Style = "photoreal"
	if got := p.buildAPIRequest(req).Prompt; got != "test prompt, photoreal style" {
		t.Errorf("styled prompt = %q", got)
	}
}

func TestImageSize(t *testing.T) {
	tests := []struct {
		w, h int
		want any
	}{
		{1024, 1024, "square_hd"},
		{512, 512, "square"},
		{1024, 768, "landscape_4_3"},
		{768, 1024, "portrait_4_3"},
		{1920, 1080, "landscape_16_9"},
		{1080, 1920, "portrait_16_9"},
		{1200, 800, customSize{Width: 1200, Height: 800}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dx%d", tt.w, tt.h), func(t *testing.T) {
			if got := imageSize(tt.w, tt.h); got != tt.want {
				t.Errorf("imageSize(%d, %d) = %v, want %v", tt.w, tt.h, got, tt.want)
			}
		})
	}
}
