package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/manash/qrmr/internal/security"
)

var redactedHeaders = map[string]bool{
	"authorization": true,
	"api-key":       true,
	"x-api-key":     true,
}

// Send performs req and returns the response body. Transport failures are
// Transient; non-2xx responses are classified by StatusError. reqBody is only
// used for debug logging and may be nil.
func Send(client *http.Client, logger *zap.Logger, name string, req *http.Request, reqBody []byte) (*http.Response, []byte, error) {
	logRequest(logger, name, req, reqBody)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, &Error{Kind: KindTransient, Provider: name, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &Error{Kind: KindTransient, Provider: name, Message: "failed to read response", Err: err}
	}

	logResponse(logger, name, resp, body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, body, StatusError(name, resp.StatusCode, body)
	}
	return resp, body, nil
}

// Download fetches a generated image from a URL returned by a provider.
func Download(ctx context.Context, client *http.Client, rawURL string) ([]byte, string, error) {
	if err := security.ValidateImageURL(rawURL); err != nil {
		return nil, "", fmt.Errorf("refusing to download %s: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func logRequest(logger *zap.Logger, name string, req *http.Request, body []byte) {
	if ce := logger.Check(zap.DebugLevel, "provider request"); ce != nil {
		fields := []zap.Field{
			zap.String("provider", name),
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Any("headers", redact(req.Header)),
		}
		if len(body) > 0 && json.Valid(body) {
			fields = append(fields, zap.ByteString("body", compact(body)))
		} else if len(body) > 0 {
			fields = append(fields, zap.Int("body_bytes", len(body)))
		}
		ce.Write(fields...)
	}
}

func logResponse(logger *zap.Logger, name string, resp *http.Response, body []byte) {
	if ce := logger.Check(zap.DebugLevel, "provider response"); ce != nil {
		fields := []zap.Field{
			zap.String("provider", name),
			zap.Int("status", resp.StatusCode),
			zap.String("content_type", resp.Header.Get("Content-Type")),
		}
		if strings.Contains(resp.Header.Get("Content-Type"), "json") {
			fields = append(fields, zap.ByteString("body", compact(body)))
		} else {
			fields = append(fields, zap.Int("body_bytes", len(body)))
		}
		ce.Write(fields...)
	}
}

func redact(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		value := strings.Join(values, ", ")
		if redactedHeaders[strings.ToLower(key)] {
			value = "[REDACTED]"
		}
		out[key] = value
	}
	return out
}

func compact(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return body
	}
	return buf.Bytes()
}
