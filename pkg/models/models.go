package models

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrEmptyPrompt      = errors.New("prompt cannot be empty")
	ErrInvalidCount     = errors.New("num_images must be at least 1")
	ErrInvalidDimension = errors.New("width and height must be positive")
)

const (
	DefaultWidth          = 512
	DefaultHeight         = 512
	DefaultTimeoutSeconds = 240
)

type MimeType string

const (
	MimePNG  MimeType = "image/png"
	MimeJPEG MimeType = "image/jpeg"
	MimeWebP MimeType = "image/webp"
)

func ValidMimeTypes() []MimeType {
	return []MimeType{MimePNG, MimeJPEG, MimeWebP}
}

func (m MimeType) IsValid() bool {
	return slices.Contains(ValidMimeTypes(), m)
}

// Extension maps a mime type to the file extension used when persisting
// generated images. Unrecognized types are written as .png.
func (m MimeType) Extension() string {
	switch m {
	case MimeJPEG:
		return ".jpg"
	case MimeWebP:
		return ".webp"
	default:
		return ".png"
	}
}

func (m MimeType) String() string {
	return string(m)
}

// GenerateRequest describes one generation call. It is treated as a value:
// adapters copy what they need and never mutate it.
type GenerateRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	NumImages      int
	Style          string
	Seed           *int64
	Guidance       *float64
	Steps          *int
	ExactText      []string
	TimeoutSeconds int
	Meta           map[string]any
}

func NewGenerateRequest(prompt string) *GenerateRequest {
	return &GenerateRequest{
		Prompt:         prompt,
		Width:          DefaultWidth,
		Height:         DefaultHeight,
		NumImages:      1,
		TimeoutSeconds: DefaultTimeoutSeconds,
	}
}

func (r *GenerateRequest) Validate() error {
	if r.Prompt == "" {
		return ErrEmptyPrompt
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: got %dx%d", ErrInvalidDimension, r.Width, r.Height)
	}
	if r.NumImages < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidCount, r.NumImages)
	}
	return nil
}

// WantsExactText reports whether the request carries literal text that must
// be rendered legibly.
func (r *GenerateRequest) WantsExactText() bool {
	return len(r.ExactText) > 0
}

// Single returns a copy of the request asking for exactly one image. Seeds
// are offset by slot so serialized calls do not return identical images.
func (r *GenerateRequest) Single(slot int) *GenerateRequest {
	cp := *r
	cp.NumImages = 1
	if r.Seed != nil {
		seed := *r.Seed + int64(slot)
		cp.Seed = &seed
	}
	return &cp
}

type GeneratedImage struct {
	Data     []byte
	MimeType MimeType
	Seed     *int64
	Provider string
	Model    string
	Warnings []string
	Meta     map[string]any
	Filename string
}

type GenerateResult struct {
	Images    []GeneratedImage
	RequestID string
	Raw       map[string]any
	Warnings  []string
}

// Provider returns the provider that produced the first image, or "" for an
// empty result.
func (r *GenerateResult) Provider() string {
	if len(r.Images) == 0 {
		return ""
	}
	return r.Images[0].Provider
}

// AllWarnings flattens result-level and per-image warnings.
func (r *GenerateResult) AllWarnings() []string {
	out := slices.Clone(r.Warnings)
	for _, img := range r.Images {
		out = append(out, img.Warnings...)
	}
	return out
}
