// Package config loads client profiles and application settings.
//
// A profile is one YAML document per client under <base>/profiles/. The
// profile, paths and watermark sections are required; every other section
// falls back to DefaultProfile's values field by field.
package config

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/manash/qrmr/internal/outpath"
	"github.com/manash/qrmr/internal/slug"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidProfile  = errors.New("invalid profile")
)

type Profile struct {
	Profile    Metadata        `yaml:"profile"`
	Paths      Paths           `yaml:"paths"`
	Generation Generation      `yaml:"generation"`
	Providers  ProviderRouting `yaml:"providers"`
	Watermark  Watermark       `yaml:"watermark"`
	SEONaming  SEONaming       `yaml:"seo_naming"`
}

type Metadata struct {
	Name     string `yaml:"name"`
	Slug     string `yaml:"slug"`
	ClientID string `yaml:"client_id"`
	Created  string `yaml:"created"`
	Modified string `yaml:"modified"`
}

type Paths struct {
	GenerationOutputDir string `yaml:"generation_output_dir"`
	InputDir            string `yaml:"input_dir"`
	OutputDir           string `yaml:"output_dir"`
	ArchiveDir          string `yaml:"archive_dir,omitempty"`
}

// Generation holds the request defaults for AI generation.
type Generation struct {
	Mode                string   `yaml:"mode"`
	Count               int      `yaml:"count"`
	Width               int      `yaml:"width"`
	Height              int      `yaml:"height"`
	Style               string   `yaml:"style"`
	TextStrict          bool     `yaml:"text_strict"`
	ExactText           []string `yaml:"exact_text"`
	MaxAttemptsPerImage int      `yaml:"max_attempts_per_image"`
	TimeoutSeconds      int      `yaml:"timeout_seconds"`
}

// ProviderRouting names the providers the orchestrator routes between.
type ProviderRouting struct {
	Primary            string `yaml:"primary"`
	TextStrictProvider string `yaml:"text_strict_provider"`
	Fallback           string `yaml:"fallback"`
}

type Watermark struct {
	QRLink string `yaml:"qr_link"`
	// QRSize is the QR edge in pixels; zero sizes it by QRSizeRatio of the
	// image width instead.
	QRSize      int     `yaml:"qr_size"`
	QRSizeRatio float64 `yaml:"qr_size_ratio"`
	QROpacity   float64 `yaml:"qr_opacity"`
	QRPadding   int     `yaml:"qr_padding"`
	TextOverlay string  `yaml:"text_overlay"`
	TextColor   []int   `yaml:"text_color,flow"`
	ShadowColor []int   `yaml:"shadow_color,flow"`
	FontFamily  string  `yaml:"font_family"`
	FontSize    int     `yaml:"font_size"`
	TextPadding int     `yaml:"text_padding"`
}

type SEONaming struct {
	Enabled           bool     `yaml:"enabled"`
	ProcessRecursive  bool     `yaml:"process_recursive"`
	CollisionStrategy string   `yaml:"collision_strategy"`
	SlugPrefix        string   `yaml:"slug_prefix"`
	SlugLocation      string   `yaml:"slug_location"`
	SlugMaxWords      int      `yaml:"slug_max_words"`
	SlugMinLen        int      `yaml:"slug_min_len"`
	SlugStopwords     []string `yaml:"slug_stopwords"`
	SlugWhitelist     []string `yaml:"slug_whitelist"`
}

// DefaultProfile returns a profile with every optional setting filled in.
func DefaultProfile() Profile {
	return Profile{
		Paths: Paths{
			GenerationOutputDir: "generated",
			InputDir:            "input_images",
			OutputDir:           "output_images",
		},
		Generation: Generation{
			Mode:                "auto",
			Count:               4,
			Width:               512,
			Height:              512,
			Style:               "photoreal",
			MaxAttemptsPerImage: 4,
			TimeoutSeconds:      240,
		},
		Providers: ProviderRouting{
			Primary:            "fal",
			TextStrictProvider: "ideogram",
			Fallback:           "stability",
		},
		Watermark: Watermark{
			QRSize:      150,
			QRSizeRatio: 0.15,
			QROpacity:   0.85,
			QRPadding:   15,
			TextColor:   []int{255, 255, 255},
			ShadowColor: []int{0, 0, 0, 128},
			FontFamily:  "arial",
			FontSize:    72,
			TextPadding: 40,
		},
		SEONaming: SEONaming{
			Enabled:           true,
			CollisionStrategy: string(outpath.Counter),
			SlugMaxWords:      slug.DefaultMaxWords,
			SlugMinLen:        slug.DefaultMinLen,
		},
	}
}

// ParseProfile decodes a profile document over DefaultProfile.
func ParseProfile(data []byte) (*Profile, error) {
	var present map[string]yaml.Node
	if err := yaml.Unmarshal(data, &present); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	for _, section := range []string{"profile", "paths", "watermark"} {
		if _, ok := present[section]; !ok {
			return nil, fmt.Errorf("%w: missing %q section", ErrInvalidProfile, section)
		}
	}

	p := DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Profile.Slug) == "" {
		return fmt.Errorf("%w: profile.slug is required", ErrInvalidProfile)
	}
	if p.Generation.Width <= 0 || p.Generation.Height <= 0 {
		return fmt.Errorf("%w: generation size %dx%d", ErrInvalidProfile, p.Generation.Width, p.Generation.Height)
	}
	if p.Generation.Count < 1 {
		return fmt.Errorf("%w: generation.count must be at least 1", ErrInvalidProfile)
	}
	if p.Providers.Primary == "" {
		return fmt.Errorf("%w: providers.primary is required", ErrInvalidProfile)
	}
	return nil
}

// SlugOptions converts the seo_naming section into Slug Engine options.
// Every field is passed, so applying them fully replaces a namer's rules.
func (s SEONaming) SlugOptions() []slug.Option {
	return []slug.Option{
		slug.WithMaxWords(s.SlugMaxWords),
		slug.WithMinLen(s.SlugMinLen),
		slug.WithStopwords(s.SlugStopwords...),
		slug.WithWhitelist(s.SlugWhitelist...),
		slug.WithPrefix(s.SlugPrefix),
		slug.WithLocation(s.SlugLocation),
	}
}

func (s SEONaming) Strategy() outpath.Strategy {
	return outpath.ParseStrategy(s.CollisionStrategy)
}
