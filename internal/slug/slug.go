// Package slug turns noisy image filename stems into short, deterministic,
// SEO-friendly names such as "copper-dormer-installation.jpg".
package slug

import (
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMaxWords = 6
	DefaultMinLen   = 3

	// Extension is fixed: every watermark output is re-encoded as JPEG.
	Extension = ".jpg"
	Fallback  = "image"
)

var (
	separators = regexp.MustCompile(`[ \t\-._,+]+`)
	nonSlug    = regexp.MustCompile(`[^a-z0-9-]+`)
	hyphenRuns = regexp.MustCompile(`-{2,}`)
	hexRun     = regexp.MustCompile(`^[0-9a-f]{8,}$`)

	// Order matters: full UUIDs must go before fragments and the generic
	// hex pattern, otherwise they are only partially removed.
	noisePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{2,5}\s*[xX]\s*\d{2,5}\b`),                                     // 1200x800
		regexp.MustCompile(`\b(?:19|20)\d{2}[-_/]?\d{1,2}[-_/]?\d{1,2}\b`),                      // 2025-08-16, 20250816
		regexp.MustCompile(`\b\d{1,2}[-_/]\d{1,2}[-_/](?:19|20)\d{2}\b`),                        // 08-16-2025
		regexp.MustCompile(`\b(?:19|20)\d{2}\b`),                                                // lone year
		regexp.MustCompile(`\b\d{1,2}[-:.]\d{2}[-:.]\d{2}\b`),                                   // 12-34-56
		regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), // uuid
		regexp.MustCompile(`(?i)\b[0-9a-f]{4,}(?:-[0-9a-f]{4,})+\b`),                            // uuid fragments
		regexp.MustCompile(`(?i)\b[0-9a-f]{8,}\b`),                                              // long hex
		regexp.MustCompile(`[(\[{][^)\]}]{0,50}[)\]}]`),                                         // (notes) [notes] {notes}
		regexp.MustCompile(`[-_]\d+\s*$`),                                                       // trailing -123 / _123
	}

	builtinStopwords = newSet(
		"img", "imgp", "dsc", "pxl", "psx", "gopr", "pano", "panorama",
		"screenshot", "screen", "shot", "edited", "edit", "final", "final2",
		"copy", "new", "version", "v2", "v3", "v4", "hdr", "raw", "heic",
		"android", "iphone", "canon", "nikon", "sony", "fujifilm", "olympus",
		"lumix", "leica", "export", "resized", "compressed", "large",
		"medium", "small", "original", "orig", "draft", "highres",
		"penzenmaster",
	)
)

// Config is an immutable snapshot of the naming rules.
type Config struct {
	MaxWords       int
	MinLen         int
	Stopwords      map[string]struct{}
	Whitelist      map[string]struct{}
	PrefixTokens   []string
	LocationTokens []string
}

func DefaultConfig() Config {
	return Config{
		MaxWords:  DefaultMaxWords,
		MinLen:    DefaultMinLen,
		Stopwords: map[string]struct{}{},
		Whitelist: map[string]struct{}{},
	}
}

func (c Config) clone() Config {
	out := c
	out.Stopwords = cloneSet(c.Stopwords)
	out.Whitelist = cloneSet(c.Whitelist)
	out.PrefixTokens = append([]string(nil), c.PrefixTokens...)
	out.LocationTokens = append([]string(nil), c.LocationTokens...)
	return out
}

// Option changes one field of the configuration. Fields without an option
// in a Configure call keep their current value.
type Option func(*Config)

func WithMaxWords(n int) Option {
	return func(c *Config) {
		if n < 0 {
			n = 0
		}
		c.MaxWords = n
	}
}

func WithMinLen(n int) Option {
	return func(c *Config) { c.MinLen = n }
}

// WithStopwords replaces the extra stopwords merged with the built-in noise
// list.
func WithStopwords(words ...string) Option {
	return func(c *Config) { c.Stopwords = normalizedSet(words) }
}

// WithWhitelist restricts content tokens to the given words. An empty list
// disables the whitelist.
func WithWhitelist(words ...string) Option {
	return func(c *Config) { c.Whitelist = normalizedSet(words) }
}

// WithPrefix sets the tokens always placed first. The text is tokenized
// exactly like a filename, so "best-service" yields two tokens.
func WithPrefix(text string) Option {
	return func(c *Config) { c.PrefixTokens = dedupe(tokenize(text)) }
}

// WithLocation sets the tokens placed after the prefix tokens.
func WithLocation(text string) Option {
	return func(c *Config) { c.LocationTokens = dedupe(tokenize(text)) }
}

// Namer applies a Config to filename stems. Configure swaps the whole
// snapshot, so a concurrent Name call sees either the old or the new rules.
// Callers are still expected to reconfigure from a single goroutine.
type Namer struct {
	cfg atomic.Pointer[Config]
}

func New(opts ...Option) *Namer {
	n := &Namer{}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	n.cfg.Store(&cfg)
	return n
}

// Configure applies opts on top of the current configuration.
func (n *Namer) Configure(opts ...Option) {
	next := n.cfg.Load().clone()
	for _, opt := range opts {
		opt(&next)
	}
	n.cfg.Store(&next)
}

func (n *Namer) Config() Config {
	return n.cfg.Load().clone()
}

// Name returns "<slug>.jpg" for a filename stem. It never fails; the worst
// case is "image.jpg".
func (n *Namer) Name(stem string) string {
	s := Slugify(n.Tokens(stem))
	if s == "" {
		s = Fallback
	}
	return s + Extension
}

// Tokens returns the final ordered token list for stem: prefix, location,
// then meaningful content tokens, capped at MaxWords.
func (n *Namer) Tokens(stem string) []string {
	cfg := n.cfg.Load()

	content := make([]string, 0, 8)
	for _, tok := range tokenize(stem) {
		if cfg.meaningful(tok) {
			content = append(content, tok)
		}
	}

	total := len(cfg.PrefixTokens) + len(cfg.LocationTokens) + len(content)
	merged := make([]string, 0, total)
	merged = append(merged, cfg.PrefixTokens...)
	merged = append(merged, cfg.LocationTokens...)
	merged = append(merged, content...)
	merged = dedupe(merged)

	if len(merged) > cfg.MaxWords {
		merged = merged[:cfg.MaxWords]
	}
	return merged
}

func (c *Config) meaningful(tok string) bool {
	if utf8.RuneCountInString(tok) < c.MinLen {
		return false
	}
	if _, ok := builtinStopwords[tok]; ok {
		return false
	}
	if _, ok := c.Stopwords[tok]; ok {
		return false
	}
	if len(c.Whitelist) > 0 {
		if _, ok := c.Whitelist[tok]; !ok {
			return false
		}
	}
	if hexRun.MatchString(tok) {
		return false
	}

	var letters, digits int
	for _, r := range tok {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	if letters+digits == 0 {
		return false
	}
	if letters == 0 && digits == utf8.RuneCountInString(tok) {
		return false
	}
	return letters >= digits
}

// StripNoise removes dimensions, dates, ids, hashes, bracketed notes and a
// trailing numeric suffix from s.
func StripNoise(s string) string {
	for _, pat := range noisePatterns {
		s = pat.ReplaceAllString(s, " ")
	}
	return s
}

func tokenize(stem string) []string {
	s := StripNoise(strings.ToLower(stem))
	parts := separators.Split(s, -1)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Slugify joins parts with hyphens and reduces the result to [a-z0-9-]
// without leading, trailing or repeated hyphens.
func Slugify(parts []string) string {
	s := strings.Join(parts, "-")
	s = nonSlug.ReplaceAllString(s, "")
	s = hyphenRuns.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func newSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func normalizedSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
