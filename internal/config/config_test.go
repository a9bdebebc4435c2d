package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/qrmr/internal/outpath"
	"github.com/manash/qrmr/internal/slug"
)

const minimalProfile = `profile:
  name: Salvo Metal Works
  slug: salvo-metal-works
  client_id: salvo-001
  created: "2025-12-24"
  modified: "2025-12-24"
paths:
  generation_output_dir: out/generated
  input_dir: in
  output_dir: out
watermark:
  qr_link: https://example.com/free-quote
`

func TestParseProfile_Defaults(t *testing.T) {
	p, err := ParseProfile([]byte(minimalProfile))
	require.NoError(t, err)

	assert.Equal(t, "salvo-metal-works", p.Profile.Slug)
	assert.Equal(t, "out/generated", p.Paths.GenerationOutputDir)
	assert.Equal(t, 4, p.Generation.Count)
	assert.Equal(t, 240, p.Generation.TimeoutSeconds)
	assert.Equal(t, ProviderRouting{Primary: "fal", TextStrictProvider: "ideogram", Fallback: "stability"}, p.Providers)
	assert.Equal(t, 0.85, p.Watermark.QROpacity)
	assert.Equal(t, []int{0, 0, 0, 128}, p.Watermark.ShadowColor)
	assert.True(t, p.SEONaming.Enabled)
	assert.Equal(t, outpath.Counter, p.SEONaming.Strategy())
}

func TestParseProfile_PartialSectionKeepsDefaults(t *testing.T) {
	doc := minimalProfile + `generation:
  width: 1920
  height: 1080
  text_strict: true
  exact_text: ["John Doe", "CEO"]
providers:
  fallback: ""
seo_naming:
  collision_strategy: timestamp
  slug_prefix: salvo
`
	p, err := ParseProfile([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 1920, p.Generation.Width)
	assert.Equal(t, 4, p.Generation.Count, "omitted field keeps its default")
	assert.Equal(t, "photoreal", p.Generation.Style)
	assert.Equal(t, []string{"John Doe", "CEO"}, p.Generation.ExactText)
	assert.Equal(t, "fal", p.Providers.Primary)
	assert.Empty(t, p.Providers.Fallback)
	assert.Equal(t, outpath.Timestamp, p.SEONaming.Strategy())
	assert.Equal(t, slug.DefaultMaxWords, p.SEONaming.SlugMaxWords)
}

func TestParseProfile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"missing watermark", "profile: {slug: x}\npaths: {input_dir: in}\n"},
		{"missing slug", "profile: {name: x}\npaths: {}\nwatermark: {}\n"},
		{"bad count", minimalProfile + "generation: {count: 0}\n"},
		{"malformed", "profile: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProfile([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidProfile)
		})
	}
}

func TestSEONaming_SlugOptions(t *testing.T) {
	seo := SEONaming{
		SlugPrefix:    "Salvo",
		SlugLocation:  "Denver",
		SlugMaxWords:  4,
		SlugMinLen:    3,
		SlugStopwords: []string{"railing"},
	}
	n := slug.New(seo.SlugOptions()...)

	assert.Equal(t, "salvo-denver-custom-steel.jpg", n.Name("IMG_2041 custom steel railing stairs"))
}

func TestStore_ProfileRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	p, err := ParseProfile([]byte(minimalProfile))
	require.NoError(t, err)
	p.Generation.Style = "cinematic"
	require.NoError(t, store.SaveProfile(p))

	assert.True(t, store.ProfileExists("salvo-metal-works"))
	loaded, err := store.LoadProfile("salvo-metal-works")
	require.NoError(t, err)
	assert.Equal(t, p, loaded)

	names, err := store.ListProfiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"salvo-metal-works"}, names)

	require.NoError(t, store.DeleteProfile("salvo-metal-works"))
	assert.False(t, store.ProfileExists("salvo-metal-works"))
	require.NoError(t, store.DeleteProfile("salvo-metal-works"), "deleting twice is a no-op")
}

func TestStore_LoadProfileMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.LoadProfile("nobody")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestStore_ListProfiles(t *testing.T) {
	base := t.TempDir()
	store := NewStore(base)

	names, err := store.ListProfiles()
	require.NoError(t, err)
	assert.Empty(t, names)

	dir := store.ProfilesDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested.yaml"), 0755))
	for _, f := range []string{"zeta.yaml", "alpha.yaml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), nil, 0644))
	}

	names, err = store.ListProfiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestStore_AppSettings(t *testing.T) {
	store := NewStore(t.TempDir())

	settings, err := store.LoadAppSettings()
	require.NoError(t, err)
	assert.Equal(t, DefaultAppSettings(), settings)

	settings.WatchFolderEnabled = true
	settings.WatchFolderPath = "/srv/incoming"
	require.NoError(t, store.SaveAppSettings(settings))

	loaded, err := store.LoadAppSettings()
	require.NoError(t, err)
	assert.Equal(t, settings, loaded)
}

func TestStore_UpdateRecentProfiles(t *testing.T) {
	store := NewStore(t.TempDir())

	for _, p := range []string{"a", "b", "c", "a"} {
		require.NoError(t, store.UpdateRecentProfiles(p))
	}
	recent, err := store.RecentProfiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, recent)

	settings, err := store.LoadAppSettings()
	require.NoError(t, err)
	assert.Equal(t, "a", settings.LastUsedProfile)
}

func TestStore_UpdateRecentProfilesTrims(t *testing.T) {
	store := NewStore(t.TempDir())

	for i := range 15 {
		require.NoError(t, store.UpdateRecentProfiles(fmt.Sprintf("p%02d", i)))
	}
	recent, err := store.RecentProfiles()
	require.NoError(t, err)
	require.Len(t, recent, MaxRecentProfiles)
	assert.Equal(t, "p14", recent[0])
	assert.Equal(t, "p05", recent[MaxRecentProfiles-1])
}
