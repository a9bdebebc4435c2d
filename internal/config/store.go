package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseDir    = "config"
	MaxRecentProfiles = 10

	profileExt      = ".yaml"
	appSettingsFile = "app_settings.json"
	profilesSubdir  = "profiles"
)

// AppSettings are shared by every profile.
type AppSettings struct {
	Theme                string   `json:"theme"`
	LastUsedProfile      string   `json:"last_used_profile,omitempty"`
	RecentProfiles       []string `json:"recent_profiles"`
	DefaultGenerationDir string   `json:"default_generation_dir,omitempty"`
	DefaultInputDir      string   `json:"default_input_dir,omitempty"`
	DefaultOutputDir     string   `json:"default_output_dir,omitempty"`
	WatchFolderEnabled   bool     `json:"watch_folder_enabled"`
	WatchFolderPath      string   `json:"watch_folder_path,omitempty"`
	AutoProcess          bool     `json:"auto_process"`
}

func DefaultAppSettings() AppSettings {
	return AppSettings{Theme: "light", RecentProfiles: []string{}}
}

// Store reads and writes profiles under <base>/profiles and the app
// settings at <base>/app_settings.json.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) *Store {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	return &Store{baseDir: baseDir}
}

func (s *Store) BaseDir() string     { return s.baseDir }
func (s *Store) ProfilesDir() string { return filepath.Join(s.baseDir, profilesSubdir) }

func (s *Store) profilePath(profileSlug string) string {
	return filepath.Join(s.ProfilesDir(), profileSlug+profileExt)
}

func (s *Store) LoadProfile(profileSlug string) (*Profile, error) {
	data, err := os.ReadFile(s.profilePath(profileSlug))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, profileSlug)
		}
		return nil, err
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", profileSlug, err)
	}
	return p, nil
}

func (s *Store) SaveProfile(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.ProfilesDir(), 0755); err != nil {
		return fmt.Errorf("failed to create profiles directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(s.profilePath(p.Profile.Slug), data, 0644)
}

// ListProfiles returns the slugs of every stored profile in sorted order.
func (s *Store) ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(s.ProfilesDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}

	profiles := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), profileExt) {
			continue
		}
		profiles = append(profiles, strings.TrimSuffix(e.Name(), profileExt))
	}
	sort.Strings(profiles)
	return profiles, nil
}

func (s *Store) ProfileExists(profileSlug string) bool {
	_, err := os.Stat(s.profilePath(profileSlug))
	return err == nil
}

// DeleteProfile removes a profile; deleting a missing profile is a no-op.
func (s *Store) DeleteProfile(profileSlug string) error {
	err := os.Remove(s.profilePath(profileSlug))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// LoadAppSettings returns defaults when no settings file exists yet.
func (s *Store) LoadAppSettings() (AppSettings, error) {
	settings := DefaultAppSettings()
	data, err := os.ReadFile(filepath.Join(s.baseDir, appSettingsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return settings, err
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("failed to parse %s: %w", appSettingsFile, err)
	}
	if settings.RecentProfiles == nil {
		settings.RecentProfiles = []string{}
	}
	return settings, nil
}

func (s *Store) SaveAppSettings(settings AppSettings) error {
	if err := os.MkdirAll(s.baseDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.baseDir, appSettingsFile), data, 0644)
}

// UpdateRecentProfiles moves profileSlug to the front of the recent list,
// trims it to MaxRecentProfiles and records it as last used.
func (s *Store) UpdateRecentProfiles(profileSlug string) error {
	settings, err := s.LoadAppSettings()
	if err != nil {
		return err
	}
	settings.RecentProfiles = pushRecent(settings.RecentProfiles, profileSlug, MaxRecentProfiles)
	settings.LastUsedProfile = profileSlug
	return s.SaveAppSettings(settings)
}

func (s *Store) RecentProfiles() ([]string, error) {
	settings, err := s.LoadAppSettings()
	if err != nil {
		return nil, err
	}
	return settings.RecentProfiles, nil
}

func pushRecent(recent []string, item string, limit int) []string {
	out := make([]string, 0, len(recent)+1)
	out = append(out, item)
	for _, r := range recent {
		if r != item {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return slices.Clip(out)
}
