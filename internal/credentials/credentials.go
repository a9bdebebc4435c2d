// Package credentials reads and manages provider API keys.
//
// Keys live in a YAML document keyed by provider name:
//
//	fal:
//	  api_key: "..."
//	stability:
//	  api_key: "..."
//	  model: core
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	FileName    = "providers.yaml"
	ExampleName = "providers.yaml.example"

	// ConfigDirEnv overrides the platform config directory.
	ConfigDirEnv = "QRMR_CONFIG_DIR"
	appDir       = "qrmr"
)

var ErrNotFound = errors.New("credentials file not found")

// Entry is one provider's section of the document.
type Entry struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// File maps provider names to their entries.
type File map[string]Entry

// Key returns the API key stored for provider, or "".
func (f File) Key(provider string) string {
	return strings.TrimSpace(f[provider].APIKey)
}

// Load reads a credentials document. Unlike the managed Store, a missing
// file is an error: callers pass this path explicitly.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (copy %s and fill in your keys)",
				ErrNotFound, path, filepath.Join(filepath.Dir(path), ExampleName))
		}
		return nil, err
	}
	return parse(data, path)
}

func parse(data []byte, path string) (File, error) {
	file := make(File)
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if file == nil {
		file = make(File)
	}
	return file, nil
}

// Store handles the managed credentials file in the user's config dir.
type Store struct {
	configDir string
}

func NewStore() (*Store, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return &Store{configDir: dir}, nil
}

// NewStoreAt returns a store rooted at dir.
func NewStoreAt(dir string) *Store {
	return &Store{configDir: dir}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", appDir), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, appDir), nil
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, appDir), nil
	}
}

func (s *Store) Path() string {
	return filepath.Join(s.configDir, FileName)
}

// Load returns the managed document; a missing file reads as empty.
func (s *Store) Load() (File, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(File), nil
		}
		return nil, err
	}
	return parse(data, s.Path())
}

func (s *Store) save(file File) error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(file)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}

// Set stores a key for provider, keeping any model or base_url already set.
func (s *Store) Set(provider, key string) error {
	file, err := s.Load()
	if err != nil {
		return err
	}
	entry := file[provider]
	entry.APIKey = key
	file[provider] = entry
	return s.save(file)
}

// Get returns the key for provider, or "" if none is stored.
func (s *Store) Get(provider string) (string, error) {
	file, err := s.Load()
	if err != nil {
		return "", err
	}
	return file.Key(provider), nil
}

func (s *Store) Delete(provider string) error {
	file, err := s.Load()
	if err != nil {
		return err
	}
	if _, ok := file[provider]; !ok {
		return fmt.Errorf("no key found for %s", provider)
	}
	delete(file, provider)
	return s.save(file)
}

// List returns the stored provider names in sorted order.
func (s *Store) List() ([]string, error) {
	file, err := s.Load()
	if err != nil {
		return nil, err
	}
	providers := make([]string, 0, len(file))
	for name := range file {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers, nil
}

// MaskKey returns a masked version of the key for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// Source names where a resolved key came from.
type Source string

const (
	SourceNone Source = ""
	SourceFlag Source = "command-line flag"
	SourceFile Source = "credentials file"
	SourceEnv  Source = "environment variable"
)

// Resolve picks the key for provider: an explicit flag value first, then
// the credentials file, then envVar. An empty key with SourceNone means the
// provider is unconfigured.
func Resolve(flagKey string, file File, provider, envVar string) (string, Source) {
	if flagKey != "" {
		return flagKey, SourceFlag
	}
	if key := file.Key(provider); key != "" {
		return key, SourceFile
	}
	if key := strings.TrimSpace(os.Getenv(envVar)); key != "" {
		return key, SourceEnv
	}
	return "", SourceNone
}
