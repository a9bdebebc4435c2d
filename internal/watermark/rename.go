package watermark

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manash/qrmr/internal/outpath"
	"github.com/manash/qrmr/internal/security"
	"github.com/manash/qrmr/internal/slug"
)

type Renamed struct {
	From string
	To   string
}

// Rename gives every image directly inside dir its slug name, keeping the
// file's own extension. Collisions get a -2, -3, ... suffix. Files already
// carrying their slug name are left alone. With dryRun set nothing is moved.
func Rename(dir string, namer *slug.Namer, dryRun bool) ([]Renamed, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsImage(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	// Paths claimed and vacated by this run, so a dry run resolves
	// collisions the same way a real one would.
	claimed := make(map[string]bool)
	vacated := make(map[string]bool)
	resolver := &outpath.Resolver{
		Exists: func(path string) bool {
			if claimed[path] {
				return true
			}
			if vacated[path] {
				return false
			}
			_, err := os.Lstat(path)
			return err == nil
		},
	}

	var renamed []Renamed
	for _, name := range names {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		targetStem := security.SanitizeStem(strings.TrimSuffix(namer.Name(stem), slug.Extension), slug.Fallback)
		target := targetStem + strings.ToLower(ext)
		if target == name || (isCounterVariant(stem, targetStem) && ext == strings.ToLower(ext)) {
			continue
		}

		src := filepath.Join(dir, name)
		dst := resolver.EnsureUnique(filepath.Join(dir, target), outpath.Counter)
		if !dryRun {
			if err := os.Rename(src, dst); err != nil {
				return renamed, fmt.Errorf("failed to rename %s: %w", name, err)
			}
		}
		claimed[dst] = true
		vacated[src] = true
		renamed = append(renamed, Renamed{From: src, To: dst})
	}
	return renamed, nil
}

// isCounterVariant reports whether stem is base followed by a collision
// counter such as "-2".
func isCounterVariant(stem, base string) bool {
	n, ok := strings.CutPrefix(stem, base+"-")
	if !ok || n == "" {
		return false
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
