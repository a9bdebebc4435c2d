// Package outpath picks a non-colliding output path for a proposed file.
//
// The check is not atomic: another writer may create the returned path
// between EnsureUnique and the caller's write. Callers that fan out work must
// serialize "resolve then write" themselves.
package outpath

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Strategy string

const (
	Counter   Strategy = "counter"
	Timestamp Strategy = "timestamp"
)

const timestampLayout = "20060102150405"

// ParseStrategy maps a configuration value to a Strategy. Anything other than
// "timestamp" selects the counter strategy.
func ParseStrategy(s string) Strategy {
	if Strategy(strings.ToLower(strings.TrimSpace(s))) == Timestamp {
		return Timestamp
	}
	return Counter
}

func (s Strategy) String() string {
	return string(s)
}

type Resolver struct {
	Exists func(path string) bool
	Now    func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{Exists: fileExists, Now: time.Now}
}

// EnsureUnique resolves path against the real filesystem and local clock.
func EnsureUnique(path string, strategy Strategy) string {
	return NewResolver().EnsureUnique(path, strategy)
}

// EnsureUnique returns path unchanged when nothing exists there. Otherwise the
// counter strategy probes base-2.ext, base-3.ext, ... and the timestamp
// strategy tries base-YYYYMMDDHHMMSS.ext before falling back to the counter.
func (r *Resolver) EnsureUnique(path string, strategy Strategy) string {
	exists := r.Exists
	if exists == nil {
		exists = fileExists
	}
	if !exists(path) {
		return path
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	if strategy == Timestamp {
		now := r.Now
		if now == nil {
			now = time.Now
		}
		candidate := fmt.Sprintf("%s-%s%s", base, now().Format(timestampLayout), ext)
		if !exists(candidate) {
			return candidate
		}
	}

	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if !exists(candidate) {
			return candidate
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
