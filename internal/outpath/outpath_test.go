package outpath

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
	}{
		{"counter", Counter},
		{"timestamp", Timestamp},
		{" Timestamp ", Timestamp},
		{"", Counter},
		{"random", Counter},
	}

	for _, tt := range tests {
		if got := ParseStrategy(tt.in); got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnsureUnique_Counter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.jpg")

	if got := EnsureUnique(path, Counter); got != path {
		t.Fatalf("EnsureUnique() on free path = %q, want %q", got, path)
	}

	touch(t, path)
	if got, want := EnsureUnique(path, Counter), filepath.Join(dir, "test-2.jpg"); got != want {
		t.Errorf("EnsureUnique() = %q, want %q", got, want)
	}

	touch(t, filepath.Join(dir, "test-2.jpg"))
	touch(t, filepath.Join(dir, "test-3.jpg"))
	if got, want := EnsureUnique(path, Counter), filepath.Join(dir, "test-4.jpg"); got != want {
		t.Errorf("EnsureUnique() = %q, want %q", got, want)
	}
}

func TestEnsureUnique_NoExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "README")
	touch(t, path)

	if got, want := EnsureUnique(path, Counter), filepath.Join(dir, "README-2"); got != want {
		t.Errorf("EnsureUnique() = %q, want %q", got, want)
	}
}

func TestResolver_Timestamp(t *testing.T) {
	fixed := time.Date(2025, 8, 16, 9, 5, 7, 0, time.Local)
	existing := map[string]bool{"out/test.jpg": true}
	r := &Resolver{
		Exists: func(p string) bool { return existing[p] },
		Now:    func() time.Time { return fixed },
	}

	if got, want := r.EnsureUnique("out/test.jpg", Timestamp), "out/test-20250816090507.jpg"; got != want {
		t.Errorf("EnsureUnique() = %q, want %q", got, want)
	}

	existing["out/test-20250816090507.jpg"] = true
	if got, want := r.EnsureUnique("out/test.jpg", Timestamp), "out/test-2.jpg"; got != want {
		t.Errorf("EnsureUnique() after timestamp collision = %q, want %q", got, want)
	}

	if got := r.EnsureUnique("out/free.jpg", Timestamp); got != "out/free.jpg" {
		t.Errorf("EnsureUnique() on free path = %q", got)
	}
}

func TestResolver_TimestampOnDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.jpg")
	touch(t, path)

	got := NewResolver().EnsureUnique(path, Timestamp)
	pattern := regexp.MustCompile(`^test-\d{14}\.jpg$`)
	if !pattern.MatchString(filepath.Base(got)) {
		t.Errorf("EnsureUnique() = %q, want test-<14 digits>.jpg", got)
	}
}

func TestProperty_CounterReturnsSmallestFreeSuffix(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		taken := rapid.IntRange(0, 20).Draw(rt, "taken")
		existing := map[string]bool{"dir/photo.jpg": true}
		for i := 2; i < taken+2; i++ {
			existing[fmt.Sprintf("dir/photo-%d.jpg", i)] = true
		}
		r := &Resolver{Exists: func(p string) bool { return existing[p] }}

		got := r.EnsureUnique("dir/photo.jpg", Counter)
		want := fmt.Sprintf("dir/photo-%d.jpg", taken+2)
		if got != want {
			rt.Fatalf("EnsureUnique() = %q, want %q", got, want)
		}
		if existing[got] {
			rt.Fatalf("EnsureUnique() returned existing path %q", got)
		}
		if filepath.Dir(got) != "dir" || !strings.HasSuffix(got, ".jpg") {
			rt.Fatalf("EnsureUnique() changed directory or extension: %q", got)
		}
	})
}
