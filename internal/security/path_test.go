package security

import "testing"

func TestSanitizeStem(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal stem", "copper-dormer", "copper-dormer"},
		{"slashes", "foo/bar", "foo-bar"},
		{"backslashes", "foo\\bar", "foo-bar"},
		{"leading dots removed", "..hidden", "hidden"},
		{"leading hyphens removed", "--flag", "flag"},
		{"trailing dots removed", "file...", "file"},
		{"special characters removed", "file<name>:with*bad?chars", "filename-withbadchars"},
		{"reserved name", "CON", "CON-file"},
		{"reserved slug", "aux", "aux-file"},
		{"empty uses fallback", "...", "image"},
		{"blank uses fallback", "", "image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeStem(tt.input, "image"); got != tt.expected {
				t.Errorf("SanitizeStem(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestIsReservedName(t *testing.T) {
	for _, name := range []string{"con", "PRN", "Lpt9", "com1"} {
		if !IsReservedName(name) {
			t.Errorf("IsReservedName(%q) = false, want true", name)
		}
	}
	for _, name := range []string{"console", "copper", "com10", ""} {
		if IsReservedName(name) {
			t.Errorf("IsReservedName(%q) = true, want false", name)
		}
	}
}
