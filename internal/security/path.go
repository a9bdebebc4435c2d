package security

import (
	"strings"
)

var windowsReservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

var stemReplacer = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-",
	"*", "", "?", "", "\"", "",
	"<", "", ">", "", "|", "", "\x00", "",
)

// SanitizeStem makes a filename stem (no extension) safe to join onto an
// output directory. Separators become hyphens, shell-hostile characters are
// dropped, and Windows device names get a "-file" suffix. An empty result
// becomes fallback.
func SanitizeStem(stem, fallback string) string {
	s := stemReplacer.Replace(stem)
	s = strings.TrimLeft(s, ".- ")
	s = strings.TrimRight(s, ". ")

	if s == "" {
		return fallback
	}
	if IsReservedName(s) {
		s += "-file"
	}
	return s
}

// IsReservedName reports whether stem is a Windows device name such as CON or
// LPT1. Slugs like "con" or "aux" are valid output of the naming engine but
// cannot be created on Windows.
func IsReservedName(stem string) bool {
	return windowsReservedNames[strings.ToLower(stem)]
}
