package provider

import "fmt"

// Ratio reduces width:height to lowest terms. Non-positive inputs yield 0, 0.
func Ratio(width, height int) (int, int) {
	if width <= 0 || height <= 0 {
		return 0, 0
	}
	g := gcd(width, height)
	return width / g, height / g
}

// MatchRatio formats the reduced ratio with sep ("x" gives "4x3", ":" gives
// "4:3") and reports whether it is one of supported. Only exact ratios match;
// 1400x1000 is 7:5 and matches nothing in a 4:3 / 3:2 set.
func MatchRatio(width, height int, sep string, supported []string) (string, bool) {
	w, h := Ratio(width, height)
	if w == 0 {
		return "", false
	}
	label := fmt.Sprintf("%d%s%d", w, sep, h)
	for _, s := range supported {
		if s == label {
			return label, true
		}
	}
	return label, false
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
