package provider

import "testing"

func TestRatio(t *testing.T) {
	tests := []struct {
		w, h         int
		wantW, wantH int
	}{
		{1024, 1024, 1, 1},
		{1920, 1080, 16, 9},
		{1024, 768, 4, 3},
		{1400, 1000, 7, 5},
		{0, 100, 0, 0},
		{100, -1, 0, 0},
	}

	for _, tt := range tests {
		gw, gh := Ratio(tt.w, tt.h)
		if gw != tt.wantW || gh != tt.wantH {
			t.Errorf("Ratio(%d, %d) = %d:%d, want %d:%d", tt.w, tt.h, gw, gh, tt.wantW, tt.wantH)
		}
	}
}

func TestMatchRatio(t *testing.T) {
	supported := []string{"1:1", "16:9", "3:2"}

	tests := []struct {
		w, h   int
		sep    string
		want   string
		wantOK bool
	}{
		{1024, 1024, ":", "1:1", true},
		{1200, 800, ":", "3:2", true},
		{1400, 1000, ":", "7:5", false},
		{1024, 1024, "x", "1x1", false},
		{0, 0, ":", "", false},
	}

	for _, tt := range tests {
		got, ok := MatchRatio(tt.w, tt.h, tt.sep, supported)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("MatchRatio(%d, %d, %q) = %q, %v; want %q, %v", tt.w, tt.h, tt.sep, got, ok, tt.want, tt.wantOK)
		}
	}
}
