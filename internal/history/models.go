package history

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/manash/qrmr/internal/generation"
)

// Generation is one successful orchestrator call and the files it saved.
type Generation struct {
	ID              string
	Profile         string
	Prompt          string
	NegativePrompt  string
	Provider        string
	PrimaryProvider string
	UsedFallback    bool
	RequestID       string
	Warnings        []string
	CreatedAt       time.Time
	Images          []Image
}

type Image struct {
	ID           string
	GenerationID string
	Path         string
	MimeType     string
	Model        string
	Seed         *int64
}

type ProviderSummary struct {
	Provider    string
	Generations int
	Images      int
	Fallbacks   int
}

// FromOutcome builds a history record for an outcome whose images were
// written to paths (same order as the result's images).
func FromOutcome(profile, prompt, negativePrompt string, out *generation.Outcome, paths []string) *Generation {
	g := &Generation{
		ID:              uuid.NewString(),
		Profile:         profile,
		Prompt:          prompt,
		NegativePrompt:  negativePrompt,
		Provider:        out.Provider,
		PrimaryProvider: out.Primary,
		UsedFallback:    out.UsedFallback,
		RequestID:       out.Result.RequestID,
		Warnings:        out.Result.AllWarnings(),
		CreatedAt:       time.Now(),
	}
	for i, img := range out.Result.Images {
		path := img.Filename
		if i < len(paths) {
			path = paths[i]
		}
		g.Images = append(g.Images, Image{
			ID:           uuid.NewString(),
			GenerationID: g.ID,
			Path:         path,
			MimeType:     img.MimeType.String(),
			Model:        img.Model,
			Seed:         img.Seed,
		})
	}
	return g
}

func encodeWarnings(w []string) string {
	if len(w) == 0 {
		return ""
	}
	data, _ := json.Marshal(w)
	return string(data)
}

func decodeWarnings(data string) []string {
	var w []string
	if data != "" {
		json.Unmarshal([]byte(data), &w)
	}
	return w
}

func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
