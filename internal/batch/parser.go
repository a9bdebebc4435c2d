package batch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrNoPrompts = errors.New("no prompts found in file")

// Item is one prompt of a batch file. Index is 1-based.
type Item struct {
	Index          int      `json:"-" yaml:"-"`
	Prompt         string   `json:"prompt" yaml:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty" yaml:"negative_prompt,omitempty"`
	ExactText      []string `json:"exact_text,omitempty" yaml:"exact_text,omitempty"`
	Style          string   `json:"style,omitempty" yaml:"style,omitempty"`
}

type decodeFunc func(io.Reader) ([]Item, error)

var decoders = map[string]decodeFunc{
	"":      ParseText,
	".txt":  ParseText,
	".json": ParseJSON,
	".yaml": ParseYAML,
	".yml":  ParseYAML,
}

// ParseFile picks a decoder from the file extension.
func ParseFile(path string) ([]Item, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported file format %q: use .txt, .json or .yaml", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return decode(f)
}

// ParseText reads one prompt per line. Blank lines and lines starting with
// # are skipped.
func ParseText(r io.Reader) ([]Item, error) {
	var items []Item
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			items = append(items, Item{Prompt: line})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return number(items)
}

// ParseJSON reads an array of prompt objects.
func ParseJSON(r io.Reader) ([]Item, error) {
	var items []Item
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return number(items)
}

// ParseYAML reads a sequence of prompt mappings with the same keys as the
// JSON format.
func ParseYAML(r io.Reader) ([]Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var items []Item
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	return number(items)
}

// number validates items and assigns their 1-based indexes.
func number(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, ErrNoPrompts
	}
	for i := range items {
		items[i].Prompt = strings.TrimSpace(items[i].Prompt)
		if items[i].Prompt == "" {
			return nil, fmt.Errorf("item %d has empty prompt", i+1)
		}
		items[i].Index = i + 1
	}
	return items, nil
}
