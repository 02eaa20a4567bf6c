package timeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/qcut/export-agent/internal/effects"
)

// Snapshot is a timeline exported by the editor to a file or request body.
// It implements Provider, EffectsProvider and OutputSpecProvider.
type Snapshot struct {
	Video    []VideoElement   `json:"video" yaml:"video"`
	Audio    []AudioElement   `json:"audio,omitempty" yaml:"audio,omitempty"`
	Text     []TextElement    `json:"text,omitempty" yaml:"text,omitempty"`
	Stickers []StickerElement `json:"stickers,omitempty" yaml:"stickers,omitempty"`

	// Output is the requested target. Nil derives it from the dominant
	// source.
	Output *OutputSpec `json:"output,omitempty" yaml:"output,omitempty"`

	// EffectsByID overrides element effects keyed by element id.
	EffectsByID map[string][]effects.Params `json:"element_effects,omitempty" yaml:"element_effects,omitempty"`

	// Media maps media ids to file paths for snapshots loaded from disk.
	Media map[string]string `json:"media,omitempty" yaml:"media,omitempty"`
}

var (
	_ Provider           = (*Snapshot)(nil)
	_ EffectsProvider    = (*Snapshot)(nil)
	_ OutputSpecProvider = (*Snapshot)(nil)
)

// Timeline returns the snapshot's elements restricted to r, sorted by
// start time.
func (s *Snapshot) Timeline(ctx context.Context, r Range) (*Timeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all := &Timeline{Video: s.Video, Audio: s.Audio, Text: s.Text, Stickers: s.Stickers}
	tl := all.Clip(r)
	tl.Sort()
	return tl, nil
}

func (s *Snapshot) Effects(elementID string) ([]effects.Params, bool) {
	fx, ok := s.EffectsByID[elementID]
	return fx, ok
}

func (s *Snapshot) OutputSpec(ctx context.Context) (OutputSpec, bool) {
	if s.Output == nil {
		return OutputSpec{}, false
	}
	return *s.Output, true
}

// Load reads a snapshot from a .json, .yaml or .yml file. Relative media
// paths are resolved against the file's directory.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}

	var snap *Snapshot
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		snap, err = DecodeJSON(data)
	case ".yaml", ".yml":
		snap, err = DecodeYAML(data)
	default:
		return nil, fmt.Errorf("unsupported timeline format: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for id, p := range snap.Media {
		if !filepath.IsAbs(p) {
			snap.Media[id] = filepath.Join(base, p)
		}
	}
	return snap, nil
}

// DecodeJSON parses a JSON snapshot. Unknown fields are rejected.
func DecodeJSON(data []byte) (*Snapshot, error) {
	var snap Snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode timeline json: %w", err)
	}
	return &snap, nil
}

// DecodeYAML parses a YAML snapshot. Unknown fields are rejected.
func DecodeYAML(data []byte) (*Snapshot, error) {
	var snap Snapshot
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode timeline yaml: %w", err)
	}
	return &snap, nil
}
