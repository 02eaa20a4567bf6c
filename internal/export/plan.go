// Package export plans and runs timeline exports: the analyzer picks one of
// three transcoding modes, the builder turns a plan into ffmpeg argument
// vectors, and the orchestrator runs them with progress, cancellation and
// cleanup.
package export

import (
	"encoding/json"
	"fmt"

	"github.com/qcut/export-agent/internal/handles"
	"github.com/qcut/export-agent/internal/timeline"
)

// Mode is the transcoding strategy of a plan. The set is closed; switches
// over Mode must handle every value.
type Mode int

const (
	// DirectCopy concatenates source streams without re-encoding.
	DirectCopy Mode = iota + 1
	// Normalize conforms each source to the output spec, then concatenates.
	Normalize
	// FilteredRender renders everything in one pass through a filter graph.
	FilteredRender
)

// Modes lists every mode.
var Modes = []Mode{DirectCopy, Normalize, FilteredRender}

func (m Mode) String() string {
	switch m {
	case DirectCopy:
		return "direct_copy"
	case Normalize:
		return "normalize"
	case FilteredRender:
		return "filtered_render"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode is the inverse of String.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown export mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MediaSourceRef is one video clip of a plan, in timeline order.
type MediaSourceRef struct {
	ElementID  string              `json:"element_id"`
	MediaID    string              `json:"media_id"`
	Source     handles.Source      `json:"-"`
	StartTime  float64             `json:"start_time"`
	Duration   float64             `json:"duration"`
	TrimStart  float64             `json:"trim_start"`
	TrimEnd    float64             `json:"trim_end"`
	Resolution timeline.Resolution `json:"resolution"`
	FPS        float64             `json:"fps"`
	Codec      string              `json:"codec,omitempty"`
	HasAudio   bool                `json:"has_audio"`
	Filter     string              `json:"filter,omitempty"`
}

// AudioRef is a clip on a separate audio track.
type AudioRef struct {
	ElementID string         `json:"element_id"`
	MediaID   string         `json:"media_id"`
	Source    handles.Source `json:"-"`
	StartTime float64        `json:"start_time"`
	Duration  float64        `json:"duration"`
	TrimStart float64        `json:"trim_start"`
	Volume    float64        `json:"volume"`
}

// StickerRef is an image overlay.
type StickerRef struct {
	timeline.StickerElement
	Source handles.Source `json:"-"`
}

// Plan is the analyzer's decision for one export. It is immutable: accessors
// return copies, so a plan can be handed to the orchestrator and inspected
// elsewhere at the same time.
type Plan struct {
	mode        Mode
	sources     []MediaSourceRef
	audio       []AudioRef
	text        []timeline.TextElement
	stickers    []StickerRef
	filterChain string
	output      timeline.OutputSpec
	duration    float64
	reason      string
}

func (p *Plan) Mode() Mode { return p.mode }

// Sources returns the video clips in timeline order.
func (p *Plan) Sources() []MediaSourceRef {
	return append([]MediaSourceRef(nil), p.sources...)
}

// Audio returns the separate audio-track clips.
func (p *Plan) Audio() []AudioRef {
	return append([]AudioRef(nil), p.audio...)
}

// Text returns the text overlays.
func (p *Plan) Text() []timeline.TextElement {
	return append([]timeline.TextElement(nil), p.text...)
}

// Stickers returns the image overlays.
func (p *Plan) Stickers() []StickerRef {
	return append([]StickerRef(nil), p.stickers...)
}

// FilterChain returns the filter graph for FilteredRender plans, and ""
// otherwise.
func (p *Plan) FilterChain() string { return p.filterChain }

// OutputSpec returns the export target.
func (p *Plan) OutputSpec() timeline.OutputSpec { return p.output }

// Duration returns the output length in seconds.
func (p *Plan) Duration() float64 { return p.duration }

// Reason explains why the mode was chosen.
func (p *Plan) Reason() string { return p.reason }

// planJSON is the wire view of a Plan.
type planJSON struct {
	Mode        Mode                   `json:"mode"`
	Reason      string                 `json:"reason"`
	Sources     []MediaSourceRef       `json:"sources"`
	Audio       []AudioRef             `json:"audio,omitempty"`
	Text        []timeline.TextElement `json:"text,omitempty"`
	Stickers    []StickerRef           `json:"stickers,omitempty"`
	FilterChain *string                `json:"filter_chain"`
	OutputSpec  timeline.OutputSpec    `json:"output_spec"`
	Duration    float64                `json:"duration"`
}

func (p *Plan) MarshalJSON() ([]byte, error) {
	v := planJSON{
		Mode:       p.mode,
		Reason:     p.reason,
		Sources:    p.sources,
		Audio:      p.audio,
		Text:       p.text,
		Stickers:   p.stickers,
		OutputSpec: p.output,
		Duration:   p.duration,
	}
	if p.filterChain != "" {
		fc := p.filterChain
		v.FilterChain = &fc
	}
	return json.Marshal(v)
}

// mediaSources returns every distinct source the plan reads, video first.
func (p *Plan) mediaSources() []handles.Source {
	seen := make(map[handles.Source]bool)
	var out []handles.Source
	add := func(s handles.Source) {
		if s != nil && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range p.sources {
		add(s.Source)
	}
	for _, a := range p.audio {
		add(a.Source)
	}
	for _, s := range p.stickers {
		add(s.Source)
	}
	return out
}

// unresolved returns the first media id the plan has no source for.
func (p *Plan) unresolved() (string, bool) {
	for _, s := range p.sources {
		if s.Source == nil {
			return s.MediaID, true
		}
	}
	for _, a := range p.audio {
		if a.Source == nil {
			return a.MediaID, true
		}
	}
	for _, s := range p.stickers {
		if s.Source == nil {
			return s.MediaID, true
		}
	}
	return "", false
}
