// Package timeline holds the export-facing view of an editor timeline and
// the collaborator interfaces that supply it.
package timeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/qcut/export-agent/internal/effects"
)

// Quality selects the encoder rate control for re-encoding modes.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// Valid reports whether q is one of the known levels.
func (q Quality) Valid() bool {
	switch q {
	case QualityLow, QualityMedium, QualityHigh:
		return true
	}
	return false
}

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// IsZero reports whether r is unset.
func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

// OutputSpec is the target of an export.
type OutputSpec struct {
	Width   int     `json:"width" yaml:"width"`
	Height  int     `json:"height" yaml:"height"`
	FPS     float64 `json:"fps" yaml:"fps"`
	Quality Quality `json:"quality" yaml:"quality"`
}

// Resolution returns the spec's frame size.
func (s OutputSpec) Resolution() Resolution {
	return Resolution{Width: s.Width, Height: s.Height}
}

// VideoElement is one clip on the video track. Times are seconds. TrimStart
// and TrimEnd are offsets cut from the head and tail of the source media, so
// the clip plays source time [TrimStart, TrimStart+Duration).
type VideoElement struct {
	ID         string           `json:"id" yaml:"id"`
	MediaID    string           `json:"media_id" yaml:"media_id"`
	StartTime  float64          `json:"start_time" yaml:"start_time"`
	Duration   float64          `json:"duration" yaml:"duration"`
	TrimStart  float64          `json:"trim_start" yaml:"trim_start"`
	TrimEnd    float64          `json:"trim_end" yaml:"trim_end"`
	Resolution Resolution       `json:"resolution" yaml:"resolution"`
	FPS        float64          `json:"fps" yaml:"fps"`
	Codec      string           `json:"codec,omitempty" yaml:"codec,omitempty"`
	Profile    string           `json:"profile,omitempty" yaml:"profile,omitempty"`
	HasAudio   bool             `json:"has_audio" yaml:"has_audio"`
	Effects    []effects.Params `json:"effects,omitempty" yaml:"effects,omitempty"`

	// SourceDuration is the full length of the media, when known. It bounds
	// the trims.
	SourceDuration float64 `json:"source_duration,omitempty" yaml:"source_duration,omitempty"`
}

// End returns the element's end on the timeline.
func (e VideoElement) End() float64 {
	return e.StartTime + e.Duration
}

// Trimmed reports whether either trim is non-zero.
func (e VideoElement) Trimmed() bool {
	return e.TrimStart != 0 || e.TrimEnd != 0
}

// HasActiveEffects reports whether any effect renders a filter.
func (e VideoElement) HasActiveEffects() bool {
	for i := range e.Effects {
		if !e.Effects[i].IsNeutral() {
			return true
		}
	}
	return false
}

// FilterChain joins the element's effects into one filter chain.
func (e VideoElement) FilterChain() string {
	chains := make([]string, 0, len(e.Effects))
	for i := range e.Effects {
		chains = append(chains, effects.Build(&e.Effects[i]))
	}
	return effects.Join(chains...)
}

// AudioElement is a clip on a separate audio track.
type AudioElement struct {
	ID        string  `json:"id" yaml:"id"`
	MediaID   string  `json:"media_id" yaml:"media_id"`
	StartTime float64 `json:"start_time" yaml:"start_time"`
	Duration  float64 `json:"duration" yaml:"duration"`
	TrimStart float64 `json:"trim_start" yaml:"trim_start"`
	TrimEnd   float64 `json:"trim_end" yaml:"trim_end"`
	// Volume is a linear gain; zero means unity.
	Volume float64 `json:"volume,omitempty" yaml:"volume,omitempty"`
}

// TextElement is a text overlay drawn over the video.
type TextElement struct {
	ID        string  `json:"id" yaml:"id"`
	Text      string  `json:"text" yaml:"text"`
	FontSize  int     `json:"font_size" yaml:"font_size"`
	Color     string  `json:"color" yaml:"color"`
	X         int     `json:"x" yaml:"x"`
	Y         int     `json:"y" yaml:"y"`
	StartTime float64 `json:"start_time" yaml:"start_time"`
	Duration  float64 `json:"duration" yaml:"duration"`
}

// StickerElement is an image overlay composited over the video.
type StickerElement struct {
	ID        string  `json:"id" yaml:"id"`
	MediaID   string  `json:"media_id" yaml:"media_id"`
	X         int     `json:"x" yaml:"x"`
	Y         int     `json:"y" yaml:"y"`
	Width     int     `json:"width" yaml:"width"`
	Height    int     `json:"height" yaml:"height"`
	StartTime float64 `json:"start_time" yaml:"start_time"`
	Duration  float64 `json:"duration" yaml:"duration"`
}

// Timeline is the ordered element set for one export range.
type Timeline struct {
	Video    []VideoElement   `json:"video" yaml:"video"`
	Audio    []AudioElement   `json:"audio,omitempty" yaml:"audio,omitempty"`
	Text     []TextElement    `json:"text,omitempty" yaml:"text,omitempty"`
	Stickers []StickerElement `json:"stickers,omitempty" yaml:"stickers,omitempty"`
}

// HasOverlays reports whether text or stickers are composited over video.
func (t *Timeline) HasOverlays() bool {
	return len(t.Text) > 0 || len(t.Stickers) > 0
}

// MediaIDs returns every referenced media id, video first, in timeline
// order, without duplicates.
func (t *Timeline) MediaIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, v := range t.Video {
		add(v.MediaID)
	}
	for _, a := range t.Audio {
		add(a.MediaID)
	}
	for _, s := range t.Stickers {
		add(s.MediaID)
	}
	return ids
}

// Sort orders every track by start time. The sort is stable so elements
// sharing a start keep their input order.
func (t *Timeline) Sort() {
	sort.SliceStable(t.Video, func(i, j int) bool { return t.Video[i].StartTime < t.Video[j].StartTime })
	sort.SliceStable(t.Audio, func(i, j int) bool { return t.Audio[i].StartTime < t.Audio[j].StartTime })
	sort.SliceStable(t.Text, func(i, j int) bool { return t.Text[i].StartTime < t.Text[j].StartTime })
	sort.SliceStable(t.Stickers, func(i, j int) bool { return t.Stickers[i].StartTime < t.Stickers[j].StartTime })
}

// Range is an export window in timeline seconds. A zero End means the end
// of the timeline.
type Range struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

// Full is the whole timeline.
var Full = Range{}

func (r Range) contains(start, end float64) bool {
	if end <= r.Start {
		return false
	}
	return r.End <= 0 || start < r.End
}

// Provider supplies an ordered, non-overlapping timeline for a range.
type Provider interface {
	Timeline(ctx context.Context, r Range) (*Timeline, error)
}

// EffectsProvider supplies effect parameters per element id.
type EffectsProvider interface {
	Effects(elementID string) ([]effects.Params, bool)
}

// OutputSpecProvider supplies the export target. ok is false when the
// target should be derived from the dominant source.
type OutputSpecProvider interface {
	OutputSpec(ctx context.Context) (spec OutputSpec, ok bool)
}

// Collect fetches the timeline for r and attaches effects from ep. An
// element's own effects are replaced when ep has an entry for it. ep may be
// nil.
func Collect(ctx context.Context, p Provider, ep EffectsProvider, r Range) (*Timeline, error) {
	tl, err := p.Timeline(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	if ep == nil {
		return tl, nil
	}
	for i := range tl.Video {
		if fx, ok := ep.Effects(tl.Video[i].ID); ok {
			tl.Video[i].Effects = fx
		}
	}
	return tl, nil
}

// Clip restricts t to r. Video and audio elements that straddle a range
// edge have their trims and duration adjusted; all elements are shifted so
// the range starts at zero.
func (t *Timeline) Clip(r Range) *Timeline {
	out := &Timeline{}
	for _, v := range t.Video {
		if !r.contains(v.StartTime, v.End()) {
			continue
		}
		head, tail := r.overhang(v.StartTime, v.End())
		v.TrimStart += head
		v.TrimEnd += tail
		v.Duration -= head + tail
		v.StartTime = v.StartTime + head - r.Start
		out.Video = append(out.Video, v)
	}
	for _, a := range t.Audio {
		if !r.contains(a.StartTime, a.StartTime+a.Duration) {
			continue
		}
		head, tail := r.overhang(a.StartTime, a.StartTime+a.Duration)
		a.TrimStart += head
		a.TrimEnd += tail
		a.Duration -= head + tail
		a.StartTime = a.StartTime + head - r.Start
		out.Audio = append(out.Audio, a)
	}
	for _, x := range t.Text {
		if r.contains(x.StartTime, x.StartTime+x.Duration) {
			head, tail := r.overhang(x.StartTime, x.StartTime+x.Duration)
			x.Duration -= head + tail
			x.StartTime = x.StartTime + head - r.Start
			out.Text = append(out.Text, x)
		}
	}
	for _, s := range t.Stickers {
		if r.contains(s.StartTime, s.StartTime+s.Duration) {
			head, tail := r.overhang(s.StartTime, s.StartTime+s.Duration)
			s.Duration -= head + tail
			s.StartTime = s.StartTime + head - r.Start
			out.Stickers = append(out.Stickers, s)
		}
	}
	return out
}

// overhang returns how far [start, end) sticks out before and after r.
func (r Range) overhang(start, end float64) (head, tail float64) {
	if start < r.Start {
		head = r.Start - start
	}
	if r.End > 0 && end > r.End {
		tail = end - r.End
	}
	return head, tail
}
