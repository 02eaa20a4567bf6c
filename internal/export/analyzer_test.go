package export

import (
	"errors"
	"strings"
	"testing"

	"github.com/qcut/export-agent/internal/effects"
	"github.com/qcut/export-agent/internal/handles"
	"github.com/qcut/export-agent/internal/timeline"
)

// clip returns a 1080p30 h264 clip with audio.
func clip(id, mediaID string, start, duration float64) timeline.VideoElement {
	return timeline.VideoElement{
		ID:         id,
		MediaID:    mediaID,
		StartTime:  start,
		Duration:   duration,
		Resolution: timeline.Resolution{Width: 1920, Height: 1080},
		FPS:        30,
		Codec:      "h264",
		Profile:    "High",
		HasAudio:   true,
	}
}

type mapResolver map[string]handles.Source

func (m mapResolver) Source(id string) (handles.Source, error) {
	src, ok := m[id]
	if !ok {
		return nil, errors.New("unknown media " + id)
	}
	return src, nil
}

func planOf(t *testing.T, tl *timeline.Timeline, spec *timeline.OutputSpec) *Plan {
	t.Helper()
	plan, err := NewAnalyzer(nil, nil).PlanExport(tl, spec)
	if err != nil {
		t.Fatalf("PlanExport() error = %v", err)
	}
	return plan
}

func TestPlanExport_UniformClipsDirectCopy(t *testing.T) {
	tl := &timeline.Timeline{Video: []timeline.VideoElement{
		clip("a", "m1", 0, 5),
		clip("b", "m2", 5, 3),
	}}

	plan := planOf(t, tl, nil)

	if plan.Mode() != DirectCopy {
		t.Fatalf("Mode() = %s, want direct_copy", plan.Mode())
	}
	if plan.FilterChain() != "" {
		t.Errorf("FilterChain() = %q, want empty", plan.FilterChain())
	}
	if len(plan.Sources()) != 2 || plan.Sources()[0].ElementID != "a" {
		t.Errorf("Sources() = %+v", plan.Sources())
	}
	if plan.Duration() != 8 {
		t.Errorf("Duration() = %g, want 8", plan.Duration())
	}
	out := plan.OutputSpec()
	if out.Width != 1920 || out.Height != 1080 || out.FPS != 30 || out.Quality != timeline.QualityMedium {
		t.Errorf("OutputSpec() = %+v", out)
	}
}

func TestPlanExport_DifferentResolutionNormalize(t *testing.T) {
	b := clip("b", "m2", 5, 10)
	b.Resolution = timeline.Resolution{Width: 1280, Height: 720}
	tl := &timeline.Timeline{Video: []timeline.VideoElement{clip("a", "m1", 0, 5), b}}

	plan := planOf(t, tl, nil)

	if plan.Mode() != Normalize {
		t.Fatalf("Mode() = %s, want normalize", plan.Mode())
	}
	// m2 has more screen time, so it sets the output.
	if out := plan.OutputSpec(); out.Width != 1280 || out.Height != 720 {
		t.Errorf("OutputSpec() = %+v, want dominant 1280x720", out)
	}
}

func TestPlanExport_StreamDifferencesNormalize(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*timeline.VideoElement)
	}{
		{"fps", func(v *timeline.VideoElement) { v.FPS = 25 }},
		{"codec", func(v *timeline.VideoElement) { v.Codec = "hevc" }},
		{"profile", func(v *timeline.VideoElement) { v.Profile = "Main" }},
		{"audio", func(v *timeline.VideoElement) { v.HasAudio = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := clip("b", "m2", 5, 5)
			tt.mutate(&b)
			tl := &timeline.Timeline{Video: []timeline.VideoElement{clip("a", "m1", 0, 5), b}}
			if got := planOf(t, tl, nil).Mode(); got != Normalize {
				t.Errorf("Mode() = %s, want normalize", got)
			}
		})
	}
}

func TestPlanExport_EffectsFilteredRender(t *testing.T) {
	a := clip("a", "m1", 0, 5)
	a.Effects = []effects.Params{{Brightness: effects.Float(20)}}
	tl := &timeline.Timeline{Video: []timeline.VideoElement{a}}

	plan := planOf(t, tl, nil)

	if plan.Mode() != FilteredRender {
		t.Fatalf("Mode() = %s, want filtered_render", plan.Mode())
	}
	fc := plan.FilterChain()
	if !strings.Contains(fc, "eq=brightness=0.2") {
		t.Errorf("FilterChain() missing effect: %s", fc)
	}
	if !strings.HasSuffix(fc, "[aout]") || !strings.Contains(fc, "[vout]") {
		t.Errorf("FilterChain() missing output labels: %s", fc)
	}
}

func TestPlanExport_NeutralEffectsIgnored(t *testing.T) {
	a := clip("a", "m1", 0, 5)
	a.Effects = []effects.Params{{Brightness: effects.Float(0)}}
	tl := &timeline.Timeline{Video: []timeline.VideoElement{a}}

	if got := planOf(t, tl, nil).Mode(); got != DirectCopy {
		t.Errorf("Mode() = %s, want direct_copy", got)
	}
}

func TestPlanExport_OverlaysAndAudioFilteredRender(t *testing.T) {
	base := func() *timeline.Timeline {
		return &timeline.Timeline{Video: []timeline.VideoElement{clip("a", "m1", 0, 5)}}
	}

	withText := base()
	withText.Text = []timeline.TextElement{{ID: "t", Text: "Hello", StartTime: 1, Duration: 2}}
	withSticker := base()
	withSticker.Stickers = []timeline.StickerElement{{ID: "s", MediaID: "img", Duration: 1}}
	withAudio := base()
	withAudio.Audio = []timeline.AudioElement{{ID: "au", MediaID: "music", Duration: 5}}

	for name, tl := range map[string]*timeline.Timeline{"text": withText, "sticker": withSticker, "audio": withAudio} {
		t.Run(name, func(t *testing.T) {
			if got := planOf(t, tl, nil).Mode(); got != FilteredRender {
				t.Errorf("Mode() = %s, want filtered_render", got)
			}
		})
	}
}

func TestPlanExport_MultiClipTrimRejected(t *testing.T) {
	a := clip("a", "m1", 0, 5)
	a.TrimStart = 1
	tl := &timeline.Timeline{Video: []timeline.VideoElement{a, clip("b", "m2", 5, 5)}}

	_, err := NewAnalyzer(nil, nil).PlanExport(tl, nil)

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("PlanExport() error = %v, want *ConfigurationError", err)
	}
	if !strings.Contains(cfgErr.Reason, "trim values present in concat-demuxer multi-video mode") {
		t.Errorf("Reason = %q", cfgErr.Reason)
	}
	if Code(err) != CodeConfiguration {
		t.Errorf("Code() = %q", Code(err))
	}
}

func TestPlanExport_TrimmedClipsNormalizeWhenMismatched(t *testing.T) {
	a := clip("a", "m1", 0, 5)
	a.TrimStart = 1
	b := clip("b", "m2", 5, 5)
	b.FPS = 24
	tl := &timeline.Timeline{Video: []timeline.VideoElement{a, b}}

	plan := planOf(t, tl, nil)

	if plan.Mode() != Normalize {
		t.Fatalf("Mode() = %s, want normalize", plan.Mode())
	}
	if plan.Sources()[0].TrimStart != 1 {
		t.Errorf("trim not carried into plan: %+v", plan.Sources()[0])
	}
}

func TestPlanExport_SingleTrimmedClipDirectCopy(t *testing.T) {
	a := clip("a", "m1", 0, 4)
	a.TrimStart = 2
	a.TrimEnd = 1
	tl := &timeline.Timeline{Video: []timeline.VideoElement{a}}

	plan := planOf(t, tl, nil)

	if plan.Mode() != DirectCopy {
		t.Fatalf("Mode() = %s, want direct_copy", plan.Mode())
	}
	entries := directCopyEntries(plan.Sources(), []string{"/m1.mp4"})
	if entries[0].InPoint != 2 || entries[0].OutPoint != 6 {
		t.Errorf("entries = %+v, want inpoint 2 outpoint 6", entries)
	}
}

func TestPlanExport_ExplicitOutputSpec(t *testing.T) {
	tl := &timeline.Timeline{Video: []timeline.VideoElement{clip("a", "m1", 0, 5)}}

	same := planOf(t, tl, &timeline.OutputSpec{Width: 1920, Height: 1080, FPS: 30})
	if same.Mode() != DirectCopy {
		t.Errorf("matching spec: Mode() = %s, want direct_copy", same.Mode())
	}
	if same.OutputSpec().Quality != timeline.QualityMedium {
		t.Errorf("default quality = %q, want medium", same.OutputSpec().Quality)
	}

	smaller := planOf(t, tl, &timeline.OutputSpec{Width: 1280, Height: 720, FPS: 30, Quality: timeline.QualityHigh})
	if smaller.Mode() != Normalize {
		t.Errorf("differing spec: Mode() = %s, want normalize", smaller.Mode())
	}
	if smaller.OutputSpec().Quality != timeline.QualityHigh {
		t.Errorf("quality = %q, want high", smaller.OutputSpec().Quality)
	}
}

func TestPlanExport_DerivedResolutionIsEven(t *testing.T) {
	a := clip("a", "m1", 0, 5)
	a.Resolution = timeline.Resolution{Width: 1281, Height: 721}
	b := clip("b", "m2", 5, 1)
	tl := &timeline.Timeline{Video: []timeline.VideoElement{a, b}}

	out := planOf(t, tl, nil).OutputSpec()
	if out.Width != 1280 || out.Height != 720 {
		t.Errorf("OutputSpec() = %dx%d, want 1280x720", out.Width, out.Height)
	}
}

func TestPlanExport_Rejections(t *testing.T) {
	negTrim := clip("a", "m1", 0, 5)
	negTrim.TrimStart = -1
	zeroDur := clip("a", "m1", 0, 0)
	noRes := clip("a", "m1", 0, 5)
	noRes.Resolution = timeline.Resolution{}
	overTrim := clip("a", "m1", 0, 5)
	overTrim.TrimStart = 4
	overTrim.SourceDuration = 6

	tests := []struct {
		name string
		tl   *timeline.Timeline
		spec *timeline.OutputSpec
	}{
		{"nil timeline", nil, nil},
		{"empty", &timeline.Timeline{}, nil},
		{"negative trim", &timeline.Timeline{Video: []timeline.VideoElement{negTrim}}, nil},
		{"zero duration", &timeline.Timeline{Video: []timeline.VideoElement{zeroDur}}, nil},
		{"unknown resolution", &timeline.Timeline{Video: []timeline.VideoElement{noRes}}, nil},
		{"trims exceed source", &timeline.Timeline{Video: []timeline.VideoElement{overTrim}}, nil},
		{"odd output", &timeline.Timeline{Video: []timeline.VideoElement{clip("a", "m1", 0, 5)}}, &timeline.OutputSpec{Width: 1279, Height: 720, FPS: 30}},
		{"bad quality", &timeline.Timeline{Video: []timeline.VideoElement{clip("a", "m1", 0, 5)}}, &timeline.OutputSpec{Width: 1280, Height: 720, FPS: 30, Quality: "ultra"}},
		{"zero fps output", &timeline.Timeline{Video: []timeline.VideoElement{clip("a", "m1", 0, 5)}}, &timeline.OutputSpec{Width: 1280, Height: 720}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAnalyzer(nil, nil).PlanExport(tt.tl, tt.spec)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Errorf("PlanExport() error = %v, want *ConfigurationError", err)
			}
		})
	}
}

func TestPlanExport_ResolvesSources(t *testing.T) {
	src := handles.NewFileSource("/media/a.mp4")
	resolver := mapResolver{"m1": src}
	tl := &timeline.Timeline{Video: []timeline.VideoElement{clip("a", "m1", 0, 5), clip("b", "m1", 5, 5)}}

	plan, err := NewAnalyzer(resolver, nil).PlanExport(tl, nil)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Sources()[0].Source != src || plan.Sources()[1].Source != src {
		t.Errorf("sources not resolved")
	}
	if got := plan.mediaSources(); len(got) != 1 {
		t.Errorf("mediaSources() = %d, want 1 distinct", len(got))
	}

	tl.Video = append(tl.Video, clip("c", "missing", 10, 1))
	if _, err := NewAnalyzer(resolver, nil).PlanExport(tl, nil); err == nil {
		t.Error("expected error for unknown media")
	}
}

func TestPlan_AccessorsReturnCopies(t *testing.T) {
	tl := &timeline.Timeline{Video: []timeline.VideoElement{clip("a", "m1", 0, 5)}}
	plan := planOf(t, tl, nil)

	srcs := plan.Sources()
	srcs[0].ElementID = "mutated"
	if plan.Sources()[0].ElementID != "a" {
		t.Error("Sources() exposed internal slice")
	}
}

func TestPlan_MarshalJSON(t *testing.T) {
	tl := &timeline.Timeline{Video: []timeline.VideoElement{clip("a", "m1", 0, 5)}}
	b, err := planOf(t, tl, nil).MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, `"mode":"direct_copy"`) || !strings.Contains(s, `"filter_chain":null`) {
		t.Errorf("MarshalJSON() = %s", s)
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range Modes {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("transcode"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
