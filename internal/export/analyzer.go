package export

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/samber/lo"

	"github.com/qcut/export-agent/internal/handles"
	"github.com/qcut/export-agent/internal/logging"
	"github.com/qcut/export-agent/internal/timeline"
)

// Tolerances for comparing probed stream properties.
const (
	fpsTolerance  = 0.01
	timeTolerance = 0.001
)

// SourceResolver maps media ids to handle sources. media.Library satisfies
// it.
type SourceResolver interface {
	Source(mediaID string) (handles.Source, error)
}

// Analyzer turns a timeline into a Plan.
type Analyzer struct {
	resolver SourceResolver
	logger   *slog.Logger
}

// NewAnalyzer creates an analyzer. resolver may be nil, producing plans
// without sources that can be inspected but not run.
func NewAnalyzer(resolver SourceResolver, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		resolver: resolver,
		logger:   logging.WithComponent(logging.OrDiscard(logger), "analyzer"),
	}
}

// PlanExport validates tl and selects an export mode. spec is the requested
// output; nil derives it from the dominant source. Rejections are
// *ConfigurationError.
//
// Modes are tried in priority order:
//  1. FilteredRender when any clip has active effects, text or stickers are
//     overlaid, or separate audio clips need mixing.
//  2. DirectCopy when every clip shares resolution, frame rate, codec,
//     profile and audio layout, no clip is trimmed (a single clip may be),
//     and the output spec matches the sources.
//  3. Normalize when the clips differ from each other or from the output
//     spec.
//
// Matching clips with trims on a multi-clip timeline fit none of the modes.
func (a *Analyzer) PlanExport(tl *timeline.Timeline, spec *timeline.OutputSpec) (*Plan, error) {
	if tl == nil || len(tl.Video) == 0 {
		return nil, configErrorf("no video elements in export range")
	}
	for _, v := range tl.Video {
		if err := validateElement(v); err != nil {
			return nil, err
		}
	}

	output, explicit, err := resolveOutput(tl.Video, spec)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		output:   output,
		duration: lo.SumBy(tl.Video, func(v timeline.VideoElement) float64 { return v.Duration }),
	}
	if err := a.attachSources(plan, tl); err != nil {
		return nil, err
	}

	plan.mode, plan.reason, err = selectMode(tl, output, explicit)
	if err != nil {
		a.logger.Info("export rejected", "reason", err.Error(), "clips", len(tl.Video))
		return nil, err
	}

	switch plan.mode {
	case FilteredRender:
		plan.filterChain = filterGraph(plan)
	case DirectCopy:
		// Stream copy keeps the source properties.
		plan.output.Width = tl.Video[0].Resolution.Width
		plan.output.Height = tl.Video[0].Resolution.Height
		plan.output.FPS = tl.Video[0].FPS
	case Normalize:
	}

	a.logger.Info("export planned",
		"mode", plan.mode.String(),
		"reason", plan.reason,
		"clips", len(plan.sources),
		"output", fmt.Sprintf("%dx%d@%g", plan.output.Width, plan.output.Height, plan.output.FPS),
		"duration_s", plan.duration,
	)
	return plan, nil
}

func validateElement(v timeline.VideoElement) error {
	switch {
	case v.Duration <= 0:
		return configErrorf("element %s has non-positive duration %g", v.ID, v.Duration)
	case v.TrimStart < 0 || v.TrimEnd < 0:
		return configErrorf("element %s has a negative trim", v.ID)
	case v.Resolution.Width <= 0 || v.Resolution.Height <= 0:
		return configErrorf("element %s has unknown resolution", v.ID)
	case v.FPS <= 0:
		return configErrorf("element %s has unknown frame rate", v.ID)
	}
	if v.SourceDuration > 0 && v.TrimStart+v.Duration+v.TrimEnd > v.SourceDuration+timeTolerance {
		return configErrorf("element %s trims exceed source length %g", v.ID, v.SourceDuration)
	}
	return nil
}

// resolveOutput returns the explicit spec when given, otherwise the dominant
// source's properties. explicit reports which.
func resolveOutput(video []timeline.VideoElement, spec *timeline.OutputSpec) (timeline.OutputSpec, bool, error) {
	if spec != nil {
		out := *spec
		if out.Quality == "" {
			out.Quality = timeline.QualityMedium
		}
		switch {
		case !out.Quality.Valid():
			return out, true, configErrorf("unknown quality %q", out.Quality)
		case out.Width <= 0 || out.Height <= 0:
			return out, true, configErrorf("output resolution %dx%d is invalid", out.Width, out.Height)
		case out.Width%2 != 0 || out.Height%2 != 0:
			return out, true, configErrorf("output resolution %dx%d must be even", out.Width, out.Height)
		case out.FPS <= 0:
			return out, true, configErrorf("output frame rate %g is invalid", out.FPS)
		}
		return out, true, nil
	}

	d := dominant(video)
	return timeline.OutputSpec{
		Width:   d.Resolution.Width &^ 1,
		Height:  d.Resolution.Height &^ 1,
		FPS:     d.FPS,
		Quality: timeline.QualityMedium,
	}, false, nil
}

// dominant returns the first clip of the media with the most total screen
// time.
func dominant(video []timeline.VideoElement) timeline.VideoElement {
	totals := make(map[string]float64)
	for _, v := range video {
		totals[v.MediaID] += v.Duration
	}
	best := video[0]
	for _, v := range video[1:] {
		if totals[v.MediaID] > totals[best.MediaID]+timeTolerance {
			best = v
		}
	}
	return best
}

func (a *Analyzer) attachSources(plan *Plan, tl *timeline.Timeline) error {
	resolve := func(id string) (handles.Source, error) {
		if a.resolver == nil {
			return nil, nil
		}
		src, err := a.resolver.Source(id)
		if err != nil {
			return nil, fmt.Errorf("resolve media %s: %w", id, err)
		}
		return src, nil
	}

	for _, v := range tl.Video {
		src, err := resolve(v.MediaID)
		if err != nil {
			return err
		}
		plan.sources = append(plan.sources, MediaSourceRef{
			ElementID:  v.ID,
			MediaID:    v.MediaID,
			Source:     src,
			StartTime:  v.StartTime,
			Duration:   v.Duration,
			TrimStart:  v.TrimStart,
			TrimEnd:    v.TrimEnd,
			Resolution: v.Resolution,
			FPS:        v.FPS,
			Codec:      v.Codec,
			HasAudio:   v.HasAudio,
			Filter:     v.FilterChain(),
		})
	}
	for _, au := range tl.Audio {
		if au.Duration <= 0 {
			return configErrorf("audio element %s has non-positive duration %g", au.ID, au.Duration)
		}
		src, err := resolve(au.MediaID)
		if err != nil {
			return err
		}
		volume := au.Volume
		if volume == 0 {
			volume = 1
		}
		plan.audio = append(plan.audio, AudioRef{
			ElementID: au.ID,
			MediaID:   au.MediaID,
			Source:    src,
			StartTime: au.StartTime,
			Duration:  au.Duration,
			TrimStart: au.TrimStart,
			Volume:    volume,
		})
	}
	for _, st := range tl.Stickers {
		src, err := resolve(st.MediaID)
		if err != nil {
			return err
		}
		plan.stickers = append(plan.stickers, StickerRef{StickerElement: st, Source: src})
	}
	plan.text = append(plan.text, tl.Text...)
	return nil
}

func selectMode(tl *timeline.Timeline, output timeline.OutputSpec, explicit bool) (Mode, string, error) {
	video := tl.Video

	if lo.SomeBy(video, timeline.VideoElement.HasActiveEffects) {
		return FilteredRender, "clip effects require a filter graph", nil
	}
	if tl.HasOverlays() {
		return FilteredRender, "text or sticker overlays require compositing", nil
	}
	if len(tl.Audio) > 0 {
		return FilteredRender, "separate audio clips require mixing", nil
	}

	first := video[0]
	uniform := lo.EveryBy(video[1:], func(v timeline.VideoElement) bool {
		return sameStream(first, v)
	})
	if !uniform {
		return Normalize, "clip properties differ", nil
	}
	if explicit && !matchesOutput(first, output) {
		return Normalize, "sources differ from the output spec", nil
	}

	trimmed := lo.SomeBy(video, timeline.VideoElement.Trimmed)
	if trimmed && len(video) > 1 {
		return 0, "", configErrorf("trim values present in concat-demuxer multi-video mode")
	}
	if trimmed {
		return DirectCopy, "single trimmed clip, stream copy with in/out points", nil
	}
	return DirectCopy, "all clips share stream properties", nil
}

func sameStream(a, b timeline.VideoElement) bool {
	return a.Resolution == b.Resolution &&
		math.Abs(a.FPS-b.FPS) < fpsTolerance &&
		a.Codec == b.Codec &&
		a.Profile == b.Profile &&
		a.HasAudio == b.HasAudio
}

func matchesOutput(v timeline.VideoElement, out timeline.OutputSpec) bool {
	return v.Resolution == out.Resolution() && math.Abs(v.FPS-out.FPS) < fpsTolerance
}
