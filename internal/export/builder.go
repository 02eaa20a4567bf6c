package export

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/qcut/export-agent/internal/timeline"
)

// Audio layout every re-encoded piece is conformed to, so concatenated pieces
// share one stream layout.
const (
	audioRate    = 48000
	audioBitrate = "192k"
)

// encoder settings per quality level
var qualityPresets = map[timeline.Quality]struct {
	preset string
	crf    int
}{
	timeline.QualityLow:    {"veryfast", 28},
	timeline.QualityMedium: {"medium", 23},
	timeline.QualityHigh:   {"slow", 18},
}

// preamble starts every invocation: overwrite without prompting, errors only
// on stderr, machine-readable progress on stdout.
func preamble() []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-loglevel", "error",
		"-progress", "pipe:1",
		"-nostats",
	}
}

// ConcatEntry is one line group of a concat demuxer list.
type ConcatEntry struct {
	Path     string
	InPoint  float64
	OutPoint float64 // zero means to the end of the file
}

// ConcatList renders a concat demuxer list. Paths are single-quoted with
// embedded quotes escaped.
func ConcatList(entries []ConcatEntry) string {
	var b strings.Builder
	for _, e := range entries {
		safe := strings.ReplaceAll(filepath.ToSlash(e.Path), "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", safe)
		if e.InPoint > 0 {
			fmt.Fprintf(&b, "inpoint %s\n", fmtSeconds(e.InPoint))
		}
		if e.OutPoint > 0 {
			fmt.Fprintf(&b, "outpoint %s\n", fmtSeconds(e.OutPoint))
		}
	}
	return b.String()
}

// directCopyEntries maps plan sources to concat entries. Trims only reach
// here for single-clip plans.
func directCopyEntries(sources []MediaSourceRef, paths []string) []ConcatEntry {
	entries := make([]ConcatEntry, len(sources))
	for i, s := range sources {
		entries[i] = ConcatEntry{Path: paths[i]}
		if s.Trimmed() {
			entries[i].InPoint = s.TrimStart
			entries[i].OutPoint = s.TrimStart + s.Duration
		}
	}
	return entries
}

// Trimmed reports whether the clip starts or ends inside its source.
func (r MediaSourceRef) Trimmed() bool {
	return r.TrimStart != 0 || r.TrimEnd != 0
}

// ConcatCopyArgs concatenates the files named in listPath without
// re-encoding.
func ConcatCopyArgs(listPath, output string) []string {
	args := preamble()
	args = append(args,
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-map", "0",
		"-c", "copy",
	)
	args = append(args, containerFlags(output)...)
	return append(args, output)
}

// NormalizeArgs conforms one clip to the output spec. Clips without audio
// get a silent track so every piece has the same streams.
func NormalizeArgs(src MediaSourceRef, input string, out timeline.OutputSpec, output string) []string {
	args := preamble()
	args = append(args, trimInput(src.TrimStart, src.Duration, input)...)
	audioMap := "0:a:0"
	if !src.HasAudio {
		args = append(args,
			"-f", "lavfi",
			"-t", fmtSeconds(src.Duration),
			"-i", fmt.Sprintf("anullsrc=r=%d:cl=stereo", audioRate),
		)
		audioMap = "1:a:0"
	}
	args = append(args,
		"-vf", conformChain(out),
		"-map", "0:v:0",
		"-map", audioMap,
	)
	args = append(args, videoEncoder(out.Quality)...)
	args = append(args, audioEncoder()...)
	args = append(args, "-video_track_timescale", "90000")
	return append(args, output)
}

// FilteredRenderArgs renders the plan in one pass. inputs holds one path per
// video source, then per audio clip, then per sticker, matching the input
// indexes used by the plan's filter graph.
func FilteredRenderArgs(plan *Plan, inputs []string, output string) ([]string, error) {
	want := len(plan.sources) + len(plan.audio) + len(plan.stickers)
	if len(inputs) != want {
		return nil, fmt.Errorf("filtered render needs %d inputs, got %d", want, len(inputs))
	}

	args := preamble()
	i := 0
	for _, s := range plan.sources {
		args = append(args, trimInput(s.TrimStart, s.Duration, inputs[i])...)
		i++
	}
	for _, a := range plan.audio {
		args = append(args, trimInput(a.TrimStart, a.Duration, inputs[i])...)
		i++
	}
	for range plan.stickers {
		args = append(args, "-i", inputs[i])
		i++
	}

	args = append(args,
		"-filter_complex", plan.filterChain,
		"-map", "[vout]",
		"-map", "[aout]",
	)
	args = append(args, videoEncoder(plan.output.Quality)...)
	args = append(args, audioEncoder()...)
	args = append(args, "-t", fmtSeconds(plan.duration))
	args = append(args, containerFlags(output)...)
	return append(args, output), nil
}

// filterGraph builds the FilteredRender graph. Each clip is conformed to the
// output spec and gets its effects, clips are concatenated in timeline
// order, then text and stickers are composited and separate audio mixed in.
// The graph ends in the [vout] and [aout] labels.
func filterGraph(plan *Plan) string {
	out := plan.output
	var steps []string

	var concatIn strings.Builder
	for i, s := range plan.sources {
		chain := conformChain(out)
		if s.Filter != "" {
			chain += "," + s.Filter
		}
		steps = append(steps, fmt.Sprintf("[%d:v]%s[v%d]", i, chain, i))

		if s.HasAudio {
			steps = append(steps, fmt.Sprintf("[%d:a]%s,apad,atrim=duration=%s[a%d]", i, audioConform(), fmtSeconds(s.Duration), i))
		} else {
			steps = append(steps, fmt.Sprintf("anullsrc=r=%d:cl=stereo,atrim=duration=%s[a%d]", audioRate, fmtSeconds(s.Duration), i))
		}
		fmt.Fprintf(&concatIn, "[v%d][a%d]", i, i)
	}
	steps = append(steps, fmt.Sprintf("%sconcat=n=%d:v=1:a=1[vcat][acat]", concatIn.String(), len(plan.sources)))

	video := "vcat"
	for j, t := range plan.text {
		next := fmt.Sprintf("vt%d", j)
		steps = append(steps, fmt.Sprintf("[%s]%s[%s]", video, drawtext(t), next))
		video = next
	}

	base := len(plan.sources) + len(plan.audio)
	for k, st := range plan.stickers {
		img := fmt.Sprintf("st%d", k)
		chain := "format=rgba"
		if st.Width > 0 && st.Height > 0 {
			chain += fmt.Sprintf(",scale=%d:%d", st.Width, st.Height)
		}
		steps = append(steps, fmt.Sprintf("[%d:v]%s[%s]", base+k, chain, img))

		next := fmt.Sprintf("vs%d", k)
		steps = append(steps, fmt.Sprintf("[%s][%s]overlay=x=%d:y=%d:enable='%s'[%s]",
			video, img, st.X, st.Y, between(st.StartTime, st.Duration), next))
		video = next
	}
	steps = append(steps, fmt.Sprintf("[%s]null[vout]", video))

	if len(plan.audio) == 0 {
		steps = append(steps, "[acat]anull[aout]")
		return strings.Join(steps, ";")
	}

	var mixIn strings.Builder
	mixIn.WriteString("[acat]")
	for j, a := range plan.audio {
		label := fmt.Sprintf("ax%d", j)
		delayMs := int64(a.StartTime*1000 + 0.5)
		steps = append(steps, fmt.Sprintf("[%d:a]%s,volume=%s,adelay=delays=%d:all=1[%s]",
			len(plan.sources)+j, audioConform(), strconv.FormatFloat(a.Volume, 'f', -1, 64), delayMs, label))
		fmt.Fprintf(&mixIn, "[%s]", label)
	}
	steps = append(steps, fmt.Sprintf("%samix=inputs=%d:duration=first:dropout_transition=0:normalize=0[aout]", mixIn.String(), len(plan.audio)+1))
	return strings.Join(steps, ";")
}

// conformChain scales into the output frame preserving aspect ratio, pads
// the remainder, and resamples the frame rate.
func conformChain(out timeline.OutputSpec) string {
	w, h := out.Width, out.Height
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%s,format=yuv420p",
		w, h, w, h, fmtFPS(out.FPS),
	)
}

func audioConform() string {
	return fmt.Sprintf("aresample=%d,aformat=sample_fmts=fltp:channel_layouts=stereo", audioRate)
}

func drawtext(t timeline.TextElement) string {
	size := t.FontSize
	if size <= 0 {
		size = 48
	}
	color := t.Color
	if color == "" {
		color = "white"
	}
	return fmt.Sprintf("drawtext=text=%s:expansion=none:fontsize=%d:fontcolor=%s:x=%d:y=%d:enable='%s'",
		escapeDrawtext(t.Text), size, escapeDrawtext(color), t.X, t.Y, between(t.StartTime, t.Duration))
}

func between(start, duration float64) string {
	return fmt.Sprintf("between(t,%s,%s)", fmtSeconds(start), fmtSeconds(start+duration))
}

// escapeDrawtext applies the two escaping levels ffmpeg parses: the filter
// option value, then the filter graph.
func escapeDrawtext(s string) string {
	opt := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`).Replace(s)
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`, `,`, `\,`, `;`, `\;`, `[`, `\[`, `]`, `\]`).Replace(opt)
}

// trimInput seeks the input to start and limits it to duration. A zero
// start omits the seek.
func trimInput(start, duration float64, input string) []string {
	var args []string
	if start > 0 {
		args = append(args, "-ss", fmtSeconds(start))
	}
	if duration > 0 {
		args = append(args, "-t", fmtSeconds(duration))
	}
	return append(args, "-i", input)
}

func videoEncoder(q timeline.Quality) []string {
	p, ok := qualityPresets[q]
	if !ok {
		p = qualityPresets[timeline.QualityMedium]
	}
	return []string{
		"-c:v", "libx264",
		"-preset", p.preset,
		"-crf", strconv.Itoa(p.crf),
		"-pix_fmt", "yuv420p",
	}
}

func audioEncoder() []string {
	return []string{
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ar", strconv.Itoa(audioRate),
		"-ac", "2",
	}
}

// containerFlags adds muxer options understood by the output container.
func containerFlags(output string) []string {
	switch strings.ToLower(filepath.Ext(output)) {
	case ".mp4", ".mov", ".m4v":
		return []string{"-movflags", "+faststart"}
	}
	return nil
}

func fmtSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func fmtFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}
