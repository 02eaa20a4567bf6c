package export

import (
	"strings"
	"testing"

	"github.com/qcut/export-agent/internal/timeline"
)

func edlPlan(fps float64, sources ...MediaSourceRef) *Plan {
	return &Plan{
		mode:    DirectCopy,
		sources: sources,
		output:  timeline.OutputSpec{Width: 1920, Height: 1080, FPS: fps, Quality: timeline.QualityMedium},
	}
}

func TestGenerateEDL_SingleClip(t *testing.T) {
	plan := edlPlan(30, MediaSourceRef{ElementID: "intro", MediaID: "m1", Duration: 2})

	edl := GenerateEDL(plan, "Project One", map[string]string{"m1": "/media/intro.mp4"})

	if !strings.Contains(edl, "TITLE: Project One") {
		t.Fatalf("missing title in EDL: %q", edl)
	}
	if !strings.Contains(edl, "FCM: NON-DROP FRAME") {
		t.Fatalf("missing non-drop-frame FCM: %q", edl)
	}
	if !strings.Contains(edl, "001  AX       V     C        00:00:00:00 00:00:02:00 00:00:00:00 00:00:02:00") {
		t.Fatalf("missing event line: %q", edl)
	}
	if !strings.Contains(edl, "* FROM CLIP NAME:  intro") {
		t.Fatalf("missing clip name comment: %q", edl)
	}
	if !strings.Contains(edl, "* MEDIA PATH:  /media/intro.mp4") {
		t.Fatalf("missing media path comment: %q", edl)
	}
}

func TestGenerateEDL_TrimsAndRecordOffset(t *testing.T) {
	plan := edlPlan(30,
		MediaSourceRef{ElementID: "a", MediaID: "m1", Duration: 1},
		MediaSourceRef{ElementID: "b", MediaID: "m2", TrimStart: 1, Duration: 1.5, Filter: "hue=h=10"},
	)

	edl := GenerateEDL(plan, "Multi", nil)

	if !strings.Contains(edl, "001  AX       V     C        00:00:00:00 00:00:01:00 00:00:00:00 00:00:01:00") {
		t.Fatalf("first event line mismatch: %q", edl)
	}
	if !strings.Contains(edl, "002  AX       V     C        00:00:01:00 00:00:02:15 00:00:01:00 00:00:02:15") {
		t.Fatalf("second event line mismatch or bad record offset: %q", edl)
	}
	if !strings.Contains(edl, "* MEDIA PATH:  m2") {
		t.Fatalf("expected media id fallback: %q", edl)
	}
	if !strings.Contains(edl, "* EFFECTS:  hue=h=10") {
		t.Fatalf("missing effects comment: %q", edl)
	}
}

func TestGenerateEDL_DropFrame(t *testing.T) {
	edl := GenerateEDL(edlPlan(29.97, MediaSourceRef{ElementID: "c", MediaID: "m", Duration: 1}), "Drop", nil)

	if !strings.Contains(edl, "FCM: DROP FRAME") {
		t.Fatalf("expected drop frame FCM, got: %q", edl)
	}
}

func TestTimecode(t *testing.T) {
	tests := []struct {
		name string
		sec  float64
		fps  int
		want string
	}{
		{name: "zero", sec: 0, fps: 30, want: "00:00:00:00"},
		{name: "one second", sec: 1, fps: 30, want: "00:00:01:00"},
		{name: "fractional second", sec: 0.5, fps: 30, want: "00:00:00:15"},
		{name: "one minute", sec: 60, fps: 30, want: "00:01:00:00"},
		{name: "one hour", sec: 3600, fps: 30, want: "01:00:00:00"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := timecode(tc.sec, tc.fps)
			if got != tc.want {
				t.Fatalf("timecode(%g, %d) = %q, want %q", tc.sec, tc.fps, got, tc.want)
			}
		})
	}
}
