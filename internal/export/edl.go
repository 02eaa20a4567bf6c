package export

import (
	"fmt"
	"math"
	"strings"
)

// GenerateEDL renders the plan's video clips as a CMX3600 edit decision
// list. Source in/out points come from the clip trims and record times from
// the clip positions. paths maps media ids to file paths for the MEDIA PATH
// comments; missing ids fall back to the media id.
func GenerateEDL(plan *Plan, title string, paths map[string]string) string {
	rate := plan.output.FPS
	fps := int(math.Round(rate))
	if fps <= 0 {
		fps = 30
	}
	dropFrame := math.Abs(rate-29.97) < 0.01 || math.Abs(rate-59.94) < 0.01

	lines := []string{"TITLE: " + title}
	if dropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	record := 0.0
	for i, s := range plan.sources {
		srcIn := timecode(s.TrimStart, fps)
		srcOut := timecode(s.TrimStart+s.Duration, fps)
		recIn := timecode(record, fps)
		recOut := timecode(record+s.Duration, fps)

		path, ok := paths[s.MediaID]
		if !ok {
			path = s.MediaID
		}
		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "AX", "V", srcIn, srcOut, recIn, recOut),
			"* FROM CLIP NAME:  "+s.ElementID,
			"* MEDIA PATH:  "+path,
		)
		if s.Filter != "" {
			lines = append(lines, "* EFFECTS:  "+s.Filter)
		}
		record += s.Duration
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

// timecode formats seconds as HH:MM:SS:FF at fps.
func timecode(sec float64, fps int) string {
	totalFrames := int(math.Round(sec * float64(fps)))
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
