package export

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Progress is one update of a running export.
type Progress struct {
	// Percent is the overall completion, 0 to 100, never decreasing.
	Percent float64 `json:"percent"`
	// Stage names the current step ("render", "normalize", "concat").
	Stage string `json:"stage"`
	// OutTime is how much output the transcoder has written in this stage.
	OutTime time.Duration `json:"out_time"`
	// Speed is the transcoder's reported speed multiple, 0 when unknown.
	Speed float64 `json:"speed"`
}

// progressUpdate is one key=value batch of `-progress` output.
type progressUpdate struct {
	outTimeUs  int64
	outTimeSet bool
	speed      float64
	end        bool
}

// maxProgressLine bounds a single progress line.
const maxProgressLine = 1024 * 1024

// parseProgress reads ffmpeg `-progress` output until EOF, calling fn once
// per batch. Batches end at "progress=continue" or "progress=end".
func parseProgress(r io.Reader, fn func(progressUpdate)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxProgressLine)

	var batch progressUpdate
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "progress=") {
			batch.end = line == "progress=end"
			fn(batch)
			batch = progressUpdate{}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "out_time_us":
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				batch.outTimeUs = us
				batch.outTimeSet = true
			}
		case "out_time_ms":
			// Despite the name, ffmpeg reports microseconds here too.
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 && !batch.outTimeSet {
				batch.outTimeUs = us
				batch.outTimeSet = true
			}
		case "out_time":
			if us := parseOutTime(value); us >= 0 && !batch.outTimeSet {
				batch.outTimeUs = us
				batch.outTimeSet = true
			}
		case "speed":
			if s, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil && s >= 0 {
				batch.speed = s
			}
		}
	}
	return scanner.Err()
}

// parseOutTime parses "HH:MM:SS.micros" into microseconds, or -1.
func parseOutTime(s string) int64 {
	if s == "" || s == "N/A" {
		return -1
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return -1
	}
	h, err1 := strconv.ParseInt(parts[0], 10, 64)
	m, err2 := strconv.ParseInt(parts[1], 10, 64)
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || h < 0 || m < 0 || sec < 0 {
		return -1
	}
	return (h*3600+m*60)*1_000_000 + int64(sec*1_000_000+0.5)
}

// stageTracker combines per-stage fractions into an overall percentage.
// Weights sum to one.
type stageTracker struct {
	weights   []float64
	durations []float64
	fractions []float64
	best      float64
}

func newStageTracker(weights, durations []float64) *stageTracker {
	return &stageTracker{
		weights:   weights,
		durations: durations,
		fractions: make([]float64, len(weights)),
	}
}

// update records that stage i has written outTime of output and returns the
// overall percentage.
func (t *stageTracker) update(i int, outTime time.Duration) float64 {
	if d := t.durations[i]; d > 0 {
		f := outTime.Seconds() / d
		if f > 1 {
			f = 1
		}
		if f > t.fractions[i] {
			t.fractions[i] = f
		}
	}
	return t.percent()
}

// complete marks stage i finished.
func (t *stageTracker) complete(i int) float64 {
	t.fractions[i] = 1
	return t.percent()
}

func (t *stageTracker) percent() float64 {
	total := 0.0
	for i, w := range t.weights {
		total += w * t.fractions[i]
	}
	p := total * 100
	if p > 100 {
		p = 100
	}
	if p > t.best {
		t.best = p
	}
	return t.best
}
