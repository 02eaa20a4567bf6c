// Package media maps editor media ids to handle sources and probes their
// stream properties with ffprobe.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/qcut/export-agent/internal/logging"
	"github.com/qcut/export-agent/internal/proc"
)

const defaultProbeTimeout = 30 * time.Second

// Prober reads stream properties from a media file.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// ProbeResult holds the properties the export planner compares.
type ProbeResult struct {
	Duration   float64 `json:"duration"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Codec      string  `json:"codec"`
	Profile    string  `json:"profile"`
	FrameRate  float64 `json:"frame_rate"`
	Bitrate    int64   `json:"bitrate"`
	AudioCodec string  `json:"audio_codec,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
}

// HasAudio reports whether an audio stream was found.
func (p *ProbeResult) HasAudio() bool {
	return p.AudioCodec != ""
}

// FFprobe runs the ffprobe binary.
type FFprobe struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFFprobe resolves binary and returns a prober.
func NewFFprobe(binary string, logger *slog.Logger) (*FFprobe, error) {
	p, err := proc.Resolve(binary)
	if err != nil {
		return nil, fmt.Errorf("cannot locate ffprobe: %w", err)
	}
	return &FFprobe{
		binary:  p,
		timeout: defaultProbeTimeout,
		logger:  logging.WithComponent(logging.OrDiscard(logger), "ffprobe"),
	}, nil
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Profile      string `json:"profile"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		SampleRate   string `json:"sample_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// Probe runs `ffprobe -show_format -show_streams` and parses its JSON.
func (f *FFprobe) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.binary,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout bytes.Buffer
	stderr := proc.NewTailWriter(proc.MaxStderrBytes)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		f.logger.Warn("ffprobe failed",
			"path", logging.SanitizePath(path),
			"exit_code", proc.ExitCode(err),
			"stderr_tail", proc.Truncate(stderr.String(), 512),
		)
		return nil, fmt.Errorf("ffprobe %s: %w", logging.SanitizePath(path), err)
	}

	res, err := parseProbe(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	f.logger.Debug("ffprobe complete",
		"path", logging.SanitizePath(path),
		"duration_ms", time.Since(start).Milliseconds(),
		"resolution", fmt.Sprintf("%dx%d", res.Width, res.Height),
		"fps", res.FrameRate,
		"codec", res.Codec,
	)
	return res, nil
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe JSON: %w", err)
	}

	res := &ProbeResult{}
	res.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	res.Bitrate, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)

	foundVideo := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			res.Codec = s.CodecName
			res.Profile = s.Profile
			res.Width = s.Width
			res.Height = s.Height
			res.FrameRate = parseRate(s.AvgFrameRate)
			if res.FrameRate == 0 {
				res.FrameRate = parseRate(s.RFrameRate)
			}
		case "audio":
			if res.AudioCodec == "" {
				res.AudioCodec = s.CodecName
				res.SampleRate, _ = strconv.Atoi(s.SampleRate)
			}
		}
	}
	if !foundVideo {
		return nil, fmt.Errorf("no video stream found")
	}
	return res, nil
}

// parseRate parses ffprobe's "30000/1001" rational, rounded to 3 decimals.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return float64(int64(n/d*1000+0.5)) / 1000
}
