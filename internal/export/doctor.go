package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/qcut/export-agent/internal/logging"
	"github.com/qcut/export-agent/internal/proc"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultDoctorTimeout = 10 * time.Second
)

// Capabilities describes the transcoder available to the orchestrator. It is
// probed once and handed to the orchestrator at construction.
type Capabilities struct {
	NativeTranscoder bool      `json:"native_transcoder"`
	FFmpegPath       string    `json:"ffmpeg_path"`
	Version          string    `json:"version,omitempty"`
	Error            string    `json:"error,omitempty"`
	// NotExecutable is set when the binary exists but could not be run.
	NotExecutable    bool      `json:"not_executable,omitempty"`
	ProbedAt         time.Time `json:"probed_at"`
}

// ProbeCapabilities resolves binary and runs `-version` to confirm it works.
// A transcoder that cannot be found or run is reported in the result, and
// the error says why.
func ProbeCapabilities(ctx context.Context, binary string) (*Capabilities, error) {
	caps := &Capabilities{FFmpegPath: binary, ProbedAt: time.Now()}

	path, err := proc.Resolve(binary)
	if err != nil {
		caps.Error = err.Error()
		if errors.Is(err, proc.ErrNotExecutable) {
			caps.NotExecutable = true
			return caps, &BinaryNotExecutableError{Binary: binary, Err: err}
		}
		return caps, &BinaryMissingError{Binary: binary, Err: err}
	}
	caps.FFmpegPath = path

	ctx, cancel := context.WithTimeout(ctx, defaultDoctorTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "-hide_banner", "-version")
	var stdout bytes.Buffer
	stderr := proc.NewTailWriter(proc.MaxStderrBytes)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		caps.Error = err.Error()
		caps.NotExecutable = true
		return caps, &BinaryNotExecutableError{Binary: path, Err: fmt.Errorf("%w: %s", err, proc.Truncate(stderr.String(), 256))}
	}

	caps.NativeTranscoder = true
	caps.Version = parseVersion(stdout.String())
	return caps, nil
}

// parseVersion extracts "6.1.1" from "ffmpeg version 6.1.1 Copyright ...".
func parseVersion(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return strings.TrimSpace(line)
}

// CachedDoctor caches capability probes with a TTL. It avoids spawning the
// transcoder on every status request.
type CachedDoctor struct {
	binary string
	ttl    time.Duration
	logger *slog.Logger
	probe  func(ctx context.Context, binary string) (*Capabilities, error)

	mu     sync.RWMutex
	cached *Capabilities
}

// NewCachedDoctor creates a caching wrapper around ProbeCapabilities.
func NewCachedDoctor(binary string, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		binary: binary,
		ttl:    defaultCacheTTL,
		logger: logging.WithComponent(logging.OrDiscard(logger), "doctor"),
		probe:  ProbeCapabilities,
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Peek returns the cached capabilities without probing. It may be nil.
func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe regardless of cache freshness. A failed probe
// is cached too, so callers see the reason.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.probe(ctx, d.binary)
	if err != nil {
		d.logger.Warn("transcoder probe failed", "binary", d.binary, "error", err)
		d.cached = caps
		return caps, err
	}

	d.logger.Info("transcoder probe complete", "path", logging.SanitizePath(caps.FFmpegPath), "version", caps.Version)
	d.cached = caps
	return caps, nil
}
