// Package config provides configuration management for the QCut export agent.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultPort     = 8799
	DefaultLogLevel = "info"
	DefaultDataDir  = ".qcut-agent"

	// Environment variable names
	EnvPort     = "QCUT_PORT"
	EnvLogLevel = "QCUT_LOG_LEVEL"
	EnvDataDir  = "QCUT_DATA_DIR"
	EnvHeadless = "QCUT_HEADLESS"

	// Transcoder environment variable names
	EnvFFmpegPath       = "QCUT_FFMPEG_PATH"
	EnvFFprobePath      = "QCUT_FFPROBE_PATH"
	EnvStallTimeout     = "QCUT_EXPORT_STALL_TIMEOUT"
	EnvNormalizeWorkers = "QCUT_NORMALIZE_WORKERS"

	// Handle manager environment variable names
	EnvHandleMaxAge        = "QCUT_HANDLE_MAX_AGE"
	EnvHandleSweepInterval = "QCUT_HANDLE_SWEEP_INTERVAL"

	// Database filename
	DBFilename = "qcut-agent.db"

	// Export defaults
	DefaultFFmpegPath       = "ffmpeg"
	DefaultFFprobePath      = "ffprobe"
	DefaultStallTimeout     = 60 * time.Second
	DefaultNormalizeWorkers = 2

	// Handle defaults
	DefaultHandleMaxAge        = 10 * time.Minute
	DefaultHandleSweepInterval = time.Minute
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	TempDir() string
	SpillDir() string
	Headless() bool
	FFmpegPath() string
	FFprobePath() string
	StallTimeout() time.Duration
	NormalizeWorkers() int
	HandleMaxAge() time.Duration
	HandleSweepInterval() time.Duration
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string
	headless bool

	ffmpegPath       string
	ffprobePath      string
	stallTimeout     time.Duration
	normalizeWorkers int

	handleMaxAge        time.Duration
	handleSweepInterval time.Duration
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:                DefaultPort,
		logLevel:            DefaultLogLevel,
		dataDir:             defaultDataDir(),
		headless:            true,
		ffmpegPath:          DefaultFFmpegPath,
		ffprobePath:         DefaultFFprobePath,
		stallTimeout:        DefaultStallTimeout,
		normalizeWorkers:    DefaultNormalizeWorkers,
		handleMaxAge:        DefaultHandleMaxAge,
		handleSweepInterval: DefaultHandleSweepInterval,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		cfg.headless = headless
	}

	if p := strings.TrimSpace(os.Getenv(EnvFFmpegPath)); p != "" {
		cfg.ffmpegPath = p
	}
	if p := strings.TrimSpace(os.Getenv(EnvFFprobePath)); p != "" {
		cfg.ffprobePath = p
	}

	var err error
	if cfg.stallTimeout, err = durationEnv(EnvStallTimeout, cfg.stallTimeout); err != nil {
		return nil, err
	}
	if cfg.handleMaxAge, err = durationEnv(EnvHandleMaxAge, cfg.handleMaxAge); err != nil {
		return nil, err
	}
	if cfg.handleSweepInterval, err = durationEnv(EnvHandleSweepInterval, cfg.handleSweepInterval); err != nil {
		return nil, err
	}

	if w := os.Getenv(EnvNormalizeWorkers); w != "" {
		workers, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvNormalizeWorkers, err)
		}
		if workers < 1 {
			return nil, fmt.Errorf("invalid %s: must be at least 1", EnvNormalizeWorkers)
		}
		cfg.normalizeWorkers = workers
	}

	return cfg, nil
}

// durationEnv parses a Go duration ("90s", "10m") from the named variable.
func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return d, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// SetPort overrides the port, used by command-line flags.
func (c *EnvConfig) SetPort(port int) {
	c.port = port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// TempDir returns the directory export work dirs are created under
func (c *EnvConfig) TempDir() string {
	return filepath.Join(c.dataDir, "tmp")
}

// SpillDir returns the directory in-memory blobs are spilled to
func (c *EnvConfig) SpillDir() string {
	return filepath.Join(c.dataDir, "spill")
}

// Headless reports whether the system tray is disabled
func (c *EnvConfig) Headless() bool {
	return c.headless
}

// SetHeadless overrides the tray setting, used by command-line flags.
func (c *EnvConfig) SetHeadless(headless bool) {
	c.headless = headless
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

// SetFFmpegPath overrides the transcoder binary, used by command-line flags.
func (c *EnvConfig) SetFFmpegPath(p string) {
	if p != "" {
		c.ffmpegPath = p
	}
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

func (c *EnvConfig) StallTimeout() time.Duration {
	return c.stallTimeout
}

// SetStallTimeout overrides the no-progress window, used by command-line flags.
func (c *EnvConfig) SetStallTimeout(d time.Duration) {
	if d > 0 {
		c.stallTimeout = d
	}
}

func (c *EnvConfig) NormalizeWorkers() int {
	return c.normalizeWorkers
}

func (c *EnvConfig) HandleMaxAge() time.Duration {
	return c.handleMaxAge
}

func (c *EnvConfig) HandleSweepInterval() time.Duration {
	return c.handleSweepInterval
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
