package export

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/qcut/export-agent/internal/handles"
	"github.com/qcut/export-agent/internal/metrics"
)

// ErrCancelled is returned by Run.Wait when the caller cancelled the export.
var ErrCancelled = errors.New("export cancelled")

// ConfigurationError reports a timeline no export mode can handle. It is
// returned by the analyzer before any process is spawned.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "export unsupported: " + e.Reason
}

// ExportUnsupportedError is the analyzer's name for a ConfigurationError.
type ExportUnsupportedError = ConfigurationError

func configErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// BinaryMissingError reports a transcoder that could not be located.
type BinaryMissingError struct {
	Binary string
	Err    error
}

func (e *BinaryMissingError) Error() string {
	return fmt.Sprintf("transcoder %q not found: %v", e.Binary, e.Err)
}

func (e *BinaryMissingError) Unwrap() error { return e.Err }

// BinaryNotExecutableError reports a transcoder that exists but could not be
// started.
type BinaryNotExecutableError struct {
	Binary string
	Err    error
}

func (e *BinaryNotExecutableError) Error() string {
	return fmt.Sprintf("transcoder %q cannot be executed: %v", e.Binary, e.Err)
}

func (e *BinaryNotExecutableError) Unwrap() error { return e.Err }

// ProcessCrashError reports a transcoder that exited non-zero.
type ProcessCrashError struct {
	ExitCode   int
	Message    string
	StderrTail string
}

func (e *ProcessCrashError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transcoder exited %d: %s", e.ExitCode, e.Message)
	}
	return fmt.Sprintf("transcoder exited %d", e.ExitCode)
}

// TimeoutError reports a transcoder that produced no progress for Window.
type TimeoutError struct {
	Window time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transcoder made no progress for %s", e.Window)
}

// Pre-compiled patterns for turning ffmpeg stderr into a one-line message.
// Checked in order; the first match wins.
var crashPatterns = []struct {
	re      *regexp.Regexp
	message string
}{
	{regexp.MustCompile(`(?i)No such file or directory`), "input file not found"},
	{regexp.MustCompile(`(?i)Invalid data found when processing input|moov atom not found`), "input file is corrupt or not a supported format"},
	{regexp.MustCompile(`(?i)No space left on device`), "disk full"},
	{regexp.MustCompile(`(?i)Permission denied`), "permission denied"},
	{regexp.MustCompile(`(?i)Unknown encoder|Encoder not found`), "required encoder is not available in this ffmpeg build"},
	{regexp.MustCompile(`(?i)Error (initializing|reinitializing) filters?|No such filter|Invalid argument.*filter|Error parsing filterchain`), "filter graph rejected"},
	{regexp.MustCompile(`(?i)Unsafe file name`), "concat list rejected an input path"},
	{regexp.MustCompile(`(?i)Non-monotonous DTS|non monotonically increasing dts`), "source timestamps are inconsistent"},
}

// classifyStderr returns a short message for known failures, or the last
// non-empty stderr line.
func classifyStderr(stderr string) string {
	for _, p := range crashPatterns {
		if p.re.MatchString(stderr) {
			return p.message
		}
	}
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// Error codes used by the HTTP API.
const (
	CodeConfiguration  = "CONFIGURATION_ERROR"
	CodeBinaryMissing  = "BINARY_MISSING"
	CodeProcessCrash   = "PROCESS_CRASH"
	CodeTimeout        = "TIMEOUT"
	CodeCancelled      = "CANCELLED"
	CodeHandleNotFound = "HANDLE_NOT_FOUND"
	CodeInternal       = "INTERNAL_ERROR"
)

// Code maps err to an API error code.
func Code(err error) string {
	var (
		cfgErr     *ConfigurationError
		missing    *BinaryMissingError
		notExec    *BinaryNotExecutableError
		crash      *ProcessCrashError
		timeout    *TimeoutError
		notFoundEr *handles.HandleNotFoundError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return CodeConfiguration
	case errors.As(err, &missing), errors.As(err, &notExec):
		return CodeBinaryMissing
	case errors.As(err, &crash):
		return CodeProcessCrash
	case errors.As(err, &timeout):
		return CodeTimeout
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.As(err, &notFoundEr):
		return CodeHandleNotFound
	default:
		return CodeInternal
	}
}

const genericFailure = "Processing failed, please retry."

// UserMessage returns text suitable for the editor UI. Only configuration
// and transcoder installation errors carry remediation advice.
func UserMessage(err error) string {
	var (
		cfgErr  *ConfigurationError
		missing *BinaryMissingError
		notExec *BinaryNotExecutableError
		timeout *TimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return fmt.Sprintf("This timeline cannot be exported as is: %s. Adjust the clips and try again.", cfgErr.Reason)
	case errors.As(err, &missing):
		return "FFmpeg was not found. Install FFmpeg or set QCUT_FFMPEG_PATH to its location, then retry."
	case errors.As(err, &notExec):
		return "FFmpeg could not be started. Check that QCUT_FFMPEG_PATH points to a working executable, then retry."
	case errors.Is(err, ErrCancelled):
		return "Export cancelled."
	case errors.As(err, &timeout):
		return "Export stopped responding. " + genericFailure
	default:
		return genericFailure
	}
}

// outcome maps err to a metrics outcome label.
func outcome(err error) string {
	var timeout *TimeoutError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrCancelled):
		return metrics.OutcomeCancelled
	case errors.As(err, &timeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeFailed
	}
}
