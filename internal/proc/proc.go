// Package proc holds the subprocess helpers shared by the ffprobe prober and
// the transcoder orchestrator: binary resolution, bounded stderr capture and
// exit-code extraction.
package proc

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// MaxStderrBytes is the tail of stderr kept for diagnostics.
const MaxStderrBytes = 8 * 1024

// ErrNotFound is returned by Resolve when the binary is not on disk or PATH.
var ErrNotFound = errors.New("binary not found")

// ErrNotExecutable is returned by Resolve when the file exists but cannot be
// run.
var ErrNotExecutable = errors.New("binary not executable")

// Resolve finds a usable binary. name may be a bare command looked up on
// PATH or a path to a file.
func Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrNotFound)
	}
	p, err := exec.LookPath(name)
	if err == nil {
		return p, nil
	}

	// LookPath folds "exists but not executable" into its error; stat to
	// tell the two apart.
	if info, statErr := os.Stat(name); statErr == nil && !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotExecutable, name)
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// ExitCode extracts the process exit code from a Wait/Run error. It returns
// 0 for nil and -1 when the process never produced an exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// TailWriter is an io.Writer that keeps only the last Limit bytes. It is safe
// for concurrent use so it can be read while the process is still writing.
type TailWriter struct {
	Limit int

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewTailWriter returns a TailWriter bounded to limit bytes.
func NewTailWriter(limit int) *TailWriter {
	return &TailWriter{Limit: limit}
}

func (tw *TailWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	n := len(p)
	tw.buf.Write(p)
	if tw.buf.Len() > tw.Limit {
		// Keep only the tail
		b := tw.buf.Bytes()
		tail := append([]byte(nil), b[len(b)-tw.Limit:]...)
		tw.buf.Reset()
		tw.buf.Write(tail)
	}
	return n, nil
}

func (tw *TailWriter) String() string {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.buf.String()
}

// Truncate keeps the last maxLen bytes of s, prefixed with "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
