package export

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/qcut/export-agent/internal/handles"
	"github.com/qcut/export-agent/internal/metrics"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"configuration", configErrorf("bad"), CodeConfiguration},
		{"wrapped configuration", fmt.Errorf("plan: %w", configErrorf("bad")), CodeConfiguration},
		{"missing", &BinaryMissingError{Binary: "ffmpeg", Err: errors.New("x")}, CodeBinaryMissing},
		{"not executable", &BinaryNotExecutableError{Binary: "ffmpeg", Err: errors.New("x")}, CodeBinaryMissing},
		{"crash", &ProcessCrashError{ExitCode: 1}, CodeProcessCrash},
		{"timeout", &TimeoutError{Window: time.Second}, CodeTimeout},
		{"cancelled", ErrCancelled, CodeCancelled},
		{"handle", fmt.Errorf("x: %w", &handles.HandleNotFoundError{Token: "t"}), CodeHandleNotFound},
		{"other", errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserMessage(t *testing.T) {
	if msg := UserMessage(configErrorf("clips overlap")); !strings.Contains(msg, "clips overlap") {
		t.Errorf("configuration message = %q", msg)
	}
	if msg := UserMessage(&BinaryMissingError{Binary: "ffmpeg"}); !strings.Contains(msg, "QCUT_FFMPEG_PATH") {
		t.Errorf("missing binary message = %q", msg)
	}
	notExec := UserMessage(&BinaryNotExecutableError{Binary: "ffmpeg"})
	if !strings.Contains(notExec, "could not be started") {
		t.Errorf("not executable message = %q", notExec)
	}
	crash := &ProcessCrashError{ExitCode: 1, StderrTail: "/home/user/secret.mp4: No such file"}
	if msg := UserMessage(crash); msg != genericFailure {
		t.Errorf("crash message = %q, want generic", msg)
	}
	if msg := UserMessage(nil); msg != "" {
		t.Errorf("nil message = %q", msg)
	}
}

func TestClassifyStderr(t *testing.T) {
	tests := []struct {
		stderr string
		want   string
	}{
		{"/a.mp4: No such file or directory", "input file not found"},
		{"[mov,mp4] moov atom not found\n/a.mp4: Invalid data found when processing input", "input file is corrupt or not a supported format"},
		{"av_interleaved_write_frame(): No space left on device", "disk full"},
		{"Unknown encoder 'libx264'", "required encoder is not available in this ffmpeg build"},
		{"[AVFilterGraph] No such filter: 'foo'\nError initializing filters", "filter graph rejected"},
		{"line one\nsomething odd happened\n\n", "something odd happened"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := classifyStderr(tt.stderr); got != tt.want {
			t.Errorf("classifyStderr(%q) = %q, want %q", tt.stderr, got, tt.want)
		}
	}
}

func TestOutcome(t *testing.T) {
	if outcome(nil) != metrics.OutcomeSuccess {
		t.Error("nil should be success")
	}
	if outcome(ErrCancelled) != metrics.OutcomeCancelled {
		t.Error("cancelled outcome")
	}
	if outcome(&TimeoutError{}) != metrics.OutcomeTimeout {
		t.Error("timeout outcome")
	}
	if outcome(&ProcessCrashError{}) != metrics.OutcomeFailed {
		t.Error("crash outcome")
	}
}
