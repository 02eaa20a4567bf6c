package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Project", "My Project"},
		{"a/b\\c", "a_b_c"},
		{"  spaced  ", "spaced"},
		{"..hidden", "hidden"},
		{"", "export"},
		{"\x00\x01", "export"},
		{"日本語 タイトル", "日本語 タイトル"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in, 0); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := SanitizeName(strings.Repeat("x", 100), 10); len(got) != 10 {
		t.Errorf("maxLen not applied: %q", got)
	}
}

func TestValidateOutputPath(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"valid mp4", filepath.Join(dir, "out.mp4"), false},
		{"valid mkv uppercase", filepath.Join(dir, "out.MKV"), false},
		{"empty", "", true},
		{"relative", "out.mp4", true},
		{"traversal", dir + "/../out.mp4", true},
		{"unsupported ext", filepath.Join(dir, "out.gif"), true},
		{"webm not supported", filepath.Join(dir, "out.webm"), true},
		{"missing dir", filepath.Join(dir, "nope", "out.mp4"), true},
		{"is directory", sub + ".mp4", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOutputPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOutputPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}

	dirWithExt := filepath.Join(dir, "folder.mp4")
	if err := os.Mkdir(dirWithExt, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := ValidateOutputPath(dirWithExt); err == nil {
		t.Error("expected error when output is an existing directory")
	}
}

func TestPartialPath(t *testing.T) {
	got := partialPath("/videos/final.mp4", "0123456789abcdef")
	want := "/videos/.final.partial-01234567.mp4"
	if got != filepath.FromSlash(want) {
		t.Errorf("partialPath() = %q, want %q", got, want)
	}
}

func TestValidateOutputDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		dir     string
		wantErr bool
	}{
		{"valid", dir, false},
		{"empty", "", true},
		{"relative", "exports", true},
		{"unclean", dir + "/./", true},
		{"missing", filepath.Join(dir, "nope"), true},
		{"file", file, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOutputDir(tt.dir)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOutputDir(%q) error = %v, wantErr %v", tt.dir, err, tt.wantErr)
			}
		})
	}
}
