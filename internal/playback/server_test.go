package playback

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestServeFile(t *testing.T) {
	path := writeFile(t, "clip.mp4", "0123456789")
	s := NewServer(nil)

	tests := []struct {
		name        string
		method      string
		rangeHeader string
		wantStatus  int
		wantBody    string
		wantRange   string
		wantLength  string
	}{
		{"whole", http.MethodGet, "", http.StatusOK, "0123456789", "", "10"},
		{"partial", http.MethodGet, "bytes=2-5", http.StatusPartialContent, "2345", "bytes 2-5/10", "4"},
		{"suffix", http.MethodGet, "bytes=-3", http.StatusPartialContent, "789", "bytes 7-9/10", "3"},
		{"malformed ignored", http.MethodGet, "bytes=x", http.StatusOK, "0123456789", "", "10"},
		{"unsatisfiable", http.MethodGet, "bytes=20-", http.StatusRequestedRangeNotSatisfiable, "", "bytes */10", ""},
		{"head", http.MethodHead, "", http.StatusOK, "", "", "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/content", nil)
			if tt.rangeHeader != "" {
				req.Header.Set("Range", tt.rangeHeader)
			}
			rr := httptest.NewRecorder()

			if err := s.ServeFile(rr, req, path); err != nil {
				t.Fatalf("ServeFile() error = %v", err)
			}

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Content-Range"); got != tt.wantRange {
				t.Errorf("Content-Range = %q, want %q", got, tt.wantRange)
			}
			if tt.wantStatus == http.StatusRequestedRangeNotSatisfiable {
				return
			}
			if got := rr.Header().Get("Content-Length"); got != tt.wantLength {
				t.Errorf("Content-Length = %q, want %q", got, tt.wantLength)
			}
			body, _ := io.ReadAll(rr.Body)
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if got := rr.Header().Get("Content-Type"); got != "video/mp4" {
				t.Errorf("Content-Type = %q, want video/mp4", got)
			}
		})
	}
}

func TestServeFile_Missing(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/content", nil)

	if err := NewServer(nil).ServeFile(rr, req, filepath.Join(t.TempDir(), "gone.mp4")); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
