package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qcut/export-agent/internal/export"
)

func TestExportEDL_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	outDir := t.TempDir()

	base := env.exportBody(t, "", videoClip("v1", "m1", 0, 5), videoClip("v2", "m2", 5, 5))
	body := EDLRequest{Timeline: base.Timeline, Title: "Rough Cut", OutputDir: outDir}

	rr := env.do(t, http.MethodPost, "/exports/edl", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	resp := decodeJSONBody(t, rr)
	wantPath := filepath.Join(outDir, "Rough Cut.edl")
	if resp["output_path"] != wantPath {
		t.Errorf("output_path = %v, want %s", resp["output_path"], wantPath)
	}
	if resp["clip_count"] != float64(2) {
		t.Errorf("clip_count = %v, want 2", resp["clip_count"])
	}
	if resp["mode"] != "direct_copy" {
		t.Errorf("mode = %v, want direct_copy", resp["mode"])
	}

	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("failed to read edl: %v", err)
	}
	edl := string(data)
	for _, want := range []string{
		"TITLE: Rough Cut",
		"FCM: NON-DROP FRAME",
		"* FROM CLIP NAME:  v2",
		"00:00:05:00 00:00:10:00",
		"* MEDIA PATH:  " + base.Timeline.Media["m1"],
	} {
		if !strings.Contains(edl, want) {
			t.Errorf("edl missing %q:\n%s", want, edl)
		}
	}
}

func TestExportEDL_DefaultTitle(t *testing.T) {
	env := newTestEnv(t)
	outDir := t.TempDir()

	base := env.exportBody(t, "", videoClip("v1", "m1", 0, 5))
	rr := env.do(t, http.MethodPost, "/exports/edl", EDLRequest{Timeline: base.Timeline, OutputDir: outDir})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if _, err := os.Stat(filepath.Join(outDir, "qcut_export.edl")); err != nil {
		t.Errorf("expected qcut_export.edl: %v", err)
	}
}

func TestExportEDL_Rejections(t *testing.T) {
	env := newTestEnv(t)
	base := env.exportBody(t, "", videoClip("v1", "m1", 0, 5))

	tests := []struct {
		name       string
		body       EDLRequest
		wantStatus int
		wantCode   string
	}{
		{"missing dir", EDLRequest{Timeline: base.Timeline}, http.StatusBadRequest, CodeBadRequest},
		{"relative dir", EDLRequest{Timeline: base.Timeline, OutputDir: "exports"}, http.StatusBadRequest, CodeBadRequest},
		{"dir does not exist", EDLRequest{Timeline: base.Timeline, OutputDir: filepath.Join(t.TempDir(), "gone")}, http.StatusBadRequest, CodeBadRequest},
		{"empty timeline", EDLRequest{OutputDir: t.TempDir()}, http.StatusBadRequest, export.CodeConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/exports/edl", tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if got := decodeJSONBody(t, rr)["code"]; got != tt.wantCode {
				t.Errorf("code = %v, want %s", got, tt.wantCode)
			}
		})
	}
}
