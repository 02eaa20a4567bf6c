package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/qcut/export-agent/internal/export"
)

// exportEDLHandler plans the timeline and writes its video track as an EDL
// into the requested directory, for finishing in another editor.
func exportEDLHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body EDLRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExportBody))
		if err := dec.Decode(&body); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", CodeBadRequest)
			return
		}

		if err := export.ValidateOutputDir(body.OutputDir); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), CodeBadRequest)
			return
		}

		title := "qcut_export"
		if strings.TrimSpace(body.Title) != "" {
			title = export.SanitizeName(body.Title, 120)
		}

		req, err := buildExportRequest(r.Context(), cfg, &ExportRequest{Timeline: body.Timeline, Range: body.Range})
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		plan, err := cfg.Jobs.Plan(req)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		paths := make(map[string]string)
		for _, s := range plan.Sources() {
			if s.Source == nil {
				continue
			}
			if p, err := s.Source.Path(); err == nil {
				paths[s.MediaID] = p
			}
		}

		edl := export.GenerateEDL(plan, title, paths)
		outputPath := filepath.Join(body.OutputDir, title+".edl")
		if err := os.WriteFile(outputPath, []byte(edl), 0o644); err != nil {
			cfg.Logger.Error("failed to write edl", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to write export file", CodeInternal)
			return
		}

		WriteJSON(w, http.StatusOK, EDLResponse{
			Status:     "ok",
			OutputPath: outputPath,
			ClipCount:  len(plan.Sources()),
			Mode:       plan.Mode().String(),
		})
	}
}
