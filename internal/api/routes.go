package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qcut/export-agent/internal/export"
	"github.com/qcut/export-agent/internal/handles"
	"github.com/qcut/export-agent/internal/jobs"
	"github.com/qcut/export-agent/internal/media"
	"github.com/qcut/export-agent/internal/playback"
	"github.com/qcut/export-agent/internal/timeline"
)

const (
	// handleTag is the tag for handles acquired over the API.
	handleTag = "api"

	maxMediaBody  = 256 << 20
	maxExportBody = 8 << 20
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(MetricsMiddleware())
	r.Use(LoopbackGuard())
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	// Handle tokens are unguessable, so media elements can load them as URLs
	// without a bearer header.
	content := handleContentHandler(cfg, playback.NewServer(cfg.Logger))
	r.Get("/handles/{token}/content", content)
	r.Head("/handles/{token}/content", content)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Get("/media", listMediaHandler(cfg))
		r.Post("/media", registerMediaHandler(cfg))

		r.Get("/handles", listHandlesHandler(cfg))
		r.Post("/handles", acquireHandleHandler(cfg))
		r.Delete("/handles/{token}", releaseHandleHandler(cfg))

		r.Post("/exports/plan", planExportHandler(cfg))
		r.Post("/exports/edl", exportEDLHandler(cfg))
		r.Post("/exports", startExportHandler(cfg))
		r.Get("/exports", listExportsHandler(cfg))
		r.Get("/exports/{id}", getExportHandler(cfg))
		r.Post("/exports/{id}/cancel", cancelExportHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		resp := StatusResponse{
			State:   "idle",
			Handles: cfg.Handles.Stats(),
			Media:   len(cfg.Library.List()),
			Active:  cfg.Jobs.Active(),
		}
		if len(resp.Active) > 0 {
			resp.State = "exporting"
		} else if recent, err := cfg.Jobs.List(ctx, 1); err == nil && len(recent) == 1 && recent[0].Status == jobs.StatusFailed {
			resp.State = "error"
			resp.LastError = recent[0].Error
		}

		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil && !caps.ProbedAt.IsZero() {
				resp.Transcoder = &TranscoderResponse{
					Available:   caps.NativeTranscoder,
					Path:        caps.FFmpegPath,
					Version:     caps.Version,
					Error:       caps.Error,
					LastProbeAt: caps.ProbedAt.Format(time.RFC3339),
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func listMediaHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := cfg.Library.List()
		resp := MediaListResponse{Media: make([]MediaResponse, len(entries))}
		for i, e := range entries {
			resp.Media[i] = MediaToResponse(e)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func registerMediaHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterMediaRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMediaBody)).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", CodeBadRequest)
			return
		}

		if req.ID == "" {
			WriteError(w, http.StatusBadRequest, "id is required", CodeBadRequest)
			return
		}
		if (req.Path == "") == (len(req.Data) == 0) {
			WriteError(w, http.StatusBadRequest, "exactly one of path and data is required", CodeBadRequest)
			return
		}

		var entry *media.Entry
		if req.Path != "" {
			if !filepath.IsAbs(req.Path) {
				WriteError(w, http.StatusBadRequest, "path must be absolute", CodeBadRequest)
				return
			}
			if _, err := handles.NewFileSource(req.Path).Path(); err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), CodeBadRequest)
				return
			}
			entry = cfg.Library.RegisterFile(req.ID, req.Path)
		} else {
			ext := req.Ext
			if ext != "" && !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			entry = cfg.Library.RegisterBlob(req.ID, ext, req.Data)
		}

		WriteJSON(w, http.StatusCreated, MediaToResponse(*entry))
	}
}

func listHandlesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos := cfg.Handles.List()
		resp := HandlesResponse{Handles: make([]HandleResponse, len(infos))}
		for i, info := range infos {
			resp.Handles[i] = HandleToResponse(info, "")
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func acquireHandleHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AcquireHandleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", CodeBadRequest)
			return
		}
		if req.MediaID == "" {
			WriteError(w, http.StatusBadRequest, "media_id is required", CodeBadRequest)
			return
		}

		src, err := cfg.Library.Source(req.MediaID)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}

		token := cfg.Handles.Acquire(src, handleTag)
		info, ok := cfg.Handles.Lookup(token)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "handle revoked during acquisition", CodeInternal)
			return
		}
		WriteJSON(w, http.StatusOK, HandleToResponse(info, req.MediaID))
	}
}

func releaseHandleHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := handles.Token(chi.URLParam(r, "token"))
		if _, ok := cfg.Handles.Lookup(token); !ok {
			writeServiceError(w, cfg, &handles.HandleNotFoundError{Token: token})
			return
		}
		cfg.Handles.Release(token, handleTag)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleContentHandler(cfg ServerConfig, player *playback.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := cfg.Handles.Path(handles.Token(chi.URLParam(r, "token")))
		if errors.Is(err, fs.ErrNotExist) {
			WriteError(w, http.StatusNotFound, "media is no longer available", CodeNotFound)
			return
		}
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		if err := player.ServeFile(w, r, path); err != nil {
			cfg.Logger.Error("failed to serve handle content", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to read media", CodeInternal)
		}
	}
}

func planExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeExportRequest(w, r, cfg)
		if !ok {
			return
		}

		plan, err := cfg.Jobs.Plan(req)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, plan)
	}
}

func startExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeExportRequest(w, r, cfg)
		if !ok {
			return
		}

		job, err := cfg.Jobs.Start(r.Context(), req)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, JobToResponse(job))
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", CodeBadRequest)
				return
			}
			limit = n
		}

		list, err := cfg.Jobs.List(r.Context(), limit)
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		resp := JobsResponse{Jobs: make([]JobResponse, len(list))}
		for i, j := range list {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg, err)
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

// decodeExportRequest turns the request body into a jobs.Request. It writes
// the error response itself and reports false on failure.
func decodeExportRequest(w http.ResponseWriter, r *http.Request, cfg ServerConfig) (jobs.Request, bool) {
	var body ExportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExportBody))
	if err := dec.Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", CodeBadRequest)
		return jobs.Request{}, false
	}

	req, err := buildExportRequest(r.Context(), cfg, &body)
	if err != nil {
		writeServiceError(w, cfg, err)
		return jobs.Request{}, false
	}
	return req, true
}

func buildExportRequest(ctx context.Context, cfg ServerConfig, body *ExportRequest) (jobs.Request, error) {
	if body.Range.Start < 0 || (body.Range.End > 0 && body.Range.End <= body.Range.Start) {
		return jobs.Request{}, &export.ConfigurationError{Reason: "range end must be after range start"}
	}

	snap := &body.Timeline
	for id, path := range snap.Media {
		if !filepath.IsAbs(path) {
			return jobs.Request{}, &export.ConfigurationError{Reason: "media path for " + id + " must be absolute"}
		}
		cfg.Library.RegisterFile(id, path)
	}

	tl, err := timeline.Collect(ctx, snap, snap, body.Range)
	if err != nil {
		return jobs.Request{}, err
	}
	if err := cfg.Library.Enrich(ctx, tl); err != nil {
		return jobs.Request{}, err
	}

	req := jobs.Request{Timeline: tl, OutputPath: body.OutputPath}
	if spec, ok := snap.OutputSpec(ctx); ok {
		req.Output = &spec
	}
	return req, nil
}

func writeServiceError(w http.ResponseWriter, cfg ServerConfig, err error) {
	var unknown *media.UnknownMediaError
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		WriteError(w, http.StatusNotFound, "export not found", CodeNotFound)
		return
	case errors.Is(err, jobs.ErrNotActive):
		WriteError(w, http.StatusConflict, "export is not running", CodeNotRunning)
		return
	case errors.As(err, &unknown):
		WriteError(w, http.StatusBadRequest, unknown.Error(), CodeUnknownMedia)
		return
	}

	code := export.Code(err)
	switch code {
	case export.CodeConfiguration:
		WriteError(w, http.StatusBadRequest, err.Error(), code)
	case export.CodeBinaryMissing:
		WriteError(w, http.StatusServiceUnavailable, export.UserMessage(err), code)
	case export.CodeHandleNotFound:
		WriteError(w, http.StatusNotFound, err.Error(), code)
	default:
		cfg.Logger.Error("request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, export.UserMessage(err), code)
	}
}
