package api

import (
	"time"

	"github.com/qcut/export-agent/internal/export"
	"github.com/qcut/export-agent/internal/handles"
	"github.com/qcut/export-agent/internal/jobs"
	"github.com/qcut/export-agent/internal/media"
	"github.com/qcut/export-agent/internal/timeline"
)

// Error codes that do not come from the export taxonomy.
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeNotFound     = "NOT_FOUND"
	CodeNotRunning   = "NOT_RUNNING"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeUnknownMedia = "UNKNOWN_MEDIA"
	CodeInternal     = export.CodeInternal
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State      string              `json:"state"`
	LastError  string              `json:"last_error,omitempty"`
	Handles    handles.Stats       `json:"handles"`
	Media      int                 `json:"media"`
	Active     []jobs.Active       `json:"active"`
	Transcoder *TranscoderResponse `json:"transcoder,omitempty"`
}

type TranscoderResponse struct {
	Available   bool   `json:"available"`
	Path        string `json:"path,omitempty"`
	Version     string `json:"version,omitempty"`
	Error       string `json:"error,omitempty"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
}

// RegisterMediaRequest registers a file path or inline bytes under an id.
// Exactly one of Path and Data is set.
type RegisterMediaRequest struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
	// Data is base64 in JSON.
	Data []byte `json:"data,omitempty"`
	Ext  string `json:"ext,omitempty"`
}

type MediaResponse struct {
	ID    string             `json:"id"`
	Kind  string             `json:"kind"`
	Probe *media.ProbeResult `json:"probe,omitempty"`
}

type MediaListResponse struct {
	Media []MediaResponse `json:"media"`
}

type AcquireHandleRequest struct {
	MediaID string `json:"media_id"`
}

type HandleResponse struct {
	Token     handles.Token `json:"token"`
	MediaID   string        `json:"media_id,omitempty"`
	RefCount  int           `json:"ref_count"`
	CreatedAt string        `json:"created_at"`
}

type HandlesResponse struct {
	Handles []HandleResponse `json:"handles"`
}

// ExportRequest carries a timeline snapshot, the range to export and the
// destination.
type ExportRequest struct {
	Timeline   timeline.Snapshot `json:"timeline"`
	Range      timeline.Range    `json:"range"`
	OutputPath string            `json:"output_path"`
}

// EDLRequest asks for an edit decision list of the timeline's video track.
type EDLRequest struct {
	Timeline  timeline.Snapshot `json:"timeline"`
	Range     timeline.Range    `json:"range"`
	Title     string            `json:"title"`
	OutputDir string            `json:"output_dir"`
}

type EDLResponse struct {
	Status     string `json:"status"`
	OutputPath string `json:"output_path"`
	ClipCount  int    `json:"clip_count"`
	Mode       string `json:"mode"`
}

type JobResponse struct {
	ID         string `json:"id"`
	Mode       string `json:"mode"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	OutputPath string `json:"output_path"`
	Reason     string `json:"reason,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(j *jobs.Job) JobResponse {
	return JobResponse{
		ID:         j.ID,
		Mode:       j.Mode,
		Status:     j.Status,
		Progress:   j.Progress,
		OutputPath: j.OutputPath,
		Reason:     j.Reason,
		SizeBytes:  j.SizeBytes,
		Error:      j.Error,
		ErrorCode:  j.ErrorCode,
		CreatedAt:  j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  j.UpdatedAt.Format(time.RFC3339),
	}
}

func MediaToResponse(e media.Entry) MediaResponse {
	return MediaResponse{ID: e.ID, Kind: e.Kind, Probe: e.Probe}
}

func HandleToResponse(info handles.Info, mediaID string) HandleResponse {
	return HandleResponse{
		Token:     info.Token,
		MediaID:   mediaID,
		RefCount:  info.RefCount,
		CreatedAt: info.CreatedAt.Format(time.RFC3339),
	}
}
