package api

import (
	"time"

	"github.com/framesnap/framesnap/internal/backend"
	"github.com/framesnap/framesnap/internal/history"
	"github.com/framesnap/framesnap/internal/output"
	"github.com/framesnap/framesnap/internal/runs"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State      string                `json:"state"`
	ActiveRuns int                   `json:"active_runs"`
	LastError  string                `json:"last_error,omitempty"`
	Backend    *backend.Capabilities `json:"backend,omitempty"`
	Runs       []runs.Snapshot       `json:"runs"`
}

// ExtractionRequest is the body of POST /extractions. Zero values fall back
// to the agent's configured defaults.
type ExtractionRequest struct {
	VideoPath      string `json:"video_path"`
	Start          string `json:"start,omitempty"`
	End            string `json:"end,omitempty"`
	Interval       int64  `json:"interval,omitempty"`
	OutputDir      string `json:"output_dir,omitempty"`
	Format         string `json:"format,omitempty"`
	JPEGQuality    int    `json:"jpeg_quality,omitempty"`
	PNGCompression string `json:"png_compression,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	OnCapacity     string `json:"on_capacity,omitempty"`
}

type ExtractionCreatedResponse struct {
	ID string `json:"id"`
}

type ExtractionsResponse struct {
	Extractions []runs.Snapshot `json:"extractions"`
}

type FramesResponse struct {
	*output.Info
}

type HistoryResponse struct {
	Runs []history.Entry `json:"runs"`
}

type RecentResponse struct {
	Paths []string `json:"paths"`
}

type VideoResponse struct {
	*backend.VideoSource
	Backend string `json:"backend"`
}

type CleanRequest struct {
	Dir string `json:"dir"`
}

type CleanResponse struct {
	Removed int `json:"removed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func uptime(start time.Time) int64 {
	return int64(time.Since(start).Seconds())
}
