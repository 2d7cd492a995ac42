package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/framesnap/framesnap/internal/extract"
	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/metrics"
	"github.com/framesnap/framesnap/internal/output"
	"github.com/framesnap/framesnap/internal/runs"
	"github.com/framesnap/framesnap/internal/settings"
	"github.com/framesnap/framesnap/internal/timecode"
	"github.com/framesnap/framesnap/internal/writer"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Settings, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Get("/video", videoHandler(cfg))
		r.With(LoopbackGuard(cfg.Logger)).Get("/preview", previewHandler(cfg))
		r.Post("/extractions", startExtractionHandler(cfg))
		r.Get("/extractions", listExtractionsHandler(cfg))
		r.Get("/extractions/{id}", getExtractionHandler(cfg))
		r.Delete("/extractions/{id}", cancelExtractionHandler(cfg))
		r.Get("/extractions/{id}/frames", listFramesHandler(cfg))
		r.Group(func(r chi.Router) {
			r.Use(LoopbackGuard(cfg.Logger))
			r.Get("/extractions/{id}/frames/{name}", frameHandler(cfg))
			r.Head("/extractions/{id}/frames/{name}", frameHandler(cfg))
		})
		r.Get("/history", historyHandler(cfg))
		r.Get("/recent", recentHandler(cfg))
		r.Get("/preferences", getPreferencesHandler(cfg))
		r.Put("/preferences", putPreferencesHandler(cfg))
		r.Delete("/outputs", cleanOutputsHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime(cfg.StartTime),
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := cfg.Runs.List()
		resp := StatusResponse{
			State:      "idle",
			ActiveRuns: cfg.Runs.Active(),
			Runs:       all,
		}
		if cfg.Backends != nil {
			resp.Backend = cfg.Backends.Peek()
		}
		if resp.ActiveRuns > 0 {
			resp.State = "extracting"
		}
		// List is newest first, so the first failure is the latest one.
		for _, s := range all {
			if s.State == extract.StateFailed {
				resp.LastError = s.Error
				if resp.State == "idle" {
					resp.State = "error"
				}
				break
			}
			if s.State.Terminal() {
				break
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func videoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BadRequest")
			return
		}
		src, name, err := cfg.Inspector.Inspect(r.Context(), path)
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, VideoResponse{VideoSource: src, Backend: name})
	}
}

func previewHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		path := q.Get("path")
		if path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BadRequest")
			return
		}
		at := q.Get("at")
		if at == "" {
			at = "00:00:00"
		}
		frame, _, err := cfg.Inspector.Preview(r.Context(), path, at)
		if err != nil {
			WriteFailure(w, err)
			return
		}
		img := frame.Image
		if cfg.PreviewMaxSide > 0 {
			img = extract.Thumbnail(img, cfg.PreviewMaxSide)
		}
		w.Header().Set("X-Frame-Index", strconv.FormatInt(frame.Index, 10))
		if err := cfg.Frames.WriteImage(w, img); err != nil {
			cfg.Logger.Error("preview encode failed", "error", err)
		}
	}
}

func startExtractionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ExtractionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BadRequest")
			return
		}
		if body.VideoPath == "" {
			WriteError(w, http.StatusBadRequest, "video_path is required", "BadRequest")
			return
		}
		policy, err := runs.ParseCapacityPolicy(body.OnCapacity)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BadRequest")
			return
		}
		req, err := buildRequest(body, cfg.Defaults)
		if err != nil {
			code := failure.Kind(err)
			if code == "Internal" {
				code = "BadRequest"
			}
			WriteError(w, http.StatusBadRequest, err.Error(), code)
			return
		}

		id, err := cfg.Runs.Start(req, policy)
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, ExtractionCreatedResponse{ID: id})
	}
}

func buildRequest(body ExtractionRequest, d Defaults) (extract.Request, error) {
	req := extract.NewRequest(body.VideoPath)
	req.Start = body.Start
	req.End = body.End
	req.OutputDir = body.OutputDir
	if body.Interval != 0 {
		req.Interval = body.Interval
	}
	if d.Format != "" {
		req.Format = d.Format
	}
	if d.Encode != (writer.EncodeOptions{}) {
		req.Encode = d.Encode
	}
	req.Workers = d.Workers
	req.QueueCapacity = d.QueueCapacity

	if body.Format != "" {
		f, err := writer.ParseFormat(body.Format)
		if err != nil {
			return req, err
		}
		req.Format = f
	}
	if body.JPEGQuality != 0 {
		req.Encode.JPEGQuality = body.JPEGQuality
	}
	if body.PNGCompression != "" {
		level, err := writer.ParsePNGCompression(body.PNGCompression)
		if err != nil {
			return req, err
		}
		req.Encode.PNGCompression = level
	}
	if body.Workers > 0 {
		req.Workers = body.Workers
	}
	return req, nil
}

func listExtractionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, ExtractionsResponse{Extractions: cfg.Runs.List()})
	}
}

func getExtractionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cfg.Runs.Get(chi.URLParam(r, "id"))
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

func cancelExtractionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Runs.Cancel(chi.URLParam(r, "id")); err != nil {
			WriteFailure(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func listFramesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cfg.Runs.Get(chi.URLParam(r, "id"))
		if err != nil {
			WriteFailure(w, err)
			return
		}
		if snap.OutputDir == "" {
			WriteJSON(w, http.StatusOK, FramesResponse{Info: &output.Info{Files: []output.File{}}})
			return
		}
		info, err := output.Inspect(snap.OutputDir)
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, FramesResponse{Info: info})
	}
}

func frameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cfg.Runs.Get(chi.URLParam(r, "id"))
		if err != nil {
			WriteFailure(w, err)
			return
		}
		if snap.OutputDir == "" {
			WriteError(w, http.StatusNotFound, "run has no output directory yet", "NotFound")
			return
		}
		path, err := output.Lookup(snap.OutputDir, chi.URLParam(r, "name"))
		if err != nil {
			WriteFailure(w, err)
			return
		}
		if err := cfg.Frames.ServeFrame(w, r, path); err != nil {
			cfg.Logger.Error("frame serve error", "error", err, "run_id", snap.ID)
		}
	}
}

func historyHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.History == nil {
			WriteJSON(w, http.StatusOK, HistoryResponse{Runs: nil})
			return
		}
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BadRequest")
				return
			}
			limit = n
		}
		entries, err := cfg.History.List(limit)
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, HistoryResponse{Runs: entries})
	}
}

func recentHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paths, err := cfg.Settings.ListRecent(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list recent files", "Internal")
			return
		}
		if paths == nil {
			paths = []string{}
		}
		WriteJSON(w, http.StatusOK, RecentResponse{Paths: paths})
	}
}

func getPreferencesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prefs, err := cfg.Settings.LoadPreferences(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load preferences", "Internal")
			return
		}
		WriteJSON(w, http.StatusOK, prefs)
	}
}

func putPreferencesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var prefs settings.Preferences
		if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BadRequest")
			return
		}
		if prefs.DefaultStart != "" {
			if _, err := timecode.ParseTimestamp(prefs.DefaultStart); err != nil {
				WriteFailure(w, err)
				return
			}
		}
		if prefs.DefaultFormat != "" {
			if _, err := writer.ParseFormat(prefs.DefaultFormat); err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "BadRequest")
				return
			}
		}
		if err := cfg.Settings.SavePreferences(r.Context(), prefs); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BadRequest")
			return
		}
		WriteJSON(w, http.StatusOK, prefs)
	}
}

func cleanOutputsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body CleanRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Dir == "" {
			WriteError(w, http.StatusBadRequest, "dir is required", "BadRequest")
			return
		}
		removed, err := output.Clean(body.Dir)
		if err != nil {
			WriteFailure(w, err)
			return
		}
		cfg.Logger.Info("cleaned output directory", "removed", removed)
		WriteJSON(w, http.StatusOK, CleanResponse{Removed: removed})
	}
}
