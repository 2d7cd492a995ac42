package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/framesnap/framesnap/internal/backend"
	"github.com/framesnap/framesnap/internal/extract"
	"github.com/framesnap/framesnap/internal/history"
	"github.com/framesnap/framesnap/internal/preview"
	"github.com/framesnap/framesnap/internal/runs"
	"github.com/framesnap/framesnap/internal/settings"
	"github.com/framesnap/framesnap/internal/writer"
)

// RunManager is the part of runs.Manager the API drives.
type RunManager interface {
	Start(req extract.Request, policy runs.CapacityPolicy) (string, error)
	Get(id string) (runs.Snapshot, error)
	List() []runs.Snapshot
	Cancel(id string) error
	Active() int
}

// Inspector opens videos for metadata and single-frame previews.
type Inspector interface {
	Inspect(ctx context.Context, path string) (*backend.VideoSource, string, error)
	Preview(ctx context.Context, path, at string) (*backend.Frame, *backend.VideoSource, error)
}

// CapabilityProbe reports what the backend selector found on this host.
// *backend.Selector implements it.
type CapabilityProbe interface {
	Peek() *backend.Capabilities
}

type HistoryLister interface {
	List(limit int) ([]history.Entry, error)
}

// Defaults fill in the fields an extraction request leaves empty.
type Defaults struct {
	Format        writer.Format
	Encode        writer.EncodeOptions
	Workers       int
	QueueCapacity int
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port      int
	Version   string
	Runs      RunManager
	Inspector Inspector
	Backends  CapabilityProbe
	Settings  settings.Repository
	History   HistoryLister
	Frames    *preview.Server
	Defaults  Defaults
	// PreviewMaxSide bounds the longer side of /preview images; 0 keeps
	// the decoded size.
	PreviewMaxSide int
	Logger         *slog.Logger
	StartTime      time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
