package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/framesnap/framesnap/internal/api"
	"github.com/framesnap/framesnap/internal/backend"
	"github.com/framesnap/framesnap/internal/capacity"
	"github.com/framesnap/framesnap/internal/config"
	"github.com/framesnap/framesnap/internal/extract"
	"github.com/framesnap/framesnap/internal/history"
	"github.com/framesnap/framesnap/internal/logging"
	"github.com/framesnap/framesnap/internal/mirror"
	"github.com/framesnap/framesnap/internal/notify"
	"github.com/framesnap/framesnap/internal/output"
	"github.com/framesnap/framesnap/internal/preview"
	"github.com/framesnap/framesnap/internal/runs"
	"github.com/framesnap/framesnap/internal/settings"
	"github.com/framesnap/framesnap/internal/ui"
	"github.com/framesnap/framesnap/internal/writer"
)

const previewMaxSide = 640

// quitter closes its channel once, however many of the signal handler and
// tray menu ask to quit.
type quitter struct {
	once sync.Once
	ch   chan struct{}
}

func newQuitter() *quitter {
	return &quitter{ch: make(chan struct{})}
}

func (q *quitter) Quit() {
	q.once.Do(func() { close(q.ch) })
}

func (q *quitter) Done() <-chan struct{} { return q.ch }

func runAgent(cfg *config.FileEnvConfig) error {
	startTime := time.Now()

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting framesnap agent", "version", config.Version, "data_dir", cfg.DataDir(), "config", cfg.Source())

	database, err := settings.Open(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize settings database: %w", err)
	}
	defer database.Close()
	store := settings.NewStore(database.Conn())

	authToken, err := settings.EnsureAuthToken(context.Background(), store)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	ledger, err := history.Open(cfg.HistoryDir(), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()
	if retention := cfg.HistoryRetention(); retention > 0 {
		if n, err := ledger.Cleanup(retention); err != nil {
			logger.Warn("history cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned run history", "removed", n)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	selector := backend.NewSelector(withLogger(selectorConfig(cfg, nil), logger))
	caps := selector.Capabilities(ctx)
	logger.Info("decoder backends probed",
		"mode", selector.Mode(),
		"external", caps.External,
		"ffmpeg", caps.FFmpegVersion,
		"hwaccels", caps.HWAccels,
	)

	estimator := &capacity.Estimator{LargeOutputBytes: cfg.LargeOutputBytes(), Logger: logger}
	engine := extract.New(selector, estimator, logger)

	opts := runs.Options{
		MaxRuns: cfg.MaxRuns(),
		History: ledger,
		Recent:  store,
		Logger:  logger,
	}
	if url := cfg.NotifyURL(); url != "" {
		opts.Notifier = notify.New(url, logger)
		logger.Info("webhook notifications enabled")
	}
	m, err := mirror.FromConfig(ctx, cfg.Mirror(), logger)
	if err != nil {
		return err
	}
	if m != nil {
		defer m.Close()
		opts.Sink = m
		logger.Info("mirroring frames", "kind", m.Kind())
	}
	manager := runs.NewManager(engine, opts)

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║  FRAMESNAP AGENT %-41s║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-29d║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s║\n", authToken[:16]+"...")
	fmt.Printf("║  Settings:   %-45s║\n", cfg.DBPath())
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	apiServer := api.NewServer(api.ServerConfig{
		Port:      cfg.Port(),
		Version:   config.Version,
		Runs:      manager,
		Inspector: engine,
		Backends:  selector,
		Settings:  store,
		History:   ledger,
		Frames:    preview.NewServer(logger),
		Defaults: api.Defaults{
			Format:        cfg.DefaultFormat(),
			Encode:        cfg.EncodeOptions(),
			Workers:       cfg.Workers(),
			QueueCapacity: cfg.QueueCapacity(),
		},
		PreviewMaxSide: previewMaxSide,
		Logger:         logger,
		StartTime:      startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quit := newQuitter()

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			quit.Quit()
		case <-quit.Done():
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Runs:   manager,
			Recent: store,
			Logger: logger,
			OnExtract: func(path string) error {
				req, err := trayRequest(ctx, store, cfg, path)
				if err != nil {
					return err
				}
				_, err = manager.Start(req, runs.CapacityContinue)
				return err
			},
			OnQuit: quit.Quit,
		})
		go tray.Run()
	}

	<-quit.Done()

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("runs did not stop in time", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// trayRequest builds an extraction of path from the saved preferences. The
// output goes where the last run of that video went, or next to the video.
func trayRequest(ctx context.Context, store *settings.Store, cfg config.Config, path string) (extract.Request, error) {
	prefs, err := store.LoadPreferences(ctx)
	if err != nil {
		return extract.Request{}, err
	}
	req := extract.NewRequest(path)
	req.Start = prefs.DefaultStart
	req.Interval = prefs.DefaultInterval
	req.Format = cfg.DefaultFormat()
	req.Encode = cfg.EncodeOptions()
	req.Workers = cfg.Workers()
	req.QueueCapacity = cfg.QueueCapacity()
	if prefs.DefaultFormat != "" {
		req.Format = writerFormat(prefs.DefaultFormat, req.Format)
	}

	dir, err := store.OutputDirFor(ctx, path)
	if err != nil {
		return req, err
	}
	if dir == "" {
		dir = filepath.Join(filepath.Dir(path), output.DefaultDir(path))
	}
	req.OutputDir = dir
	return req, nil
}

func writerFormat(s string, fallback writer.Format) writer.Format {
	f, err := writer.ParseFormat(s)
	if err != nil {
		return fallback
	}
	return f
}
