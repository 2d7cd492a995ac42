package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/framesnap/framesnap/internal/failure"
)

// Backend selection modes.
const (
	ModeAuto     = "auto"
	ModeExternal = NameExternal
	ModeLibrary  = NameLibrary
)

const probeTimeout = 10 * time.Second

// Capabilities is the result of probing the host for the external decoder.
type Capabilities struct {
	External          bool      `json:"external"`
	FFmpegPath        string    `json:"ffmpeg_path,omitempty"`
	FFprobePath       string    `json:"ffprobe_path,omitempty"`
	FFmpegVersion     string    `json:"ffmpeg_version,omitempty"`
	HWAccels          []string  `json:"hwaccels,omitempty"`
	LibraryExtensions []string  `json:"library_extensions"`
	Error             string    `json:"error,omitempty"`
	ProbedAt          time.Time `json:"probed_at"`
}

// SelectorConfig configures backend selection.
type SelectorConfig struct {
	Mode        string // auto, external or library
	FFmpegPath  string
	FFprobePath string
	HWAccel     string // auto, none, or a method from `ffmpeg -hwaccels`
	Runner      ToolRunner
	LookPath    func(string) (string, error)
	Logger      *slog.Logger
}

// Selector probes for ffmpeg once and hands out backends of the chosen kind.
// The probe result is kept for the lifetime of the Selector; a backend that
// fails mid-run is never swapped for the other kind.
type Selector struct {
	cfg    SelectorConfig
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

// NewSelector creates a Selector. Nothing is probed until first use.
func NewSelector(cfg SelectorConfig) *Selector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Runner == nil {
		cfg.Runner = &ExecRunner{Logger: cfg.Logger}
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	return &Selector{cfg: cfg, logger: cfg.Logger}
}

// Capabilities returns the cached probe, probing on first call.
func (s *Selector) Capabilities(ctx context.Context) *Capabilities {
	s.mu.RLock()
	if s.cached != nil {
		caps := s.cached
		s.mu.RUnlock()
		return caps
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		s.cached = s.probe(ctx)
	}
	return s.cached
}

// Peek returns the cached probe without probing, or nil.
func (s *Selector) Peek() *Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached
}

func (s *Selector) probe(ctx context.Context) *Capabilities {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	caps := &Capabilities{
		LibraryExtensions: LibraryExtensions(),
		ProbedAt:          time.Now(),
	}

	ffmpeg, err := s.cfg.LookPath(s.cfg.FFmpegPath)
	if err != nil {
		caps.Error = fmt.Sprintf("ffmpeg not found: %v", err)
		s.logger.Info("external decoder unavailable", "reason", caps.Error)
		return caps
	}
	ffprobe, err := s.cfg.LookPath(s.cfg.FFprobePath)
	if err != nil {
		caps.Error = fmt.Sprintf("ffprobe not found: %v", err)
		s.logger.Info("external decoder unavailable", "reason", caps.Error)
		return caps
	}
	caps.FFmpegPath = ffmpeg
	caps.FFprobePath = ffprobe

	out, err := s.cfg.Runner.Output(ctx, ffmpeg, "-hide_banner", "-version")
	if err != nil {
		caps.Error = fmt.Sprintf("ffmpeg -version failed: %v", err)
		s.logger.Warn("external decoder not functional", "error", err)
		return caps
	}
	caps.FFmpegVersion = firstLine(out)
	caps.External = true

	if out, err := s.cfg.Runner.Output(ctx, ffmpeg, "-hide_banner", "-hwaccels"); err == nil {
		caps.HWAccels = parseHWAccels(out)
	} else {
		s.logger.Debug("hwaccel listing failed", "error", err)
	}

	s.logger.Info("external decoder probe complete",
		"version", caps.FFmpegVersion,
		"hwaccels", caps.HWAccels,
	)
	return caps
}

// Mode returns the configured selection mode.
func (s *Selector) Mode() string { return s.cfg.Mode }

// Select resolves the configured mode against the probe and returns a
// factory for the chosen backend with its name.
func (s *Selector) Select(ctx context.Context) (Factory, string, error) {
	caps := s.Capabilities(ctx)

	switch s.cfg.Mode {
	case ModeExternal:
		if !caps.External {
			return nil, "", fmt.Errorf("%w: external backend requested but %s", failure.ErrBackendFailure, caps.Error)
		}
		return s.externalFactory(caps), NameExternal, nil
	case ModeLibrary:
		return s.libraryFactory(), NameLibrary, nil
	case ModeAuto:
		if caps.External {
			return s.externalFactory(caps), NameExternal, nil
		}
		return s.libraryFactory(), NameLibrary, nil
	default:
		return nil, "", fmt.Errorf("unknown backend mode %q (want auto, external or library)", s.cfg.Mode)
	}
}

func (s *Selector) externalFactory(caps *Capabilities) Factory {
	cfg := ExternalConfig{
		FFmpegPath:  caps.FFmpegPath,
		FFprobePath: caps.FFprobePath,
		HWAccel:     s.resolveHWAccel(caps),
		Runner:      s.cfg.Runner,
		Logger:      s.logger,
	}
	return func() Backend { return NewExternal(cfg) }
}

func (s *Selector) libraryFactory() Factory {
	return func() Backend { return NewLibrary(s.logger) }
}

// resolveHWAccel maps the configured hint to an -hwaccel value. "auto" lets
// ffmpeg pick and fall back to software on its own; a named method the host
// does not list is dropped with a warning.
func (s *Selector) resolveHWAccel(caps *Capabilities) string {
	want := strings.ToLower(strings.TrimSpace(s.cfg.HWAccel))
	switch want {
	case "", "none", "off":
		return ""
	case "auto":
		return "auto"
	}
	for _, m := range caps.HWAccels {
		if m == want {
			return want
		}
	}
	s.logger.Warn("hwaccel method not supported by ffmpeg, using software decode",
		"hwaccel", want, "available", caps.HWAccels)
	return ""
}

func firstLine(b []byte) string {
	line, _, _ := bytes.Cut(b, []byte("\n"))
	return strings.TrimSpace(string(line))
}

// parseHWAccels reads the method list printed after the
// "Hardware acceleration methods:" header.
func parseHWAccels(out []byte) []string {
	var methods []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	inList := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Hardware acceleration methods") {
			inList = true
			continue
		}
		if inList && line != "" {
			methods = append(methods, line)
		}
	}
	return methods
}
