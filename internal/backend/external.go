package backend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"

	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/timecode"
)

// ExternalConfig configures the ffmpeg-driven backend.
type ExternalConfig struct {
	FFmpegPath  string
	FFprobePath string
	// HWAccel is passed as -hwaccel when non-empty. Callers resolve "auto"
	// and unsupported values before constructing the backend.
	HWAccel string
	Runner  ToolRunner
	Logger  *slog.Logger
}

// External decodes by running ffmpeg and reading rawvideo RGBA frames from
// its stdout. Access is strictly forward: SeekTo before the first Next sets
// the first frame ffmpeg emits, later seeks discard frames.
type External struct {
	cfg ExternalConfig

	ctx    context.Context
	src    *VideoSource
	stream Stream

	start     int64
	stride    int64
	cursor    int64 // index of the frame the next read returns
	frameSize int
	ended     bool
	closed    bool
}

// NewExternal returns an unopened External backend.
func NewExternal(cfg ExternalConfig) *External {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Runner == nil {
		cfg.Runner = &ExecRunner{Logger: cfg.Logger}
	}
	return &External{cfg: cfg, stride: 1}
}

func (e *External) Name() string { return NameExternal }

func (e *External) Open(ctx context.Context, path string) (*VideoSource, error) {
	if err := CheckExtension(path); err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrOpenFailed, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", failure.ErrOpenFailed, path)
	}

	src, err := probeSource(ctx, e.cfg.Runner, e.cfg.FFprobePath, path)
	if err != nil {
		return nil, err
	}
	if src.SizeBytes == 0 {
		src.SizeBytes = fi.Size()
	}

	e.ctx = ctx
	e.src = src
	e.frameSize = src.Width * src.Height * 4
	e.cfg.Logger.Debug("external source opened",
		"frames", src.Frames,
		"rate", src.Rate.String(),
		"width", src.Width,
		"height", src.Height,
	)
	return src, nil
}

func (e *External) SetStride(stride int64) {
	if stride < 1 {
		stride = 1
	}
	if e.stream == nil {
		e.stride = stride
	}
}

func (e *External) SeekTo(index int64) error {
	if e.src == nil {
		return fmt.Errorf("%w: seek before open", failure.ErrBackendFailure)
	}
	if index < 0 {
		return fmt.Errorf("%w: negative frame index %d", failure.ErrBackendFailure, index)
	}
	if e.stream == nil {
		e.start = index
		e.cursor = index
		return nil
	}
	if index < e.cursor {
		return fmt.Errorf("%w: cannot seek backwards from %d to %d", failure.ErrBackendFailure, e.cursor, index)
	}
	for e.cursor < index {
		if _, err := e.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: stream ended before frame %d", failure.ErrBackendFailure, index)
			}
			return err
		}
	}
	if e.cursor != index {
		return fmt.Errorf("%w: frame %d is not on the sampling stride", failure.ErrBackendFailure, index)
	}
	return nil
}

func (e *External) Next() (*Frame, error) {
	if e.closed || e.src == nil {
		return nil, fmt.Errorf("%w: backend not open", failure.ErrBackendFailure)
	}
	if e.ended {
		return nil, io.EOF
	}
	if e.stream == nil {
		s, err := e.cfg.Runner.Stream(e.ctx, e.cfg.FFmpegPath, e.decodeArgs()...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", failure.ErrBackendFailure, err)
		}
		e.stream = s
	}

	buf := make([]byte, e.frameSize)
	_, err := io.ReadFull(e.stream, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		if werr := e.stream.Wait(); werr != nil {
			return nil, e.streamError(werr)
		}
		e.ended = true
		return nil, io.EOF
	default:
		e.stream.Kill()
		werr := e.stream.Wait()
		if werr == nil {
			werr = err
		}
		return nil, e.streamError(fmt.Errorf("truncated frame %d: %w", e.cursor, werr))
	}

	img := &image.RGBA{
		Pix:    buf,
		Stride: e.src.Width * 4,
		Rect:   image.Rect(0, 0, e.src.Width, e.src.Height),
	}
	f := &Frame{
		Index:  e.cursor,
		Millis: timecode.MillisFor(e.cursor, e.src.Rate),
		Image:  img,
	}
	e.cursor += e.stride
	return f, nil
}

func (e *External) streamError(err error) error {
	if e.ctx != nil && e.ctx.Err() != nil {
		return e.ctx.Err()
	}
	return fmt.Errorf("%w: %v", failure.ErrBackendFailure, err)
}

func (e *External) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.stream != nil {
		e.stream.Kill()
		_ = e.stream.Wait()
		e.stream = nil
	}
	return nil
}

// decodeArgs builds the ffmpeg command line. Frames before start and off the
// stride are dropped by the select filter so they are never converted or
// piped.
func (e *External) decodeArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if e.cfg.HWAccel != "" {
		args = append(args, "-hwaccel", e.cfg.HWAccel)
	}
	args = append(args, "-noautorotate", "-i", e.src.Path, "-an", "-sn", "-dn")
	if f := selectFilter(e.start, e.stride); f != "" {
		args = append(args, "-vf", f)
	}
	return append(args,
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
}

func selectFilter(start, stride int64) string {
	switch {
	case start == 0 && stride <= 1:
		return ""
	case stride <= 1:
		return fmt.Sprintf(`select=gte(n\,%d)`, start)
	case start == 0:
		return fmt.Sprintf(`select=not(mod(n\,%d))`, stride)
	default:
		return fmt.Sprintf(`select=gte(n\,%d)*not(mod(n-%d\,%d))`, start, start, stride)
	}
}
