package backend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/timecode"
)

// Decoder is an in-process decoder for one file.
type Decoder interface {
	Info() DecoderInfo

	// Seek uses the decoder's native seek to move near index and returns the
	// index of the frame the next Decode will return.
	Seek(index int64) (int64, error)

	// Decode returns the next picture, or io.EOF. The returned image must
	// not be reused by the decoder.
	Decode() (image.Image, error)

	Close() error
}

// DecoderInfo is the stream metadata a Decoder reports after opening.
type DecoderInfo struct {
	Rate       timecode.Rate
	Frames     int64
	DurationMs int64
	Width      int
	Height     int
	Codec      string
}

// OpenDecoderFunc opens path with one decoder implementation.
type OpenDecoderFunc func(path string) (Decoder, error)

type decoderEntry struct {
	name string
	open OpenDecoderFunc
}

var (
	decodersMu sync.RWMutex
	decoders   = make(map[string][]decoderEntry)
)

// RegisterDecoder makes open available for the given extensions. Decoders
// registered earlier for an extension are tried first.
func RegisterDecoder(name string, exts []string, open OpenDecoderFunc) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	for _, ext := range exts {
		decoders[ext] = append(decoders[ext], decoderEntry{name: name, open: open})
	}
}

// DecoderNames lists registered decoders per extension.
func DecoderNames() map[string][]string {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	out := make(map[string][]string, len(decoders))
	for ext, entries := range decoders {
		for _, e := range entries {
			out[ext] = append(out[ext], e.name)
		}
	}
	return out
}

// LibraryExtensions lists the extensions at least one in-process decoder
// handles.
func LibraryExtensions() []string {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	out := make([]string, 0, len(decoders))
	for ext, entries := range decoders {
		if len(entries) > 0 {
			out = append(out, ext)
		}
	}
	sort.Strings(out)
	return out
}

func decodersFor(ext string) []decoderEntry {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	return append([]decoderEntry(nil), decoders[ext]...)
}

// Library decodes in-process through the registered decoders. Interval
// sampling is skip-after-decode: every frame is decoded and the caller
// discards the ones it does not need.
type Library struct {
	logger *slog.Logger

	dec    Decoder
	src    *VideoSource
	cursor int64
	closed bool
}

// NewLibrary returns an unopened Library backend.
func NewLibrary(logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{logger: logger}
}

func (l *Library) Name() string { return NameLibrary }

func (l *Library) Open(ctx context.Context, path string) (*VideoSource, error) {
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ext := Extension(path)
	entries := decodersFor(ext)
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no in-process decoder for .%s; install ffmpeg for this container", failure.ErrUnsupportedFormat, ext)
	}

	var errs []error
	for _, e := range entries {
		dec, err := e.open(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}
		info := dec.Info()
		src := &VideoSource{
			Path:       path,
			Rate:       info.Rate,
			Frames:     info.Frames,
			DurationMs: info.DurationMs,
			Width:      info.Width,
			Height:     info.Height,
			Codec:      info.Codec,
			SizeBytes:  fi.Size(),
		}
		if src.DurationMs <= 0 && src.Rate.Valid() {
			src.DurationMs = timecode.MillisFor(src.Frames, src.Rate)
		}
		if err := src.validate(); err != nil {
			dec.Close()
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}
		l.dec = dec
		l.src = src
		l.logger.Debug("library source opened",
			"decoder", e.name,
			"frames", src.Frames,
			"rate", src.Rate.String(),
		)
		return src, nil
	}
	return nil, fmt.Errorf("%w: %v", failure.ErrOpenFailed, errors.Join(errs...))
}

// SetStride is a no-op: every frame is decoded anyway.
func (l *Library) SetStride(int64) {}

// SeekTo tries the decoder's native seek and accepts it when it lands at or
// one frame before index. Anything else, including overshooting, is
// corrected by rewinding and skipping sequentially.
func (l *Library) SeekTo(index int64) error {
	if l.dec == nil || l.closed {
		return fmt.Errorf("%w: seek before open", failure.ErrBackendFailure)
	}
	if index < 0 {
		return fmt.Errorf("%w: negative frame index %d", failure.ErrBackendFailure, index)
	}
	if index == l.cursor {
		return nil
	}

	pos, err := l.dec.Seek(index)
	if err != nil || pos > index || index-pos > 1 {
		l.logger.Debug("native seek inaccurate, skipping sequentially",
			"requested", index, "reported", pos, "error", err)
		if pos, err = l.dec.Seek(0); err != nil || pos != 0 {
			return fmt.Errorf("%w: rewind failed: %v", failure.ErrBackendFailure, err)
		}
	}
	l.cursor = pos

	for l.cursor < index {
		if _, err := l.dec.Decode(); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: stream ended at frame %d before %d", failure.ErrBackendFailure, l.cursor, index)
			}
			return fmt.Errorf("%w: %v", failure.ErrBackendFailure, err)
		}
		l.cursor++
	}
	return nil
}

func (l *Library) Next() (*Frame, error) {
	if l.dec == nil || l.closed {
		return nil, fmt.Errorf("%w: backend not open", failure.ErrBackendFailure)
	}
	img, err := l.dec.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: frame %d: %v", failure.ErrBackendFailure, l.cursor, err)
	}
	f := &Frame{
		Index:  l.cursor,
		Millis: timecode.MillisFor(l.cursor, l.src.Rate),
		Image:  img,
	}
	l.cursor++
	return f, nil
}

func (l *Library) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.dec != nil {
		return l.dec.Close()
	}
	return nil
}
