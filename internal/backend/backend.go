// Package backend abstracts the two ways frames are obtained from a video: an
// external ffmpeg process streaming raw RGBA frames, and in-process decoders.
// A run picks one backend through the Selector and uses it end to end.
package backend

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"sort"
	"strings"

	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/timecode"
)

// Names of the two backend variants.
const (
	NameExternal = "external"
	NameLibrary  = "library"
)

// VideoExtensions is the allow-list of input containers, lower case without
// the dot.
var VideoExtensions = map[string]bool{
	"mp4":  true,
	"avi":  true,
	"mov":  true,
	"mkv":  true,
	"wmv":  true,
	"flv":  true,
	"webm": true,
	"m4v":  true,
	"3gp":  true,
	"mpg":  true,
	"mpeg": true,
	"ts":   true,
}

// Extension returns the lower-cased extension of path without the dot.
func Extension(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// CheckExtension rejects paths whose extension is not in VideoExtensions.
func CheckExtension(path string) error {
	ext := Extension(path)
	if !VideoExtensions[ext] {
		return fmt.Errorf("%w: %q (supported: %s)", failure.ErrUnsupportedFormat, filepath.Base(path), strings.Join(SupportedExtensions(), ", "))
	}
	return nil
}

// SupportedExtensions lists the allow-list sorted.
func SupportedExtensions() []string {
	out := make([]string, 0, len(VideoExtensions))
	for ext := range VideoExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// VideoSource describes an opened video. It is immutable once returned by
// Open and stays valid until Close.
type VideoSource struct {
	Path       string        `json:"path"`
	Rate       timecode.Rate `json:"-"`
	FrameRate  float64       `json:"frame_rate"`
	Frames     int64         `json:"frames"`
	DurationMs int64         `json:"duration_ms"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Codec      string        `json:"codec,omitempty"`
	SizeBytes  int64         `json:"size_bytes"`
}

// Timeline returns the fields the range arithmetic needs.
func (v *VideoSource) Timeline() timecode.Timeline {
	return timecode.Timeline{Rate: v.Rate, Frames: v.Frames, DurationMs: v.DurationMs}
}

func (v *VideoSource) validate() error {
	if !v.Rate.Valid() {
		return fmt.Errorf("%w: frame rate must be positive and finite", failure.ErrOpenFailed)
	}
	if v.Frames <= 0 {
		return fmt.Errorf("%w: no decodable frames", failure.ErrOpenFailed)
	}
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", failure.ErrOpenFailed, v.Width, v.Height)
	}
	v.FrameRate = v.Rate.Float()
	return nil
}

// Frame is one decoded picture. The image is owned by whoever receives the
// Frame; backends never reuse its pixel buffer.
type Frame struct {
	Index  int64
	Millis int64
	Image  image.Image
}

// Backend decodes frames sequentially from one video. Implementations are not
// safe for concurrent use.
type Backend interface {
	// Name is NameExternal or NameLibrary.
	Name() string

	// Open validates and opens path. ctx bounds the lifetime of the opened
	// source, including any helper process.
	Open(ctx context.Context, path string) (*VideoSource, error)

	// SetStride tells the backend that after the seek target only every
	// stride-th frame will be consumed. Backends may drop the others before
	// decoding; Next still reports true frame indices.
	SetStride(stride int64)

	// SeekTo positions the cursor so that the next call to Next returns
	// frame index.
	SeekTo(index int64) error

	// Next returns the next frame, or io.EOF at the end of the stream.
	Next() (*Frame, error)

	// Close releases the source. It is safe to call more than once.
	Close() error
}

// Factory creates a fresh, unopened backend for one run.
type Factory func() Backend
