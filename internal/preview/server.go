// Package preview serves extracted frames and single decoded preview frames
// over HTTP.
package preview

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var imageTypes = map[string]string{
	".png":  "image/png",
	".webp": "image/webp",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger}
}

// ServeFrame writes one frame image with Range, HEAD and If-Modified-Since
// support. It returns an error only when nothing has been written yet and
// the caller should reply with a server error.
func (s *Server) ServeFrame(w http.ResponseWriter, r *http.Request, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "frame not found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open frame: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat frame: %w", err)
	}
	if info.IsDir() {
		http.Error(w, "frame not found", http.StatusNotFound)
		return nil
	}
	size := info.Size()
	modified := info.ModTime().UTC().Truncate(time.Second)

	h := w.Header()
	ct, ok := imageTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Last-Modified", modified.Format(http.TimeFormat))
	h.Set("Cache-Control", "no-cache")

	if since, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !modified.After(since) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	span, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case err != nil:
		// A malformed Range header is ignored and the whole file sent.
		span = nil
	}

	var body io.Reader = f
	if span == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
	} else {
		if _, err := f.Seek(span.First, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek: %w", err)
		}
		body = io.LimitReader(f, span.Len())
		h.Set("Content-Length", strconv.FormatInt(span.Len(), 10))
		h.Set("Content-Range", span.Header(size))
		w.WriteHeader(http.StatusPartialContent)
	}

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Debug("frame transfer interrupted", "path", path, "error", err)
	}
	return nil
}

// WriteImage sends img as a PNG.
func (s *Server) WriteImage(w http.ResponseWriter, img image.Image) error {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	bw := bufio.NewWriter(w)
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(bw, img); err != nil {
		return err
	}
	return bw.Flush()
}
