package writer

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/HugoSmits86/nativewebp"
)

// Format is an output image format. Its value is also the file extension.
type Format string

const (
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpg"
)

// DefaultFormat is used when a request names none.
const DefaultFormat = FormatWebP

// ParseFormat accepts png, webp, jpg and jpeg in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "":
		return DefaultFormat, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	}
	return "", fmt.Errorf("unsupported image format %q (want png, webp or jpg)", s)
}

// Ext returns the file extension without the dot.
func (f Format) Ext() string { return string(f) }

// ImageExtensions are the extensions this package writes, with the jpeg
// alias, used when listing or cleaning output directories.
var ImageExtensions = map[string]bool{
	".png":  true,
	".webp": true,
	".jpg":  true,
	".jpeg": true,
}

// EncodeOptions is the quality policy applied to every job of a run.
type EncodeOptions struct {
	JPEGQuality    int                  `json:"jpeg_quality"`
	PNGCompression png.CompressionLevel `json:"png_compression"`
}

// DefaultEncodeOptions returns high-quality JPEG and maximum PNG compression.
func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{
		JPEGQuality:    95,
		PNGCompression: png.BestCompression,
	}
}

// ParsePNGCompression maps default, none, fast and best to a PNG compression
// level. An empty string selects best.
func ParsePNGCompression(s string) (png.CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "best":
		return png.BestCompression, nil
	case "default":
		return png.DefaultCompression, nil
	case "fast", "speed":
		return png.BestSpeed, nil
	case "none":
		return png.NoCompression, nil
	}
	return 0, fmt.Errorf("unknown png compression %q (want default, none, fast or best)", s)
}

// EncodeFunc writes img to w in one format.
type EncodeFunc func(w io.Writer, img image.Image) error

// NewEncoder returns the encoder for format with opts applied. WebP is always
// lossless.
func NewEncoder(format Format, opts EncodeOptions) (EncodeFunc, error) {
	switch format {
	case FormatPNG:
		enc := &png.Encoder{CompressionLevel: opts.PNGCompression}
		return enc.Encode, nil
	case FormatJPEG:
		q := opts.JPEGQuality
		if q < 1 || q > 100 {
			return nil, fmt.Errorf("jpeg quality %d out of range 1..100", q)
		}
		return func(w io.Writer, img image.Image) error {
			return jpeg.Encode(w, img, &jpeg.Options{Quality: q})
		}, nil
	case FormatWebP:
		return func(w io.Writer, img image.Image) error {
			return nativewebp.Encode(w, img, nil)
		}, nil
	}
	return nil, fmt.Errorf("unsupported image format %q", format)
}

// EncodedSize encodes img and returns the number of bytes produced.
func EncodedSize(enc EncodeFunc, img image.Image) (int64, error) {
	cw := &countingWriter{w: io.Discard}
	if err := enc(cw, img); err != nil {
		return 0, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
