package extract

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/framesnap/framesnap/internal/backend"
	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/timecode"
)

// Inspect opens path with the selected backend and returns its metadata
// without decoding any frame.
func (e *Engine) Inspect(ctx context.Context, path string) (*backend.VideoSource, string, error) {
	if err := backend.CheckExtension(path); err != nil {
		return nil, "", err
	}
	factory, name, err := e.backends.Select(ctx)
	if err != nil {
		return nil, "", err
	}
	b := factory()
	defer b.Close()

	src, err := b.Open(ctx, path)
	if err != nil {
		return nil, name, err
	}
	return src, name, nil
}

// Preview decodes the single frame shown at timestamp at. The timestamp is
// mapped with the same rule extraction uses for its start.
func (e *Engine) Preview(ctx context.Context, path, at string) (*backend.Frame, *backend.VideoSource, error) {
	if err := backend.CheckExtension(path); err != nil {
		return nil, nil, err
	}
	ms, err := timecode.ParseTimestamp(at)
	if err != nil {
		return nil, nil, err
	}

	factory, _, err := e.backends.Select(ctx)
	if err != nil {
		return nil, nil, err
	}
	b := factory()
	defer b.Close()

	src, err := b.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	rng, err := timecode.ResolveRange(src.Timeline(), ms, nil)
	if err != nil {
		return nil, src, err
	}

	b.SetStride(1)
	if err := b.SeekTo(rng.Start); err != nil {
		return nil, src, previewErr(ctx, err)
	}
	f, err := b.Next()
	if errors.Is(err, io.EOF) {
		return nil, src, fmt.Errorf("%w: no frame at %s", failure.ErrInvalidTimestamp, timecode.FormatMillis(ms))
	}
	if err != nil {
		return nil, src, previewErr(ctx, err)
	}
	return f, src, nil
}

func previewErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, failure.ErrBackendFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", failure.ErrBackendFailure, err)
}

// Thumbnail scales img down so that neither side exceeds maxSide, using
// nearest-neighbour sampling. Images already small enough are returned as is.
func Thumbnail(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}
	nw, nh := maxSide, maxSide
	if w >= h {
		nh = max(1, h*maxSide/w)
	} else {
		nw = max(1, w*maxSide/h)
	}
	out := image.NewRGBA(image.Rect(0, 0, nw, nh))
	for y := 0; y < nh; y++ {
		sy := b.Min.Y + y*h/nh
		for x := 0; x < nw; x++ {
			out.Set(x, y, img.At(b.Min.X+x*w/nw, sy))
		}
	}
	return out
}
