//go:build gocv

package backend

import (
	"fmt"
	"image"
	"io"
	"math"

	"gocv.io/x/gocv"

	"github.com/framesnap/framesnap/internal/timecode"
)

func init() {
	RegisterDecoder("opencv", SupportedExtensions(), openGoCV)
}

// gocvDecoder decodes any container OpenCV's VideoCapture can read. Built
// only with -tags gocv since it needs the OpenCV shared libraries.
type gocvDecoder struct {
	vc   *gocv.VideoCapture
	mat  gocv.Mat
	info DecoderInfo
}

func openGoCV(path string) (Decoder, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("opencv: %w", err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("opencv: cannot open %s", path)
	}

	fps := vc.Get(gocv.VideoCaptureFPS)
	rate, err := timecode.RateFromFloat(fps)
	if err != nil {
		vc.Close()
		return nil, fmt.Errorf("opencv: %w", err)
	}
	frames := int64(vc.Get(gocv.VideoCaptureFrameCount))
	return &gocvDecoder{
		vc:  vc,
		mat: gocv.NewMat(),
		info: DecoderInfo{
			Rate:       rate,
			Frames:     frames,
			DurationMs: timecode.MillisFor(frames, rate),
			Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
			Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
			Codec:      vc.CodecString(),
		},
	}, nil
}

func (d *gocvDecoder) Info() DecoderInfo { return d.info }

func (d *gocvDecoder) Seek(index int64) (int64, error) {
	d.vc.Set(gocv.VideoCapturePosFrames, float64(index))
	return int64(math.Round(d.vc.Get(gocv.VideoCapturePosFrames))), nil
}

func (d *gocvDecoder) Decode() (image.Image, error) {
	if ok := d.vc.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, io.EOF
	}
	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("opencv: convert frame: %w", err)
	}
	return img, nil
}

func (d *gocvDecoder) Close() error {
	d.mat.Close()
	return d.vc.Close()
}
