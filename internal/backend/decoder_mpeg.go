package backend

import (
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"time"

	"github.com/gen2brain/mpeg"

	"github.com/framesnap/framesnap/internal/timecode"
)

func init() {
	RegisterDecoder("mpeg1", []string{"mpg", "mpeg"}, openMPEG)
}

// mpegDecoder decodes MPEG-1 program streams with the pure-Go gen2brain/mpeg
// decoder.
type mpegDecoder struct {
	file    *os.File
	mpg     *mpeg.MPEG
	info    DecoderInfo
	pending image.Image
}

func openMPEG(path string) (Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	mpg, err := mpeg.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mpeg: %w", err)
	}
	if mpg.Width() <= 0 || mpg.Height() <= 0 {
		f.Close()
		return nil, fmt.Errorf("mpeg: no video stream")
	}

	rate, err := timecode.RateFromFloat(mpg.Framerate())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mpeg: %w", err)
	}
	dur := mpg.Duration()
	return &mpegDecoder{
		file: f,
		mpg:  mpg,
		info: DecoderInfo{
			Rate:       rate,
			Frames:     int64(math.Round(dur.Seconds() * rate.Float())),
			DurationMs: dur.Milliseconds(),
			Width:      mpg.Width(),
			Height:     mpg.Height(),
			Codec:      "mpeg1video",
		},
	}, nil
}

func (d *mpegDecoder) Info() DecoderInfo { return d.info }

// Seek decodes the frame it lands on to learn its real index, and hands that
// frame out on the next Decode.
func (d *mpegDecoder) Seek(index int64) (int64, error) {
	d.pending = nil
	if index <= 0 {
		d.mpg.Rewind()
		return 0, nil
	}
	ms := timecode.MillisFor(index, d.info.Rate)
	if !d.mpg.Seek(time.Duration(ms)*time.Millisecond, true) {
		return 0, fmt.Errorf("mpeg: seek to frame %d failed", index)
	}
	frame := d.mpg.DecodeVideo()
	if frame == nil {
		return 0, fmt.Errorf("mpeg: no frame after seek to %d", index)
	}
	d.pending = copyYCbCr(frame.YCbCr())
	return int64(math.Round(frame.Time * d.info.Rate.Float())), nil
}

func (d *mpegDecoder) Decode() (image.Image, error) {
	if d.pending != nil {
		img := d.pending
		d.pending = nil
		return img, nil
	}
	frame := d.mpg.DecodeVideo()
	if frame == nil {
		return nil, io.EOF
	}
	return copyYCbCr(frame.YCbCr()), nil
}

func (d *mpegDecoder) Close() error {
	return d.file.Close()
}

// copyYCbCr detaches a picture from the decoder's reused plane buffers.
func copyYCbCr(src *image.YCbCr) *image.YCbCr {
	dst := *src
	dst.Y = append([]byte(nil), src.Y...)
	dst.Cb = append([]byte(nil), src.Cb...)
	dst.Cr = append([]byte(nil), src.Cr...)
	return &dst
}
