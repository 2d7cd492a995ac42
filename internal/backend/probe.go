package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/timecode"
)

// probeOutput is the subset of `ffprobe -of json -show_streams -show_format`
// the external backend reads.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	NbFrames     string `json:"nb_frames"`
	Duration     string `json:"duration"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_streams",
		"-show_format",
		"-of", "json",
		path,
	}
}

// probeSource runs ffprobe on path and converts the first video stream into
// a VideoSource.
func probeSource(ctx context.Context, runner ToolRunner, ffprobe, path string) (*VideoSource, error) {
	out, err := runner.Output(ctx, ffprobe, probeArgs(path)...)
	if err != nil {
		return nil, fmt.Errorf("%w: probe: %v", failure.ErrOpenFailed, err)
	}
	return parseProbe(path, out)
}

func parseProbe(path string, data []byte) (*VideoSource, error) {
	var po probeOutput
	if err := json.Unmarshal(data, &po); err != nil {
		return nil, fmt.Errorf("%w: cannot parse probe JSON: %v", failure.ErrOpenFailed, err)
	}

	var vs *probeStream
	for i := range po.Streams {
		if po.Streams[i].CodecType == "video" {
			vs = &po.Streams[i]
			break
		}
	}
	if vs == nil {
		return nil, fmt.Errorf("%w: no video stream", failure.ErrOpenFailed)
	}

	rate, err := streamRate(vs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrOpenFailed, err)
	}

	durSec := parseSeconds(vs.Duration)
	if durSec <= 0 {
		durSec = parseSeconds(po.Format.Duration)
	}

	src := &VideoSource{
		Path:       path,
		Rate:       rate,
		DurationMs: int64(math.Round(durSec * 1000)),
		Width:      vs.Width,
		Height:     vs.Height,
		Codec:      vs.CodecName,
	}
	if n, err := strconv.ParseInt(vs.NbFrames, 10, 64); err == nil && n > 0 {
		src.Frames = n
	} else if durSec > 0 {
		src.Frames = int64(math.Round(durSec * rate.Float()))
	}
	if size, err := strconv.ParseInt(po.Format.Size, 10, 64); err == nil {
		src.SizeBytes = size
	}

	if err := src.validate(); err != nil {
		return nil, err
	}
	return src, nil
}

// streamRate prefers the average rate and falls back to the stream's base
// rate. ffprobe reports "0/0" when a rate is unknown.
func streamRate(s *probeStream) (timecode.Rate, error) {
	for _, raw := range []string{s.AvgFrameRate, s.RFrameRate} {
		if raw == "" || raw == "0/0" {
			continue
		}
		if r, err := timecode.ParseRate(raw); err == nil {
			return r, nil
		}
	}
	return timecode.Rate{}, fmt.Errorf("no usable frame rate (avg %q, r %q)", s.AvgFrameRate, s.RFrameRate)
}

func parseSeconds(s string) float64 {
	if s == "" || s == "N/A" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
