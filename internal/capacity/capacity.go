// Package capacity estimates how much disk an extraction will use before
// it starts, and compares that with the free space on the output volume.
package capacity

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/framesnap/framesnap/internal/writer"
)

// FreeSpaceFunc reports the bytes available to the current user on the
// volume holding path.
type FreeSpaceFunc func(path string) (uint64, error)

// FreeSpace probes the volume holding path. A path that does not exist yet is
// resolved to its nearest existing parent.
func FreeSpace(path string) (uint64, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	return freeSpace(p)
}

// Estimate is the outcome of one capacity check.
type Estimate struct {
	SampleBytes    int64  `json:"sample_bytes"`
	Frames         int64  `json:"frames"`
	EstimatedBytes uint64 `json:"estimated_bytes"`
	FreeBytes      uint64 `json:"free_bytes"`
	FreeKnown      bool   `json:"free_known"`
	Threshold      uint64 `json:"threshold_bytes,omitempty"`
	Warn           bool   `json:"warn"`
	Reason         string `json:"reason,omitempty"`
}

// Estimator multiplies one encoded sample by the planned frame count.
type Estimator struct {
	FreeSpace FreeSpaceFunc
	// LargeOutputBytes triggers a warning even when space suffices. Zero
	// disables the threshold.
	LargeOutputBytes uint64
	Logger           *slog.Logger
}

// Estimate encodes sample with enc and projects the size of frames such
// images written to dir. It only advises; the caller decides what to do
// with a warning.
func (e *Estimator) Estimate(enc writer.EncodeFunc, sample image.Image, frames int64, dir string) (Estimate, error) {
	size, err := writer.EncodedSize(enc, sample)
	if err != nil {
		return Estimate{}, fmt.Errorf("encode sample frame: %w", err)
	}

	est := Estimate{
		SampleBytes:    size,
		Frames:         frames,
		EstimatedBytes: uint64(size) * uint64(max(frames, 0)),
		Threshold:      e.LargeOutputBytes,
	}

	probe := e.FreeSpace
	if probe == nil {
		probe = FreeSpace
	}
	free, err := probe(dir)
	if err != nil {
		e.logger().Warn("free space probe failed", "dir", dir, "error", err)
	} else {
		est.FreeBytes = free
		est.FreeKnown = true
	}

	switch {
	case est.FreeKnown && est.EstimatedBytes > est.FreeBytes:
		est.Warn = true
		est.Reason = fmt.Sprintf("estimated output %s exceeds free space %s",
			humanize.IBytes(est.EstimatedBytes), humanize.IBytes(est.FreeBytes))
	case est.Threshold > 0 && est.EstimatedBytes > est.Threshold:
		est.Warn = true
		est.Reason = fmt.Sprintf("estimated output %s exceeds the large-output threshold %s",
			humanize.IBytes(est.EstimatedBytes), humanize.IBytes(est.Threshold))
	}

	e.logger().Debug("capacity estimate",
		"sample_bytes", est.SampleBytes,
		"frames", est.Frames,
		"estimated", est.EstimatedBytes,
		"free", est.FreeBytes,
		"warn", est.Warn,
	)
	return est, nil
}

func (e *Estimator) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
