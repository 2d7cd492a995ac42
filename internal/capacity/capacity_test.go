package capacity

import (
	"errors"
	"image"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/framesnap/framesnap/internal/writer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fixedFree(n uint64) FreeSpaceFunc {
	return func(string) (uint64, error) { return n, nil }
}

func sampleSize(t *testing.T) (writer.EncodeFunc, image.Image, int64) {
	t.Helper()
	enc, err := writer.NewEncoder(writer.FormatPNG, writer.DefaultEncodeOptions())
	if err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	n, err := writer.EncodedSize(enc, img)
	if err != nil {
		t.Fatal(err)
	}
	return enc, img, n
}

func TestEstimate(t *testing.T) {
	enc, img, size := sampleSize(t)

	tests := []struct {
		name       string
		free       uint64
		threshold  uint64
		frames     int64
		wantWarn   bool
		wantReason string
	}{
		{name: "zero free", free: 0, frames: 10, wantWarn: true, wantReason: "free space"},
		{name: "plenty", free: 1 << 40, frames: 10},
		{name: "just enough", free: uint64(size) * 10, frames: 10},
		{name: "one byte short", free: uint64(size)*10 - 1, frames: 10, wantWarn: true, wantReason: "free space"},
		{name: "over threshold", free: 1 << 40, threshold: uint64(size) * 5, frames: 10, wantWarn: true, wantReason: "threshold"},
		{name: "under threshold", free: 1 << 40, threshold: uint64(size) * 50, frames: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Estimator{FreeSpace: fixedFree(tt.free), LargeOutputBytes: tt.threshold, Logger: testLogger()}
			est, err := e.Estimate(enc, img, tt.frames, t.TempDir())
			if err != nil {
				t.Fatalf("Estimate() error = %v", err)
			}
			if est.EstimatedBytes != uint64(size)*uint64(tt.frames) {
				t.Errorf("EstimatedBytes = %d, want %d", est.EstimatedBytes, uint64(size)*uint64(tt.frames))
			}
			if est.FreeBytes != tt.free || !est.FreeKnown {
				t.Errorf("FreeBytes = %d known=%v", est.FreeBytes, est.FreeKnown)
			}
			if est.Warn != tt.wantWarn {
				t.Errorf("Warn = %v, want %v (%s)", est.Warn, tt.wantWarn, est.Reason)
			}
			if tt.wantReason != "" && !strings.Contains(est.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want mention of %q", est.Reason, tt.wantReason)
			}
		})
	}
}

func TestEstimate_ProbeFailure(t *testing.T) {
	enc, img, _ := sampleSize(t)
	e := &Estimator{
		FreeSpace: func(string) (uint64, error) { return 0, errors.New("statfs: permission denied") },
		Logger:    testLogger(),
	}
	est, err := e.Estimate(enc, img, 100, t.TempDir())
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if est.FreeKnown || est.Warn {
		t.Errorf("unknown free space must not warn: %+v", est)
	}
}

func TestEstimate_EncodeFailure(t *testing.T) {
	enc, _, _ := sampleSize(t)
	e := &Estimator{FreeSpace: fixedFree(1 << 30), Logger: testLogger()}
	if _, err := e.Estimate(enc, image.NewRGBA(image.Rect(0, 0, 0, 0)), 1, t.TempDir()); err == nil {
		t.Error("expected error for an unencodable sample")
	}
}

func TestFreeSpace(t *testing.T) {
	dir := t.TempDir()
	free, err := FreeSpace(dir)
	if err != nil {
		t.Skipf("free space probe unavailable: %v", err)
	}
	if free == 0 {
		t.Log("temp volume reports zero free bytes")
	}

	// A directory that does not exist yet resolves to its parent volume.
	if _, err := FreeSpace(filepath.Join(dir, "not", "yet", "created")); err != nil {
		t.Errorf("FreeSpace(missing) error = %v", err)
	}
}
