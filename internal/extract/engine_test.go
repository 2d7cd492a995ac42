package extract

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/framesnap/framesnap/internal/backend"
	"github.com/framesnap/framesnap/internal/capacity"
	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/timecode"
	"github.com/framesnap/framesnap/internal/writer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBackend serves an in-memory clip of solid 4x4 frames.
type fakeBackend struct {
	rate    timecode.Rate
	frames  int64
	failAt  int64 // Next fails when it reaches this index; -1 disables
	openErr error

	mu      sync.Mutex
	cursor  int64
	decoded int
	closed  bool
}

func newFake(frames int64) *fakeBackend {
	rate, _ := timecode.NewRate(30, 1)
	return &fakeBackend{rate: rate, frames: frames, failAt: -1}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Open(ctx context.Context, path string) (*backend.VideoSource, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &backend.VideoSource{
		Path:       path,
		Rate:       f.rate,
		FrameRate:  f.rate.Float(),
		Frames:     f.frames,
		DurationMs: timecode.MillisFor(f.frames, f.rate),
		Width:      4,
		Height:     4,
	}, nil
}

func (f *fakeBackend) SetStride(int64) {}

func (f *fakeBackend) SeekTo(index int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = index
	return nil
}

func (f *fakeBackend) Next() (*backend.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor >= f.frames {
		return nil, io.EOF
	}
	if f.failAt >= 0 && f.cursor >= f.failAt {
		return nil, errors.New("decoder exploded")
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = byte(f.cursor)
	}
	fr := &backend.Frame{Index: f.cursor, Millis: timecode.MillisFor(f.cursor, f.rate), Image: img}
	f.cursor++
	f.decoded++
	return fr, nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) decodedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decoded
}

type fakeSelector struct {
	b   *fakeBackend
	err error
}

func (s *fakeSelector) Select(context.Context) (backend.Factory, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return func() backend.Backend { return s.b }, "fake", nil
}

func newEngine(b *fakeBackend, free uint64) *Engine {
	est := &capacity.Estimator{
		FreeSpace: func(string) (uint64, error) { return free, nil },
		Logger:    testLogger(),
	}
	return New(&fakeSelector{b: b}, est, testLogger())
}

func request(t *testing.T) Request {
	t.Helper()
	req := NewRequest(filepath.Join(t.TempDir(), "clip.mp4"))
	req.OutputDir = filepath.Join(t.TempDir(), "out")
	req.Format = writer.FormatPNG
	return req
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s): %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func checkBalance(t *testing.T, rep *Report) {
	t.Helper()
	if got := rep.Written + rep.Failed + rep.Skipped; got != rep.Planned {
		t.Errorf("written %d + failed %d + skipped %d = %d, want planned %d",
			rep.Written, rep.Failed, rep.Skipped, got, rep.Planned)
	}
}

func TestExtract_FirstSecondEveryFifteenth(t *testing.T) {
	b := newFake(300)
	req := request(t)
	req.Format = writer.FormatWebP
	req.Start = "00:00:00"
	req.End = "00:00:01"
	req.Interval = 15

	var states []State
	req.OnState = func(s State) { states = append(states, s) }

	rep, err := newEngine(b, 1<<40).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if rep.State != StateDone {
		t.Fatalf("State = %s, want done", rep.State)
	}
	if rep.StartFrame != 0 || rep.EndFrame != 29 || rep.Planned != 2 {
		t.Errorf("range = [%d,%d] planned %d, want [0,29] planned 2", rep.StartFrame, rep.EndFrame, rep.Planned)
	}
	want := []string{"00-00-00-000.webp", "00-00-00-500.webp"}
	got := listDir(t, req.OutputDir)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("files = %v, want %v", got, want)
	}
	if rep.Written != 2 || rep.Backend != "fake" {
		t.Errorf("Written = %d backend = %q", rep.Written, rep.Backend)
	}
	if !b.closed {
		t.Error("backend not closed")
	}
	checkBalance(t, rep)

	wantStates := []State{StateOpening, StateSeeking, StateStreaming, StateDraining, StateDone}
	if fmt.Sprint(states) != fmt.Sprint(wantStates) {
		t.Errorf("states = %v, want %v", states, wantStates)
	}
}

func TestExtract_WholeVideo(t *testing.T) {
	b := newFake(12)
	req := request(t)
	req.Interval = 5

	var progress []Progress
	req.OnProgress = func(p Progress) { progress = append(progress, p) }

	rep, err := newEngine(b, 1<<40).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	// Frames 0, 5 and 10.
	if rep.Planned != 3 || rep.Written != 3 {
		t.Errorf("planned %d written %d, want 3/3", rep.Planned, rep.Written)
	}
	if len(progress) != 3 {
		t.Fatalf("progress events = %d, want 3", len(progress))
	}
	last := progress[len(progress)-1]
	if last.Completed != 3 || last.Planned != 3 {
		t.Errorf("last progress = %+v", last)
	}
	if rep.Capacity == nil || rep.Capacity.Warn {
		t.Errorf("Capacity = %+v, want a non-warning estimate", rep.Capacity)
	}
	checkBalance(t, rep)
}

func TestExtract_StopsDecodingAtRangeEnd(t *testing.T) {
	b := newFake(300)
	req := request(t)
	req.End = "00:00:01"

	rep, err := newEngine(b, 1<<40).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if rep.Written != 30 {
		t.Errorf("Written = %d, want 30", rep.Written)
	}
	if n := b.decodedCount(); n != 30 {
		t.Errorf("decoded %d frames, want 30", n)
	}
}

func TestExtract_PreflightFailures(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(r *Request)
		wantKind string
	}{
		{name: "start beyond duration", mutate: func(r *Request) { r.Start = "00:00:20" }, wantKind: "InvalidTimestamp"},
		{name: "end before start", mutate: func(r *Request) { r.Start = "00:00:05"; r.End = "00:00:02" }, wantKind: "InvalidTimestamp"},
		{name: "malformed start", mutate: func(r *Request) { r.Start = "1:2" }, wantKind: "InvalidTimestamp"},
		{name: "zero interval", mutate: func(r *Request) { r.Interval = 0 }, wantKind: "InvalidInterval"},
		{name: "unsupported extension", mutate: func(r *Request) { r.VideoPath = "notes.txt" }, wantKind: "UnsupportedFormat"},
		{name: "unsupported image format", mutate: func(r *Request) { r.Format = "bmp" }, wantKind: "UnsupportedFormat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFake(300)
			req := request(t)
			tt.mutate(&req)

			rep, err := newEngine(b, 1<<40).Extract(context.Background(), req)
			if err == nil {
				t.Fatal("expected error")
			}
			if !failure.IsPreflight(err) {
				t.Errorf("error %v is not a pre-flight kind", err)
			}
			if rep.State != StateFailed || rep.ErrorKind != tt.wantKind {
				t.Errorf("state %s kind %q, want failed %q", rep.State, rep.ErrorKind, tt.wantKind)
			}
			if n := b.decodedCount(); n != 0 {
				t.Errorf("decoded %d frames before failing", n)
			}
			if _, err := os.Stat(req.OutputDir); err == nil {
				if names := listDir(t, req.OutputDir); len(names) != 0 {
					t.Errorf("output files = %v, want none", names)
				}
			}
		})
	}
}

func TestExtract_OutputDirUnwritable(t *testing.T) {
	b := newFake(30)
	req := request(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	req.OutputDir = filepath.Join(blocker, "frames")

	rep, err := newEngine(b, 1<<40).Extract(context.Background(), req)
	if !errors.Is(err, failure.ErrOutputDirUnwritable) {
		t.Fatalf("error = %v, want ErrOutputDirUnwritable", err)
	}
	if rep.Skipped != rep.Planned {
		t.Errorf("Skipped = %d, want planned %d", rep.Skipped, rep.Planned)
	}
	if n := b.decodedCount(); n != 0 {
		t.Errorf("decoded %d frames", n)
	}
}

func TestExtract_OpenFailure(t *testing.T) {
	b := newFake(30)
	b.openErr = fmt.Errorf("%w: corrupt header", failure.ErrOpenFailed)

	rep, err := newEngine(b, 1<<40).Extract(context.Background(), request(t))
	if !errors.Is(err, failure.ErrOpenFailed) {
		t.Fatalf("error = %v, want ErrOpenFailed", err)
	}
	if rep.ErrorKind != "OpenFailed" || rep.State != StateFailed {
		t.Errorf("report = %+v", rep)
	}
}

func TestExtract_CapacityWarningDeclined(t *testing.T) {
	b := newFake(30)
	req := request(t)

	var seen []capacity.Estimate
	req.OnCapacityWarning = func(est capacity.Estimate) bool {
		seen = append(seen, est)
		if names := listDir(t, req.OutputDir); len(names) != 0 {
			t.Errorf("files written before the warning: %v", names)
		}
		return false
	}

	rep, err := newEngine(b, 0).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("warning callback calls = %d, want 1", len(seen))
	}
	if seen[0].FreeBytes != 0 || !seen[0].Warn {
		t.Errorf("estimate = %+v", seen[0])
	}
	if rep.State != StateCancelled {
		t.Errorf("State = %s, want cancelled", rep.State)
	}
	if rep.Written != 0 || rep.Skipped != 30 {
		t.Errorf("written %d skipped %d, want 0/30", rep.Written, rep.Skipped)
	}
	if names := listDir(t, req.OutputDir); len(names) != 0 {
		t.Errorf("files = %v, want none", names)
	}
}

func TestExtract_CapacityWarningAccepted(t *testing.T) {
	b := newFake(6)
	req := request(t)
	calls := 0
	req.OnCapacityWarning = func(capacity.Estimate) bool { calls++; return true }

	rep, err := newEngine(b, 0).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if calls != 1 || rep.Written != 6 || rep.State != StateDone {
		t.Errorf("calls %d written %d state %s", calls, rep.Written, rep.State)
	}
}

func TestExtract_CancelAfterThree(t *testing.T) {
	b := newFake(10)
	req := request(t)
	req.Workers = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req.OnProgress = func(p Progress) {
		if p.Completed == 3 {
			cancel()
		}
	}

	rep, err := newEngine(b, 1<<40).Extract(ctx, req)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if rep.State != StateCancelled {
		t.Fatalf("State = %s, want cancelled", rep.State)
	}
	if rep.Written != 3 {
		t.Errorf("Written = %d, want 3", rep.Written)
	}
	if names := listDir(t, req.OutputDir); len(names) != 3 {
		t.Errorf("files = %v, want 3", names)
	}
	checkBalance(t, rep)
}

func TestExtract_CancelledBeforeStart(t *testing.T) {
	b := newFake(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := newEngine(b, 1<<40).Extract(ctx, request(t))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if rep.State != StateCancelled || rep.Written != 0 {
		t.Errorf("state %s written %d", rep.State, rep.Written)
	}
	checkBalance(t, rep)
}

func TestExtract_BackendFailureMidRun(t *testing.T) {
	b := newFake(10)
	b.failAt = 5
	req := request(t)
	req.Workers = 1

	rep, err := newEngine(b, 1<<40).Extract(context.Background(), req)
	if !errors.Is(err, failure.ErrBackendFailure) {
		t.Fatalf("error = %v, want ErrBackendFailure", err)
	}
	if rep.State != StateFailed || rep.ErrorKind != "BackendFailure" {
		t.Errorf("state %s kind %q", rep.State, rep.ErrorKind)
	}
	if rep.Written != 5 || rep.Skipped != 5 {
		t.Errorf("written %d skipped %d, want 5/5", rep.Written, rep.Skipped)
	}
	// Frames written before the failure stay on disk.
	if names := listDir(t, req.OutputDir); len(names) != 5 {
		t.Errorf("files = %v, want 5", names)
	}
	checkBalance(t, rep)
}

func TestExtract_Idempotent(t *testing.T) {
	req := request(t)
	req.Interval = 4

	rep1, err := newEngine(newFake(20), 1<<40).Extract(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	first := listDir(t, req.OutputDir)

	rep2, err := newEngine(newFake(20), 1<<40).Extract(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second := listDir(t, req.OutputDir)

	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Errorf("file sets differ: %v vs %v", first, second)
	}
	if rep1.Written != rep2.Written || rep1.Written != 5 {
		t.Errorf("written %d then %d, want 5", rep1.Written, rep2.Written)
	}
	for _, n := range first {
		if filepath.Ext(n) != ".png" || n[0] == '.' {
			t.Errorf("unexpected file %q", n)
		}
	}
}

func TestExtract_NameCollision(t *testing.T) {
	b := newFake(100)
	b.rate, _ = timecode.NewRate(2000, 1)

	rep, err := newEngine(b, 1<<40).Extract(context.Background(), request(t))
	if !errors.Is(err, failure.ErrNameCollision) {
		t.Fatalf("error = %v, want ErrNameCollision", err)
	}
	if b.decodedCount() != 0 || rep.State != StateFailed {
		t.Errorf("decoded %d state %s", b.decodedCount(), rep.State)
	}
}

func TestExtract_SelectorFailure(t *testing.T) {
	e := New(&fakeSelector{err: fmt.Errorf("%w: no decoder", failure.ErrBackendFailure)}, nil, testLogger())
	rep, err := e.Extract(context.Background(), request(t))
	if err == nil || rep.State != StateFailed {
		t.Fatalf("err %v state %s", err, rep.State)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	names []string
}

func (s *recordingSink) Put(_ context.Context, _, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return nil
}

func TestExtract_Sink(t *testing.T) {
	sink := &recordingSink{}
	req := request(t)
	req.Sink = sink

	rep, err := newEngine(newFake(4), 1<<40).Extract(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(sink.names) != 4 || rep.MirrorErrors != 0 {
		t.Errorf("sink saw %v, mirror errors %d", sink.names, rep.MirrorErrors)
	}
}

func TestInspect(t *testing.T) {
	e := newEngine(newFake(90), 1<<40)
	src, name, err := e.Inspect(context.Background(), "clip.mkv")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if name != "fake" || src.Frames != 90 || src.DurationMs != 3000 {
		t.Errorf("src = %+v backend %q", src, name)
	}
	if _, _, err := e.Inspect(context.Background(), "clip.doc"); !errors.Is(err, failure.ErrUnsupportedFormat) {
		t.Errorf("Inspect(doc) error = %v", err)
	}
}

func TestPreview(t *testing.T) {
	e := newEngine(newFake(90), 1<<40)

	f, src, err := e.Preview(context.Background(), "clip.mp4", "00:00:01.500")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if f.Index != 45 || src.Frames != 90 {
		t.Errorf("frame %d frames %d, want 45/90", f.Index, src.Frames)
	}
	if got := f.Image.At(0, 0).(color.RGBA).R; got != 45 {
		t.Errorf("pixel = %d, want 45", got)
	}

	if _, _, err := e.Preview(context.Background(), "clip.mp4", "00:01:00"); !errors.Is(err, failure.ErrInvalidTimestamp) {
		t.Errorf("Preview(beyond) error = %v", err)
	}
}

func TestThumbnail(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 100))
	th := Thumbnail(img, 200)
	if b := th.Bounds(); b.Dx() != 200 || b.Dy() != 50 {
		t.Errorf("bounds = %v, want 200x50", b)
	}
	small := image.NewRGBA(image.Rect(0, 0, 10, 10))
	if Thumbnail(small, 200) != image.Image(small) {
		t.Error("small image should be returned unchanged")
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateDone, StateCancelled, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateIdle, StateOpening, StateSeeking, StateStreaming, StateDraining} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
