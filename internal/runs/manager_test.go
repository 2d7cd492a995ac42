package runs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/framesnap/framesnap/internal/backend"
	"github.com/framesnap/framesnap/internal/capacity"
	"github.com/framesnap/framesnap/internal/extract"
	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/history"
	"github.com/framesnap/framesnap/internal/writer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeExtractor reports frames progress and optionally blocks until its
// context is cancelled.
type fakeExtractor struct {
	frames  int64
	block   bool
	warn    bool
	started chan struct{}
}

func (f *fakeExtractor) Extract(ctx context.Context, req extract.Request) (*extract.Report, error) {
	rep := &extract.Report{
		Video:     req.VideoPath,
		OutputDir: "/out",
		Backend:   "fake",
		Planned:   f.frames,
		Source:    &backend.VideoSource{Path: req.VideoPath},
		StartedAt: time.Now(),
	}
	req.OnState(extract.StateStreaming)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.warn && !req.OnCapacityWarning(capacity.Estimate{Warn: true, Reason: "too big"}) {
		rep.State = extract.StateCancelled
		rep.Skipped = f.frames
		return rep, nil
	}
	if f.block {
		<-ctx.Done()
		rep.State = extract.StateCancelled
		rep.Skipped = f.frames
		return rep, nil
	}
	for i := int64(1); i <= f.frames; i++ {
		req.OnProgress(extract.Progress{Completed: i, Planned: f.frames, Written: i, File: fmt.Sprintf("f%d", i)})
	}
	rep.Counts = writer.Counts{Written: f.frames}
	rep.State = extract.StateDone
	return rep, nil
}

type memRecorder struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (r *memRecorder) Record(e history.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

type memRecent struct {
	mu    sync.Mutex
	paths []string
	dirs  map[string]string
}

func (r *memRecent) AddRecent(_ context.Context, p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, p)
	return nil
}

func (r *memRecent) SetOutputDir(_ context.Context, video, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirs == nil {
		r.dirs = make(map[string]string)
	}
	r.dirs[video] = dir
	return nil
}

type memNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *memNotifier) RunFinished(_ context.Context, id string, _ *extract.Report) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	return errors.New("webhook down")
}

func waitFor(t *testing.T, m *Manager, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) error = %v", id, err)
	}
	return snap
}

func TestManager_RunToCompletion(t *testing.T) {
	rec, recent, notifier := &memRecorder{}, &memRecent{}, &memNotifier{}
	m := NewManager(&fakeExtractor{frames: 5}, Options{
		MaxRuns:  2,
		History:  rec,
		Recent:   recent,
		Notifier: notifier,
		Logger:   testLogger(),
	})

	id, err := m.Start(extract.NewRequest("/v/a.mp4"), CapacityContinue)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	snap := waitFor(t, m, id)

	if snap.State != extract.StateDone || snap.Written != 5 || snap.Completed != 5 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Report == nil || snap.OutputDir != "/out" {
		t.Errorf("report missing: %+v", snap)
	}
	if len(rec.entries) != 1 || rec.entries[0].ID != id || rec.entries[0].Written != 5 {
		t.Errorf("history = %+v", rec.entries)
	}
	if len(recent.paths) != 1 || recent.paths[0] != "/v/a.mp4" {
		t.Errorf("recent = %v", recent.paths)
	}
	if recent.dirs["/v/a.mp4"] != "/out" {
		t.Errorf("output dirs = %v", recent.dirs)
	}
	// A failing webhook is only logged.
	if len(notifier.ids) != 1 {
		t.Errorf("notified = %v", notifier.ids)
	}
	if m.Active() != 0 {
		t.Errorf("Active() = %d", m.Active())
	}
}

func TestManager_BusyAndCancel(t *testing.T) {
	ext := &fakeExtractor{frames: 10, block: true, started: make(chan struct{}, 1)}
	m := NewManager(ext, Options{MaxRuns: 1, Logger: testLogger()})

	id, err := m.Start(extract.NewRequest("/v/a.mp4"), CapacityContinue)
	if err != nil {
		t.Fatal(err)
	}
	<-ext.started

	if _, err := m.Start(extract.NewRequest("/v/b.mp4"), CapacityContinue); !errors.Is(err, failure.ErrBusy) {
		t.Errorf("second Start() error = %v, want ErrBusy", err)
	}

	snap, err := m.Get(id)
	if err != nil || snap.State != extract.StateStreaming {
		t.Errorf("Get() = %+v, %v", snap, err)
	}

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	snap = waitFor(t, m, id)
	if snap.State != extract.StateCancelled || snap.Report.Skipped != 10 {
		t.Errorf("after cancel = %+v", snap)
	}

	// Capacity freed.
	id2, err := m.Start(extract.NewRequest("/v/c.mp4"), CapacityContinue)
	if err != nil {
		t.Fatalf("Start after cancel error = %v", err)
	}
	<-ext.started
	if n := m.CancelAll(); n != 1 {
		t.Errorf("CancelAll() = %d, want 1", n)
	}
	waitFor(t, m, id2)
}

func TestManager_NotFound(t *testing.T) {
	m := NewManager(&fakeExtractor{}, Options{Logger: testLogger()})
	if _, err := m.Get("nope"); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("Get() error = %v", err)
	}
	if err := m.Cancel("nope"); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("Cancel() error = %v", err)
	}
	if _, err := m.Wait(context.Background(), "nope"); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestManager_CapacityPolicy(t *testing.T) {
	tests := []struct {
		policy CapacityPolicy
		want   extract.State
	}{
		{CapacityContinue, extract.StateDone},
		{CapacityAbort, extract.StateCancelled},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			m := NewManager(&fakeExtractor{frames: 2, warn: true}, Options{Logger: testLogger()})
			id, err := m.Start(extract.NewRequest("/v/a.mp4"), tt.policy)
			if err != nil {
				t.Fatal(err)
			}
			snap := waitFor(t, m, id)
			if snap.State != tt.want {
				t.Errorf("State = %s, want %s", snap.State, tt.want)
			}
			if snap.Warning != "too big" {
				t.Errorf("Warning = %q", snap.Warning)
			}
		})
	}
}

func TestManager_Subscribe(t *testing.T) {
	m := NewManager(&fakeExtractor{frames: 3}, Options{Logger: testLogger()})
	ch, unsubscribe := m.Subscribe()

	id, err := m.Start(extract.NewRequest("/v/a.mp4"), CapacityContinue)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, m, id)

	var last Snapshot
	n := 0
	for len(ch) > 0 {
		last = <-ch
		n++
	}
	if n < 2 {
		t.Errorf("received %d snapshots, want several", n)
	}
	if last.ID != id || last.State != extract.StateDone {
		t.Errorf("last snapshot = %+v", last)
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestManager_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManager(&fakeExtractor{frames: 200}, Options{Logger: testLogger()})
	_, unsubscribe := m.Subscribe()
	defer unsubscribe()

	id, err := m.Start(extract.NewRequest("/v/a.mp4"), CapacityContinue)
	if err != nil {
		t.Fatal(err)
	}
	if snap := waitFor(t, m, id); snap.Written != 200 {
		t.Errorf("Written = %d", snap.Written)
	}
}

func TestManager_ListAndRetain(t *testing.T) {
	m := NewManager(&fakeExtractor{frames: 1}, Options{Retain: 2, Logger: testLogger()})
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Start(extract.NewRequest(fmt.Sprintf("/v/%d.mp4", i)), CapacityContinue)
		if err != nil {
			t.Fatal(err)
		}
		waitFor(t, m, id)
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
	if list[0].ID != ids[2] || list[1].ID != ids[1] {
		t.Errorf("List() order = %s, %s", list[0].ID, list[1].ID)
	}
	if _, err := m.Get(ids[0]); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("oldest run should be evicted: %v", err)
	}
}

func TestManager_Shutdown(t *testing.T) {
	ext := &fakeExtractor{frames: 1, block: true, started: make(chan struct{}, 1)}
	m := NewManager(ext, Options{Logger: testLogger()})
	id, err := m.Start(extract.NewRequest("/v/a.mp4"), CapacityContinue)
	if err != nil {
		t.Fatal(err)
	}
	<-ext.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if snap, _ := m.Get(id); snap.State != extract.StateCancelled {
		t.Errorf("State = %s after shutdown", snap.State)
	}
	if _, err := m.Start(extract.NewRequest("/v/b.mp4"), CapacityContinue); err == nil {
		t.Error("Start after Shutdown should fail")
	}
}

func TestParseCapacityPolicy(t *testing.T) {
	for in, want := range map[string]CapacityPolicy{"": CapacityContinue, "continue": CapacityContinue, "abort": CapacityAbort} {
		got, err := ParseCapacityPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseCapacityPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCapacityPolicy("ask"); err == nil {
		t.Error("expected error for ask")
	}
}
