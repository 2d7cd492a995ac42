package history

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/framesnap/framesnap/internal/extract"
	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/writer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history"), testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordGet(t *testing.T) {
	s := openTest(t)
	rep := &extract.Report{
		Video:     "/v/a.mp4",
		OutputDir: "/out/a",
		Backend:   "external",
		Format:    writer.FormatWebP,
		State:     extract.StateDone,
		Interval:  15,
		Planned:   2,
		Counts:    writer.Counts{Written: 2, Bytes: 1234},
		StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Elapsed:   3 * time.Second,
	}
	if err := s.Record(FromReport("run-1", rep)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Written != 2 || got.Bytes != 1234 || got.State != extract.StateDone || got.Format != "webp" {
		t.Errorf("Get() = %+v", got)
	}
	if !got.FinishedAt.Equal(rep.StartedAt.Add(3 * time.Second)) {
		t.Errorf("FinishedAt = %v", got.FinishedAt)
	}

	if _, err := s.Get("nope"); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := openTest(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		e := Entry{ID: fmt.Sprintf("run-%d", i), FinishedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Record(e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || all[0].ID != "run-4" || all[4].ID != "run-0" {
		t.Errorf("List(0) order = %v", ids(all))
	}

	top, err := s.List(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[1].ID != "run-3" {
		t.Errorf("List(2) = %v", ids(top))
	}
}

func TestRecordReplacesIndex(t *testing.T) {
	s := openTest(t)
	now := time.Now()
	if err := s.Record(Entry{ID: "a", FinishedAt: now.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(Entry{ID: "b", FinishedAt: now.Add(-30 * time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(Entry{ID: "a", FinishedAt: now, Written: 7}); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[0].Written != 7 {
		t.Errorf("List() = %+v", all)
	}
}

func TestCleanup(t *testing.T) {
	s := openTest(t)
	now := time.Now()
	entries := []Entry{
		{ID: "old-1", FinishedAt: now.Add(-72 * time.Hour)},
		{ID: "old-2", FinishedAt: now.Add(-49 * time.Hour)},
		{ID: "fresh", FinishedAt: now.Add(-time.Hour)},
	}
	for _, e := range entries {
		if err := s.Record(e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Cleanup(48 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	all, _ := s.List(0)
	if len(all) != 1 || all[0].ID != "fresh" {
		t.Errorf("remaining = %v", ids(all))
	}
	if _, err := s.Get("old-1"); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("old-1 still present: %v", err)
	}

	if n, _ := s.Cleanup(0); n != 0 {
		t.Errorf("Cleanup(0) removed %d", n)
	}
}

func TestRecordRequiresID(t *testing.T) {
	s := openTest(t)
	if err := s.Record(Entry{}); err == nil {
		t.Error("expected error for empty id")
	}
}

func ids(es []Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
