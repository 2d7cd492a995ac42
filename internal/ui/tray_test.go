package ui

import (
	"testing"

	"github.com/framesnap/framesnap/internal/extract"
	"github.com/framesnap/framesnap/internal/runs"
)

func TestStatusLine(t *testing.T) {
	tests := []struct {
		name string
		runs []runs.Snapshot
		want string
	}{
		{"none", nil, "Idle"},
		{"only finished", []runs.Snapshot{{State: extract.StateDone}}, "Idle"},
		{"opening", []runs.Snapshot{{State: extract.StateOpening, Video: "/v/holiday.mp4"}}, "Opening holiday.mp4"},
		{"idle run", []runs.Snapshot{{State: extract.StateIdle, Video: `C:\v\a.mkv`}}, "Starting a.mkv"},
		{
			"streaming",
			[]runs.Snapshot{{State: extract.StateStreaming, Video: "/v/talk.mkv", Completed: 1200, Planned: 4500, Bytes: 2500000}},
			"talk.mkv 1,200/4,500 (2.5 MB)",
		},
		{
			"several",
			[]runs.Snapshot{
				{State: extract.StateStreaming, Completed: 10, Planned: 100},
				{State: extract.StateSeeking, Planned: 50},
				{State: extract.StateFailed, Completed: 7, Planned: 7},
			},
			"2 extractions: 10/150 frames",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusLine(tt.runs); got != tt.want {
				t.Errorf("StatusLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecentLabel(t *testing.T) {
	for in, want := range map[string]string{
		"/v/a.mp4":   "a.mp4",
		`C:\v\b.mov`: "b.mov",
		"c.avi":      "c.avi",
		"/v/dir/":    "",
	} {
		if got := RecentLabel(in); got != want {
			t.Errorf("RecentLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIconEmbedded(t *testing.T) {
	if len(iconBytes) < 8 || string(iconBytes[1:4]) != "PNG" {
		t.Errorf("icon is not a PNG (%d bytes)", len(iconBytes))
	}
}
