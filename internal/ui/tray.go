// Package ui shows the agent in the system tray: a live status line, a menu
// of recent videos and controls to stop runs or quit.
package ui

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/systray"

	"github.com/framesnap/framesnap/internal/extract"
	"github.com/framesnap/framesnap/internal/runs"
	"github.com/framesnap/framesnap/internal/settings"
)

//go:embed icon.png
var iconBytes []byte

// RunSource is the part of runs.Manager the tray follows.
type RunSource interface {
	Subscribe() (<-chan runs.Snapshot, func())
	List() []runs.Snapshot
	CancelAll() int
}

type RecentLister interface {
	ListRecent(ctx context.Context) ([]string, error)
}

type Tray struct {
	runs   RunSource
	recent RecentLister
	logger *slog.Logger

	statusItem  *systray.MenuItem
	stopItem    *systray.MenuItem
	recentMenu  *systray.MenuItem
	recentItems []*systray.MenuItem
	recentPaths []string

	mu sync.Mutex

	onExtract func(path string) error
	onQuit    func()
}

type TrayConfig struct {
	Runs   RunSource
	Recent RecentLister
	Logger *slog.Logger
	// OnExtract starts a run for a video picked from the recent menu.
	OnExtract func(path string) error
	OnQuit    func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		runs:      cfg.Runs,
		recent:    cfg.Recent,
		logger:    cfg.Logger,
		onExtract: cfg.OnExtract,
		onQuit:    cfg.OnQuit,
	}
}

// Run blocks on the platform event loop until Quit.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Framesnap")
	systray.SetTooltip("Framesnap frame extractor")

	t.statusItem = systray.AddMenuItem("Idle", "Current extraction status")
	t.statusItem.Disable()

	systray.AddSeparator()

	t.recentMenu = systray.AddMenuItem("Extract recent", "Extract frames from a recent video")
	for i := 0; i < settings.MaxRecent; i++ {
		item := t.recentMenu.AddSubMenuItem("", "")
		item.Hide()
		t.recentItems = append(t.recentItems, item)
		go t.watchRecent(i, item)
	}
	t.refreshRecent()

	t.stopItem = systray.AddMenuItem("Stop all", "Cancel every running extraction")
	t.stopItem.Disable()

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Framesnap")

	snaps, unsubscribe := t.runs.Subscribe()
	go t.follow(snaps)

	go func() {
		for {
			select {
			case <-t.stopItem.ClickedCh:
				n := t.runs.CancelAll()
				t.logger.Info("stop requested from tray", "runs", n)
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				unsubscribe()
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) follow(snaps <-chan runs.Snapshot) {
	for s := range snaps {
		t.UpdateStatus(StatusLine(t.runs.List()))
		if s.State.Terminal() {
			t.refreshRecent()
		}
	}
}

func (t *Tray) watchRecent(i int, item *systray.MenuItem) {
	for range item.ClickedCh {
		t.mu.Lock()
		var path string
		if i < len(t.recentPaths) {
			path = t.recentPaths[i]
		}
		t.mu.Unlock()
		if path == "" || t.onExtract == nil {
			continue
		}
		if err := t.onExtract(path); err != nil {
			t.logger.Error("failed to start extraction from tray", "error", err)
		}
	}
}

func (t *Tray) refreshRecent() {
	if t.recent == nil {
		return
	}
	paths, err := t.recent.ListRecent(context.Background())
	if err != nil {
		t.logger.Warn("failed to list recent videos", "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.recentPaths = paths
	for i, item := range t.recentItems {
		if i < len(paths) {
			item.SetTitle(RecentLabel(paths[i]))
			item.SetTooltip(paths[i])
			item.Show()
		} else {
			item.Hide()
		}
	}
	if len(paths) == 0 {
		t.recentMenu.Disable()
	} else {
		t.recentMenu.Enable()
	}
}

func (t *Tray) UpdateStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusItem == nil {
		return
	}
	t.statusItem.SetTitle(status)
	if status == "Idle" {
		t.stopItem.Disable()
	} else {
		t.stopItem.Enable()
	}
}

func (t *Tray) Quit() {
	systray.Quit()
}

// StatusLine summarises the active runs for the tray. With one run it shows
// its progress; with several, the combined count.
func StatusLine(all []runs.Snapshot) string {
	var active []runs.Snapshot
	for _, s := range all {
		if !s.State.Terminal() {
			active = append(active, s)
		}
	}
	switch len(active) {
	case 0:
		return "Idle"
	case 1:
		s := active[0]
		if s.State != extract.StateStreaming && s.State != extract.StateDraining {
			return fmt.Sprintf("%s %s", stateTitle(s.State), RecentLabel(s.Video))
		}
		return fmt.Sprintf("%s %s/%s (%s)", RecentLabel(s.Video),
			humanize.Comma(s.Completed), humanize.Comma(s.Planned), humanize.Bytes(uint64(s.Bytes)))
	}
	var done, planned int64
	for _, s := range active {
		done += s.Completed
		planned += s.Planned
	}
	return fmt.Sprintf("%d extractions: %s/%s frames", len(active), humanize.Comma(done), humanize.Comma(planned))
}

func stateTitle(s extract.State) string {
	switch s {
	case extract.StateOpening:
		return "Opening"
	case extract.StateSeeking:
		return "Seeking"
	}
	return "Starting"
}

// RecentLabel shortens a path to its file name for menu display.
func RecentLabel(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
