// Package runs executes extractions in the background for the agent: each
// run gets an ID, its own context and a live snapshot that the API and the
// tray can read or subscribe to.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/framesnap/framesnap/internal/capacity"
	"github.com/framesnap/framesnap/internal/extract"
	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/history"
	"github.com/framesnap/framesnap/internal/logging"
	"github.com/framesnap/framesnap/internal/metrics"
	"github.com/framesnap/framesnap/internal/writer"
)

// CapacityPolicy decides a capacity warning without a person to ask.
type CapacityPolicy string

const (
	CapacityContinue CapacityPolicy = "continue"
	CapacityAbort    CapacityPolicy = "abort"
)

// ParseCapacityPolicy accepts continue, abort or "" (continue).
func ParseCapacityPolicy(s string) (CapacityPolicy, error) {
	switch CapacityPolicy(s) {
	case "", CapacityContinue:
		return CapacityContinue, nil
	case CapacityAbort:
		return CapacityAbort, nil
	}
	return "", fmt.Errorf("unknown capacity policy %q (want continue or abort)", s)
}

type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (*extract.Report, error)
}

type Recorder interface {
	Record(e history.Entry) error
}

type RecentStore interface {
	AddRecent(ctx context.Context, path string) error
	SetOutputDir(ctx context.Context, videoPath, dir string) error
}

type Notifier interface {
	RunFinished(ctx context.Context, runID string, rep *extract.Report) error
}

type Options struct {
	MaxRuns int
	// Retain bounds how many finished runs stay in memory.
	Retain   int
	History  Recorder
	Recent   RecentStore
	Notifier Notifier
	Sink     writer.Sink
	Logger   *slog.Logger
}

// Snapshot is the observable state of one run.
type Snapshot struct {
	ID        string          `json:"id"`
	Video     string          `json:"video"`
	OutputDir string          `json:"output_dir,omitempty"`
	State     extract.State   `json:"state"`
	Completed int64           `json:"completed"`
	Planned   int64           `json:"planned"`
	Written   int64           `json:"written"`
	Failed    int64           `json:"failed"`
	Bytes     int64           `json:"bytes"`
	File      string          `json:"file,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Warning   string          `json:"warning,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Report    *extract.Report `json:"report,omitempty"`
}

type run struct {
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

type Manager struct {
	ext  Extractor
	opts Options
	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	runs     map[string]*run
	finished []string
	active   int
	subs     map[int]chan Snapshot
	nextSub  int

	wg sync.WaitGroup
}

func NewManager(ext Extractor, opts Options) *Manager {
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = 1
	}
	if opts.Retain <= 0 {
		opts.Retain = 50
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		ext:  ext,
		opts: opts,
		base: base,
		stop: stop,
		runs: make(map[string]*run),
		subs: make(map[int]chan Snapshot),
	}
}

// Start launches req in the background and returns the run ID. The request
// is validated by the engine, so a bad request still gets an ID and ends in
// the failed state.
func (m *Manager) Start(req extract.Request, policy CapacityPolicy) (string, error) {
	m.mu.Lock()
	if m.active >= m.opts.MaxRuns {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d of %d running", failure.ErrBusy, m.active, m.opts.MaxRuns)
	}
	if m.base.Err() != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("run manager is shut down")
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(m.base)
	r := &run{
		snap: Snapshot{
			ID:        id,
			Video:     req.VideoPath,
			OutputDir: req.OutputDir,
			State:     extract.StateIdle,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.runs[id] = r
	m.active++
	m.publishLocked(r.snap)
	m.mu.Unlock()

	metrics.ActiveRuns.Inc()

	logger := logging.WithRunID(m.opts.Logger, id)
	req.OnState = func(s extract.State) {
		m.update(id, func(s2 *Snapshot) { s2.State = s })
	}
	req.OnProgress = func(p extract.Progress) {
		m.update(id, func(s *Snapshot) {
			s.Completed = p.Completed
			s.Planned = p.Planned
			s.Written = p.Written
			s.Failed = p.Failed
			s.Bytes = p.Bytes
			s.File = p.File
		})
	}
	req.OnCapacityWarning = func(est capacity.Estimate) bool {
		m.update(id, func(s *Snapshot) { s.Warning = est.Reason })
		logger.Warn("capacity warning", "reason", est.Reason, "policy", policy)
		return policy != CapacityAbort
	}
	if req.Sink == nil && m.opts.Sink != nil {
		req.Sink = m.opts.Sink
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer cancel()
		m.execute(ctx, id, req, logger)
	}()

	logger.Info("run started", "video", logging.SanitizePath(req.VideoPath))
	return id, nil
}

func (m *Manager) execute(ctx context.Context, id string, req extract.Request, logger *slog.Logger) {
	rep, err := m.ext.Extract(ctx, req)
	if err != nil {
		logger.Warn("run failed", "kind", failure.Kind(err), "error", err)
	}

	m.finish(id, rep)
	metrics.ActiveRuns.Dec()
	metrics.ObserveRun(rep)

	bg := context.WithoutCancel(ctx)
	if m.opts.History != nil {
		if err := m.opts.History.Record(history.FromReport(id, rep)); err != nil {
			logger.Error("failed to record run history", "error", err)
		}
	}
	if m.opts.Recent != nil && rep.Source != nil {
		if err := m.opts.Recent.AddRecent(bg, req.VideoPath); err != nil {
			logger.Warn("failed to update recent files", "error", err)
		}
		if rep.OutputDir != "" {
			if err := m.opts.Recent.SetOutputDir(bg, req.VideoPath, rep.OutputDir); err != nil {
				logger.Warn("failed to remember output directory", "error", err)
			}
		}
	}
	if m.opts.Notifier != nil {
		nctx, cancel := context.WithTimeout(bg, 2*time.Minute)
		if err := m.opts.Notifier.RunFinished(nctx, id, rep); err != nil {
			logger.Warn("webhook delivery failed", "error", err)
		}
		cancel()
	}
}

func (m *Manager) finish(id string, rep *extract.Report) {
	m.mu.Lock()
	r := m.runs[id]
	s := &r.snap
	s.State = rep.State
	s.OutputDir = rep.OutputDir
	s.Planned = rep.Planned
	s.Written = rep.Written
	s.Failed = rep.Failed
	s.Completed = rep.Counts.Completed()
	s.Bytes = rep.Bytes
	s.Error = rep.Error
	s.ErrorKind = rep.ErrorKind
	s.Report = rep
	m.publishLocked(*s)

	m.active--
	m.finished = append(m.finished, id)
	for len(m.finished) > m.opts.Retain {
		delete(m.runs, m.finished[0])
		m.finished = m.finished[1:]
	}
	m.mu.Unlock()
}

func (m *Manager) update(id string, fn func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return
	}
	fn(&r.snap)
	m.publishLocked(r.snap)
}

// publishLocked never blocks: a subscriber whose buffer is full misses the
// update. Callers hold m.mu.
func (m *Manager) publishLocked(s Snapshot) {
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Subscribe returns a channel of snapshots and a function that ends the
// subscription and closes the channel.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Snapshot, 32)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Cancel asks a run to stop. Cancelling a finished run is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: run %s", failure.ErrNotFound, id)
	}
	r.cancel()
	return nil
}

// CancelAll stops every active run and returns how many were signalled.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		select {
		case <-r.done:
		default:
			r.cancel()
			n++
		}
	}
	return n
}

// Wait blocks until the run has finished and returns its final snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: run %s", failure.ErrNotFound, id)
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	return m.Get(id)
}

func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: run %s", failure.ErrNotFound, id)
	}
	return r.snap, nil
}

// List returns every known run, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.snap)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Active returns the number of runs in progress.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Shutdown cancels all runs and waits for them, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
