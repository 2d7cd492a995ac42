// Package writer encodes decoded frames and writes them to disk on a fixed
// set of workers fed by a bounded queue.
package writer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/framesnap/framesnap/internal/failure"
)

// Job is one sampled frame bound to its output file name.
type Job struct {
	Index int64
	Name  string
	Image image.Image
}

// Progress is delivered once per completed job.
type Progress struct {
	Index  int64
	Name   string
	Counts Counts
}

// Sink receives each file after it has been renamed into place.
type Sink interface {
	Put(ctx context.Context, path, name string) error
}

// Config configures a Pool.
type Config struct {
	Dir           string
	Format        Format
	Options       EncodeOptions
	Workers       int // 0 selects DefaultWorkers
	QueueCapacity int // 0 selects twice the worker count
	// OnProgress is called from the pool's dispatcher goroutine, one call
	// per completed job. The worker that finished the job waits for the
	// call to return before it takes another job.
	OnProgress func(Progress)
	Sink       Sink
	Logger     *slog.Logger
}

// DefaultWorkers leaves one CPU for decoding and caps the pool at four.
func DefaultWorkers() int {
	return max(1, min(4, runtime.NumCPU()-1))
}

type progressEvent struct {
	p    Progress
	done chan struct{}
}

// Pool is a fixed-size group of encode-and-write workers.
type Pool struct {
	cfg    Config
	encode EncodeFunc
	logger *slog.Logger
	tally  *Tally

	queue    chan Job
	group    *errgroup.Group
	groupCtx context.Context
	events   chan progressEvent
	eventsWG sync.WaitGroup

	peak      atomic.Int64
	closeOnce sync.Once
	counts    Counts
	err       error

	createTemp func(dir, pattern string) (tempFile, error)
}

type tempFile interface {
	io.Writer
	Name() string
	Close() error
}

// NewPool starts the workers. ctx cancellation stops workers between jobs;
// jobs still queued at that point are counted as skipped by Close.
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	enc, err := NewEncoder(cfg.Format, cfg.Options)
	if err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2 * cfg.Workers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		cfg:    cfg,
		encode: enc,
		logger: cfg.Logger,
		tally:  &Tally{},
		queue:  make(chan Job, cfg.QueueCapacity),
		createTemp: func(dir, pattern string) (tempFile, error) {
			return os.CreateTemp(dir, pattern)
		},
	}
	p.start(ctx)
	return p, nil
}

func (p *Pool) start(ctx context.Context) {
	if p.cfg.OnProgress != nil {
		p.events = make(chan progressEvent)
		p.eventsWG.Add(1)
		go p.dispatch()
	}

	p.group, p.groupCtx = errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.group.Go(p.work)
	}
	p.logger.Debug("writer pool started",
		"workers", p.cfg.Workers,
		"queue_capacity", p.cfg.QueueCapacity,
		"format", p.cfg.Format,
	)
}

// Tally exposes the live counters.
func (p *Pool) Tally() *Tally { return p.tally }

// Workers returns the number of workers.
func (p *Pool) Workers() int { return p.cfg.Workers }

// QueueCapacity returns the bound on queued jobs.
func (p *Pool) QueueCapacity() int { return cap(p.queue) }

// PeakQueued returns the largest number of jobs observed waiting in the queue.
func (p *Pool) PeakQueued() int { return int(p.peak.Load()) }

// Submit enqueues job, blocking while the queue is full. It fails once the
// pool has stopped, either because ctx was cancelled or a worker hit a
// fatal error.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.groupCtx.Done():
		return p.stopErr()
	default:
	}
	select {
	case p.queue <- job:
		p.notePeak()
		return nil
	case <-p.groupCtx.Done():
		return p.stopErr()
	}
}

func (p *Pool) notePeak() {
	n := int64(len(p.queue))
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			return
		}
	}
}

// stopErr reports why the pool stopped. A fatal worker error wins over a
// plain cancellation.
func (p *Pool) stopErr() error {
	return context.Cause(p.groupCtx)
}

// Close signals that no more jobs will arrive, waits for the workers to
// finish, and returns the final counters. The error is non-nil only for a
// fatal condition such as a full disk. Close is idempotent.
func (p *Pool) Close() (Counts, error) {
	p.closeOnce.Do(func() {
		close(p.queue)
		err := p.group.Wait()

		var left int64
		for range p.queue {
			left++
		}
		p.tally.Skip(left)

		if p.events != nil {
			close(p.events)
			p.eventsWG.Wait()
		}

		p.counts = p.tally.Snapshot()
		p.err = err
		p.logger.Debug("writer pool drained",
			"written", p.counts.Written,
			"failed", p.counts.Failed,
			"skipped", p.counts.Skipped,
			"peak_queued", p.PeakQueued(),
		)
	})
	return p.counts, p.err
}

func (p *Pool) work() error {
	for {
		select {
		case <-p.groupCtx.Done():
			return nil
		case job, ok := <-p.queue:
			if !ok {
				return nil
			}
			// select picks randomly among ready cases, so a job received
			// after cancellation is skipped rather than written.
			if p.groupCtx.Err() != nil {
				p.tally.Skip(1)
				return nil
			}
			if err := p.process(job); err != nil {
				return err
			}
		}
	}
}

// process handles one job. Only a full disk is returned as an error; every
// other failure is recorded against the job.
func (p *Pool) process(job Job) error {
	n, path, err := p.writeFile(job)
	if err != nil {
		if isDiskFull(err) {
			err = fmt.Errorf("%w: %s: %v", failure.ErrDiskFull, job.Name, err)
			c := p.tally.failed(job.Name, err)
			p.logger.Error("disk full, aborting writes", "file", job.Name, "error", err)
			p.emit(Progress{Index: job.Index, Name: job.Name, Counts: c})
			return err
		}
		c := p.tally.failed(job.Name, err)
		p.logger.Warn("frame write failed", "file", job.Name, "kind", failure.Kind(err), "error", err)
		p.emit(Progress{Index: job.Index, Name: job.Name, Counts: c})
		return nil
	}

	if p.cfg.Sink != nil {
		if err := p.cfg.Sink.Put(p.groupCtx, path, job.Name); err != nil {
			p.tally.mirrorFailed()
			p.logger.Warn("mirror upload failed", "file", job.Name, "error", err)
		}
	}

	c := p.tally.written(job.Name, n)
	p.emit(Progress{Index: job.Index, Name: job.Name, Counts: c})
	return nil
}

// writeFile encodes into a temporary file in the output directory and
// renames it into place, so a final name never refers to a partial image.
func (p *Pool) writeFile(job Job) (int64, string, error) {
	final := filepath.Join(p.cfg.Dir, job.Name)

	f, err := p.createTemp(p.cfg.Dir, ".frame-*.tmp")
	if err != nil {
		return 0, "", err
	}
	tmp := f.Name()

	cw := &countingWriter{w: f}
	bw := bufio.NewWriterSize(cw, 64*1024)
	encErr := p.encode(bw, job.Image)
	if encErr == nil {
		encErr = bw.Flush()
	}
	closeErr := f.Close()

	if encErr != nil {
		os.Remove(tmp)
		if isDiskFull(encErr) {
			return 0, "", encErr
		}
		var pe *os.PathError
		if errors.As(encErr, &pe) {
			return 0, "", encErr
		}
		return 0, "", fmt.Errorf("%w: %v", failure.ErrEncode, encErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return 0, "", closeErr
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return 0, "", err
	}
	return cw.n, final, nil
}

func (p *Pool) emit(pr Progress) {
	if p.events == nil {
		return
	}
	done := make(chan struct{})
	p.events <- progressEvent{p: pr, done: done}
	<-done
}

func (p *Pool) dispatch() {
	defer p.eventsWG.Done()
	for ev := range p.events {
		p.cfg.OnProgress(ev.p)
		close(ev.done)
	}
}
