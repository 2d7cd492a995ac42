package extract

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/framesnap/framesnap/internal/backend"
	"github.com/framesnap/framesnap/internal/capacity"
	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/logging"
	"github.com/framesnap/framesnap/internal/output"
	"github.com/framesnap/framesnap/internal/timecode"
	"github.com/framesnap/framesnap/internal/writer"
)

// BackendSelector chooses the backend for a run. *backend.Selector
// implements it.
type BackendSelector interface {
	Select(ctx context.Context) (backend.Factory, string, error)
}

// Engine runs extractions. It holds no per-run state, so one Engine serves
// any number of concurrent runs.
type Engine struct {
	backends  BackendSelector
	estimator *capacity.Estimator
	logger    *slog.Logger
}

// New creates an Engine.
func New(backends BackendSelector, estimator *capacity.Estimator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if estimator == nil {
		estimator = &capacity.Estimator{Logger: logger}
	}
	return &Engine{backends: backends, estimator: estimator, logger: logger}
}

// run is the state of one extraction.
type run struct {
	req    Request
	rep    *Report
	logger *slog.Logger

	startMs int64
	endMs   *int64
	encode  writer.EncodeFunc
}

// Extract blocks until the extraction finishes. It always returns a report;
// the error is non-nil exactly when the report's state is failed.
// Cancellation of ctx, or declining a capacity warning, ends the run in the
// cancelled state with a nil error.
func (e *Engine) Extract(ctx context.Context, req Request) (*Report, error) {
	r := &run{
		req: req,
		rep: &Report{
			Video:     req.VideoPath,
			Format:    req.Format,
			Interval:  req.Interval,
			State:     StateIdle,
			StartedAt: time.Now(),
		},
		logger: logging.WithVideo(e.logger, req.VideoPath),
	}
	defer func() { r.rep.Elapsed = time.Since(r.rep.StartedAt) }()

	if err := r.validate(); err != nil {
		return r.fail(err)
	}
	return e.execute(ctx, r)
}

// validate performs every check that needs no decoder.
func (r *run) validate() error {
	req := &r.req
	if strings.TrimSpace(req.VideoPath) == "" {
		return fmt.Errorf("%w: no video path", failure.ErrOpenFailed)
	}
	if err := backend.CheckExtension(req.VideoPath); err != nil {
		return err
	}
	if req.Interval < 1 {
		return fmt.Errorf("%w: %d must be at least 1", failure.ErrInvalidInterval, req.Interval)
	}

	if req.Start != "" {
		ms, err := timecode.ParseTimestamp(req.Start)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		r.startMs = ms
	}
	if req.End != "" {
		ms, err := timecode.ParseTimestamp(req.End)
		if err != nil {
			return fmt.Errorf("end: %w", err)
		}
		if ms <= r.startMs {
			return fmt.Errorf("%w: end %s must be after start %s",
				failure.ErrInvalidTimestamp, timecode.FormatMillis(ms), timecode.FormatMillis(r.startMs))
		}
		r.endMs = &ms
	}

	if req.Format == "" {
		req.Format = writer.DefaultFormat
	}
	if req.Encode == (writer.EncodeOptions{}) {
		req.Encode = writer.DefaultEncodeOptions()
	}
	enc, err := writer.NewEncoder(req.Format, req.Encode)
	if err != nil {
		return fmt.Errorf("%w: %v", failure.ErrUnsupportedFormat, err)
	}
	r.encode = enc
	r.rep.Format = req.Format
	return nil
}

func (e *Engine) execute(ctx context.Context, r *run) (*Report, error) {
	req, rep := r.req, r.rep

	r.setState(StateOpening)
	factory, name, err := e.backends.Select(ctx)
	if err != nil {
		return r.fail(err)
	}
	rep.Backend = name
	b := factory()
	defer b.Close()

	src, err := b.Open(ctx, req.VideoPath)
	if err != nil {
		return r.fail(err)
	}
	rep.Source = src

	r.setState(StateSeeking)
	rng, err := timecode.ResolveRange(src.Timeline(), r.startMs, r.endMs)
	if err != nil {
		return r.fail(err)
	}
	spec, err := timecode.NewSampleSpec(rng, req.Interval)
	if err != nil {
		return r.fail(err)
	}
	if err := spec.CheckNames(src.Rate); err != nil {
		return r.fail(err)
	}
	rep.StartFrame, rep.EndFrame = rng.Start, rng.End
	rep.Planned = spec.Count()

	dir := req.OutputDir
	if dir == "" {
		dir = output.DefaultDir(req.VideoPath)
	}
	if err := output.Prepare(dir); err != nil {
		return r.fail(err)
	}
	rep.OutputDir = dir

	r.logger.Info("extraction planned",
		"backend", name,
		"start_frame", rng.Start,
		"end_frame", rng.End,
		"interval", req.Interval,
		"planned", rep.Planned,
		"output_dir", logging.SanitizePath(dir),
	)

	b.SetStride(req.Interval)
	if err := b.SeekTo(rng.Start); err != nil {
		return r.fail(r.backendErr(ctx, err))
	}

	first, err := nextSampled(b, spec)
	if err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			r.skipAll()
			return r.cancel()
		}
		return r.fail(r.backendErr(ctx, err))
	}

	if first != nil {
		if !e.checkCapacity(r, first.Image, spec.Count(), dir) {
			r.logger.Info("extraction declined at capacity warning")
			r.skipAll()
			return r.cancel()
		}
	}

	return e.stream(ctx, r, b, spec, first, src.Rate)
}

// checkCapacity reports whether the run should continue.
func (e *Engine) checkCapacity(r *run, sample image.Image, frames int64, dir string) bool {
	est, err := e.estimator.Estimate(r.encode, sample, frames, dir)
	if err != nil {
		r.logger.Warn("capacity estimate skipped", "error", err)
		return true
	}
	r.rep.Capacity = &est
	if !est.Warn || r.req.OnCapacityWarning == nil {
		return true
	}
	r.logger.Warn("capacity warning", "reason", est.Reason)
	return r.req.OnCapacityWarning(est)
}

func (e *Engine) stream(ctx context.Context, r *run, b backend.Backend, spec timecode.SampleSpec, first *backend.Frame, rate timecode.Rate) (*Report, error) {
	req, rep := r.req, r.rep

	r.setState(StateStreaming)
	pool, err := writer.NewPool(ctx, writer.Config{
		Dir:           rep.OutputDir,
		Format:        req.Format,
		Options:       req.Encode,
		Workers:       req.Workers,
		QueueCapacity: req.QueueCapacity,
		OnProgress:    r.progress(spec.Count()),
		Sink:          req.Sink,
		Logger:        r.logger,
	})
	if err != nil {
		return r.fail(err)
	}

	var streamErr error
	frame := first
	for frame != nil {
		job := writer.Job{
			Index: frame.Index,
			Name:  timecode.TimestampFor(frame.Index, rate).Filename(req.Format.Ext()),
			Image: frame.Image,
		}
		if err := pool.Submit(job); err != nil {
			break
		}
		rep.Sampled++
		if rep.Sampled == spec.Count() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		frame, err = nextSampled(b, spec)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}
	}

	r.setState(StateDraining)
	counts, poolErr := pool.Close()
	rep.Counts = counts
	if missing := rep.Planned - rep.Sampled; missing > 0 {
		rep.Skipped += missing
	}

	switch {
	case poolErr != nil && !errors.Is(poolErr, context.Canceled):
		return r.fail(poolErr)
	case ctx.Err() != nil:
		return r.cancel()
	case streamErr != nil:
		return r.fail(r.backendErr(ctx, streamErr))
	}

	if rep.Sampled < rep.Planned {
		r.logger.Warn("stream ended before the last sampled frame",
			"sampled", rep.Sampled, "planned", rep.Planned)
	}
	r.setState(StateDone)
	r.logger.Info("extraction finished",
		"written", rep.Written,
		"failed", rep.Failed,
		"skipped", rep.Skipped,
		"bytes", rep.Bytes,
	)
	return rep, nil
}

// nextSampled reads until a frame in spec, io.EOF, or the first index past
// the range, which is also reported as io.EOF.
func nextSampled(b backend.Backend, spec timecode.SampleSpec) (*backend.Frame, error) {
	for {
		f, err := b.Next()
		if err != nil {
			return nil, err
		}
		if f.Index > spec.Range.End {
			return nil, io.EOF
		}
		if spec.Contains(f.Index) {
			return f, nil
		}
	}
}

func (r *run) progress(planned int64) func(writer.Progress) {
	if r.req.OnProgress == nil {
		return nil
	}
	return func(p writer.Progress) {
		r.req.OnProgress(Progress{
			Completed: p.Counts.Completed(),
			Planned:   planned,
			Written:   p.Counts.Written,
			Failed:    p.Counts.Failed,
			Bytes:     p.Counts.Bytes,
			File:      p.Name,
			Index:     p.Index,
		})
	}
}

// backendErr prefers cancellation over the error a killed decoder reports.
func (r *run) backendErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, failure.ErrBackendFailure) || errors.Is(err, failure.ErrOpenFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", failure.ErrBackendFailure, err)
}

func (r *run) setState(s State) {
	r.logger.Debug("state transition", "from", r.rep.State, "to", s)
	r.rep.State = s
	if r.req.OnState != nil {
		r.req.OnState(s)
	}
}

// skipAll marks every planned frame skipped when the run ends before the
// writer pool has accounted for any of them.
func (r *run) skipAll() {
	if r.rep.Planned > 0 && r.rep.Counts.Completed()+r.rep.Skipped == 0 {
		r.rep.Skipped = r.rep.Planned
	}
}

func (r *run) cancel() (*Report, error) {
	r.setState(StateCancelled)
	r.logger.Info("extraction cancelled",
		"written", r.rep.Written,
		"skipped", r.rep.Skipped,
	)
	return r.rep, nil
}

func (r *run) fail(err error) (*Report, error) {
	r.skipAll()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return r.cancel()
	}
	r.rep.Error = err.Error()
	r.rep.ErrorKind = failure.Kind(err)
	r.setState(StateFailed)
	r.logger.Error("extraction failed", "kind", r.rep.ErrorKind, "error", err)
	return r.rep, err
}
