package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/framesnap/framesnap/internal/backend"
	"github.com/framesnap/framesnap/internal/capacity"
	"github.com/framesnap/framesnap/internal/config"
	"github.com/framesnap/framesnap/internal/extract"
	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/history"
	"github.com/framesnap/framesnap/internal/mirror"
	"github.com/framesnap/framesnap/internal/notify"
	"github.com/framesnap/framesnap/internal/settings"
	"github.com/framesnap/framesnap/internal/timecode"
	"github.com/framesnap/framesnap/internal/writer"
)

// extractOne runs a single extraction in the foreground and returns the
// process exit code.
func extractOne(cfg *config.FileEnvConfig, opts *options, video string, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req, err := buildRequest(cfg, opts, video)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framesnap: %v\n", err)
		return exitUsage
	}

	selector := backend.NewSelector(withLogger(selectorConfig(cfg, opts), logger))
	estimator := &capacity.Estimator{LargeOutputBytes: cfg.LargeOutputBytes(), Logger: logger}
	engine := extract.New(selector, estimator, logger)

	if src, name, err := engine.Inspect(ctx, video); err == nil {
		printVideoInfo(os.Stdout, src, name)
		if n, ok := plannedCount(src, req.Start, req.End, req.Interval); ok {
			fmt.Printf("Planned:    %s frames\n", humanize.Comma(n))
		}
	} else {
		logger.Debug("inspect failed", "error", err)
	}

	m, err := mirror.FromConfig(ctx, cfg.Mirror(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framesnap: %v\n", err)
		return exitFailed
	}
	if m != nil {
		defer m.Close()
		req.Sink = m
	}

	in := bufio.NewReader(os.Stdin)
	req.OnCapacityWarning = func(est capacity.Estimate) bool {
		if opts.yes {
			fmt.Fprintf(os.Stderr, "\nwarning: %s (continuing, -yes)\n", est.Reason)
			return true
		}
		return confirm(in, os.Stderr, est)
	}
	req.OnProgress = func(p extract.Progress) {
		fmt.Fprint(os.Stdout, "\r"+progressLine(p))
	}

	rep, err := engine.Extract(ctx, req)
	if rep.Planned > 0 {
		fmt.Println()
	}
	printSummary(os.Stdout, rep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framesnap: %s: %v\n", failure.Kind(err), err)
	}

	recordRun(cfg, rep, logger)
	return exitCode(rep, err)
}

func withLogger(sc backend.SelectorConfig, logger *slog.Logger) backend.SelectorConfig {
	sc.Logger = logger
	return sc
}

func buildRequest(cfg config.Config, opts *options, video string) (extract.Request, error) {
	req := extract.NewRequest(video)
	req.Start = opts.start
	req.End = opts.end
	req.Interval = opts.interval
	req.OutputDir = opts.output
	req.Format = cfg.DefaultFormat()
	req.Encode = cfg.EncodeOptions()
	req.Workers = cfg.Workers()
	req.QueueCapacity = cfg.QueueCapacity()
	if opts.workers > 0 {
		req.Workers = opts.workers
	}
	if opts.format != "" {
		f, err := writer.ParseFormat(opts.format)
		if err != nil {
			return req, err
		}
		req.Format = f
	}
	return req, nil
}

// plannedCount predicts the number of sampled frames. It reports false when
// the request would fail validation; the engine explains why.
func plannedCount(src *backend.VideoSource, start, end string, interval int64) (int64, bool) {
	var startMs int64
	if start != "" {
		ms, err := timecode.ParseTimestamp(start)
		if err != nil {
			return 0, false
		}
		startMs = ms
	}
	var endMs *int64
	if end != "" {
		ms, err := timecode.ParseTimestamp(end)
		if err != nil {
			return 0, false
		}
		endMs = &ms
	}
	rng, err := timecode.ResolveRange(src.Timeline(), startMs, endMs)
	if err != nil {
		return 0, false
	}
	spec, err := timecode.NewSampleSpec(rng, interval)
	if err != nil {
		return 0, false
	}
	return spec.Count(), true
}

func printVideoInfo(w io.Writer, src *backend.VideoSource, backendName string) {
	fmt.Fprintf(w, "Video:      %s\n", src.Path)
	fmt.Fprintf(w, "Resolution: %dx%d\n", src.Width, src.Height)
	fmt.Fprintf(w, "Frame rate: %.3f fps\n", src.FrameRate)
	fmt.Fprintf(w, "Duration:   %s (%s frames)\n", timecode.FormatMillis(src.DurationMs), humanize.Comma(src.Frames))
	if src.SizeBytes > 0 {
		fmt.Fprintf(w, "Size:       %s\n", humanize.Bytes(uint64(src.SizeBytes)))
	}
	fmt.Fprintf(w, "Backend:    %s\n", backendName)
}

func progressLine(p extract.Progress) string {
	pct := 0.0
	if p.Planned > 0 {
		pct = float64(p.Completed) * 100 / float64(p.Planned)
	}
	line := fmt.Sprintf("%s/%s frames (%.1f%%) %s", humanize.Comma(p.Completed), humanize.Comma(p.Planned), pct, humanize.Bytes(uint64(p.Bytes)))
	if p.Failed > 0 {
		line += fmt.Sprintf(", %d failed", p.Failed)
	}
	if p.File != "" {
		line += "  " + p.File
	}
	return line
}

// confirm asks whether to continue past a capacity warning. Anything but an
// explicit yes declines.
func confirm(in *bufio.Reader, out io.Writer, est capacity.Estimate) bool {
	fmt.Fprintf(out, "\nwarning: %s\nContinue? [y/N] ", est.Reason)
	answer, err := in.ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func printSummary(w io.Writer, rep *extract.Report) {
	switch rep.State {
	case extract.StateDone:
		fmt.Fprintf(w, "Done: %d written, %d failed, %s in %s -> %s\n",
			rep.Written, rep.Failed, humanize.Bytes(uint64(rep.Bytes)), rep.Elapsed.Round(time.Millisecond), rep.OutputDir)
	case extract.StateCancelled:
		fmt.Fprintf(w, "Cancelled: %d written, %d skipped\n", rep.Written, rep.Skipped)
	default:
		fmt.Fprintf(w, "Failed: %d written, %d failed, %d skipped\n", rep.Written, rep.Failed, rep.Skipped)
	}
	if rep.MirrorErrors > 0 {
		fmt.Fprintf(w, "Mirror: %d uploads failed\n", rep.MirrorErrors)
	}
}

func exitCode(rep *extract.Report, err error) int {
	switch rep.State {
	case extract.StateDone:
		if rep.Failed > 0 {
			return exitPartial
		}
		return exitOK
	case extract.StateCancelled:
		return exitCancelled
	}
	if failure.IsPreflight(err) {
		return exitUsage
	}
	return exitFailed
}

// recordRun stores the finished run in the history ledger and the recent
// list. Both are best effort: a running agent holds the history lock.
func recordRun(cfg *config.FileEnvConfig, rep *extract.Report, logger *slog.Logger) {
	id := uuid.NewString()
	if store, err := history.Open(cfg.HistoryDir(), logger); err != nil {
		logger.Debug("history unavailable", "error", err)
	} else {
		if err := store.Record(history.FromReport(id, rep)); err != nil {
			logger.Warn("failed to record run", "error", err)
		}
		store.Close()
	}

	ctx := context.Background()
	if rep.Source != nil {
		if db, err := settings.Open(cfg.DBPath(), logger); err != nil {
			logger.Debug("settings unavailable", "error", err)
		} else {
			s := settings.NewStore(db.Conn())
			if err := s.AddRecent(ctx, rep.Video); err != nil {
				logger.Warn("failed to update recent files", "error", err)
			}
			if rep.OutputDir != "" {
				if err := rememberOutputDir(ctx, s, rep); err != nil {
					logger.Warn("failed to remember output directory", "error", err)
				}
			}
			db.Close()
		}
	}

	if url := cfg.NotifyURL(); url != "" {
		if err := notify.New(url, logger).RunFinished(ctx, id, rep); err != nil {
			logger.Warn("webhook delivery failed", "error", err)
		}
	}
}

func rememberOutputDir(ctx context.Context, s *settings.Store, rep *extract.Report) error {
	if err := s.SetOutputDir(ctx, rep.Video, rep.OutputDir); err != nil {
		return err
	}
	prefs, err := s.LoadPreferences(ctx)
	if err != nil {
		return err
	}
	prefs.LastOutputDir = rep.OutputDir
	return s.SavePreferences(ctx, prefs)
}
