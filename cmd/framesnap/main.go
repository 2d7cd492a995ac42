// Command framesnap extracts still frames from a video. Given a video path it
// runs one extraction in the foreground; without one it starts the agent,
// which serves the HTTP API and the system tray.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/framesnap/framesnap/internal/backend"
	"github.com/framesnap/framesnap/internal/config"
	"github.com/framesnap/framesnap/internal/logging"
)

// Exit codes
const (
	exitOK        = 0
	exitFailed    = 1
	exitPartial   = 2
	exitUsage     = 64
	exitCancelled = 130
)

type options struct {
	output     string
	start      string
	end        string
	interval   int64
	format     string
	backend    string
	hwaccel    string
	workers    int
	yes        bool
	configPath string
	history    int
	version    bool
}

func parseFlags(args []string) (*options, []string, error) {
	fs := flag.NewFlagSet("framesnap", flag.ContinueOnError)
	o := &options{}
	fs.StringVar(&o.output, "o", "", "output directory (default ./<video name>)")
	fs.StringVar(&o.start, "s", "", "start timestamp HH:MM:SS[.mmm] (default first frame)")
	fs.StringVar(&o.end, "e", "", "end timestamp HH:MM:SS[.mmm], exclusive (default last frame)")
	fs.Int64Var(&o.interval, "i", 1, "keep every Nth frame")
	fs.StringVar(&o.format, "f", "", "image format: webp, png or jpg (default from config)")
	fs.StringVar(&o.backend, "backend", "", "decoder backend: auto, external or library")
	fs.StringVar(&o.hwaccel, "hwaccel", "", "hardware acceleration for the external decoder: auto, none or a method")
	fs.IntVar(&o.workers, "workers", 0, "writer workers (default: CPU count)")
	fs.BoolVar(&o.yes, "yes", false, "continue past capacity warnings without asking")
	fs.StringVar(&o.configPath, "config", "", "config file (default: search standard locations)")
	fs.IntVar(&o.history, "history", 0, "print the N most recent runs and exit")
	fs.BoolVar(&o.version, "version", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: framesnap [flags] [video]\n\nWithout a video the agent starts.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return o, fs.Args(), nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, rest, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if opts.version {
		fmt.Printf("framesnap %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildTime)
		return exitOK
	}
	if len(rest) > 1 {
		fmt.Fprintln(os.Stderr, "framesnap: expected at most one video path")
		return exitUsage
	}

	cfg, err := config.New(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framesnap: failed to load config: %v\n", err)
		return exitUsage
	}

	switch {
	case opts.history > 0:
		if err := printHistory(os.Stdout, cfg.HistoryDir(), opts.history); err != nil {
			fmt.Fprintf(os.Stderr, "framesnap: %v\n", err)
			return exitFailed
		}
		return exitOK
	case len(rest) == 1:
		logger := logging.New(os.Stderr, cfg.LogLevel())
		return extractOne(cfg, opts, rest[0], logger)
	default:
		if err := runAgent(cfg); err != nil {
			log.Printf("fatal error: %v", err)
			return exitFailed
		}
		return exitOK
	}
}

// selectorConfig applies the command-line overrides to the configured
// backend settings.
func selectorConfig(cfg config.Config, opts *options) backend.SelectorConfig {
	sc := backend.SelectorConfig{
		Mode:        cfg.Backend(),
		FFmpegPath:  cfg.FFmpegPath(),
		FFprobePath: cfg.FFprobePath(),
		HWAccel:     cfg.HWAccel(),
	}
	if opts != nil {
		if opts.backend != "" {
			sc.Mode = opts.backend
		}
		if opts.hwaccel != "" {
			sc.HWAccel = opts.hwaccel
		}
	}
	return sc
}
