package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

// ToolRunner launches the external decoder tools. The production
// implementation is ExecRunner; tests substitute an in-memory fake.
type ToolRunner interface {
	// Output runs a command to completion and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)

	// Stream starts a command whose stdout is consumed incrementally.
	Stream(ctx context.Context, name string, args ...string) (Stream, error)
}

// Stream is a running command's stdout.
type Stream interface {
	io.Reader

	// Wait blocks until the process exits. A non-zero exit is reported as
	// a *ToolError.
	Wait() error

	// Kill stops the process early. Wait must still be called.
	Kill()
}

// ToolError is a failed tool invocation with the tail of its stderr.
type ToolError struct {
	Tool       string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited %d", e.Tool, e.ExitCode)
	if e.StderrTail != "" {
		msg += ": " + truncate(e.StderrTail, 512)
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// ExecRunner runs tools with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
}

// Output implements ToolRunner.
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderrBuf bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}

	err := cmd.Run()
	if err != nil {
		terr := toolError(name, err, stderrBuf.String())
		r.logger().Debug("tool command failed",
			"tool", name,
			"exit_code", terr.ExitCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, terr
	}
	return stdout.Bytes(), nil
}

// Stream implements ToolRunner.
func (r *ExecRunner) Stream(ctx context.Context, name string, args ...string) (Stream, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	ps := &procStream{name: name, cmd: cmd, stdout: stdout}
	cmd.Stderr = &limitedWriter{w: &ps.stderr, limit: maxStderrBytes}

	r.logger().Debug("starting tool stream", "tool", name, "args", args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return ps, nil
}

func (r *ExecRunner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

type procStream struct {
	name   string
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer

	waitOnce sync.Once
	waitErr  error
}

func (p *procStream) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *procStream) Wait() error {
	p.waitOnce.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = toolError(p.name, err, p.stderr.String())
		}
	})
	return p.waitErr
}

func (p *procStream) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func toolError(name string, err error, stderr string) *ToolError {
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &ToolError{Tool: name, ExitCode: exitCode, StderrTail: stderr, Err: err}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
