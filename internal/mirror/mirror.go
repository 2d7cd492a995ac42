// Package mirror copies written frames to remote object storage or an SFTP
// server. A Mirror is a writer.Sink; failures are reported to the pool,
// which counts them without stopping the run.
package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/framesnap/framesnap/internal/config"
)

// Uploader stores one object under key.
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
	Close() error
}

// Mirror uploads each file under <prefix>/<output dir name>/<file name>.
type Mirror struct {
	uploader Uploader
	prefix   string
	kind     string
	logger   *slog.Logger
}

func New(kind string, u Uploader, prefix string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		uploader: u,
		prefix:   strings.Trim(prefix, "/"),
		kind:     kind,
		logger:   logger,
	}
}

// FromConfig builds the configured mirror. It returns nil when mirroring is
// off.
func FromConfig(ctx context.Context, cfg config.MirrorConfig, logger *slog.Logger) (*Mirror, error) {
	var (
		u   Uploader
		err error
	)
	switch cfg.Kind {
	case config.MirrorNone:
		return nil, nil
	case config.MirrorS3:
		u, err = NewS3(cfg)
	case config.MirrorGCS:
		u, err = NewGCS(ctx, cfg)
	case config.MirrorSFTP:
		u, err = NewSFTP(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown mirror kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("mirror %s: %w", cfg.Kind, err)
	}
	return New(cfg.Kind, u, cfg.Prefix, logger), nil
}

// Kind names the remote, e.g. s3.
func (m *Mirror) Kind() string { return m.kind }

// Key returns the object key for a file written at localPath.
func (m *Mirror) Key(localPath, name string) string {
	run := filepath.Base(filepath.Dir(localPath))
	return path.Join(m.prefix, run, name)
}

// Put implements writer.Sink.
func (m *Mirror) Put(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	key := m.Key(localPath, name)
	if err := m.uploader.Upload(ctx, key, f, info.Size()); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	m.logger.Debug("mirrored frame", "kind", m.kind, "key", key, "bytes", info.Size())
	return nil
}

func (m *Mirror) Close() error {
	return m.uploader.Close()
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}
