package mirror

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/framesnap/framesnap/internal/config"
)

type GCSUploader struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCS uses the credentials file when set and application default
// credentials otherwise.
func NewGCS(ctx context.Context, cfg config.MirrorConfig) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSUploader{client: client, bucket: client.Bucket(cfg.Bucket)}, nil
}

func (u *GCSUploader) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	wc := u.bucket.Object(key).NewWriter(ctx)
	wc.ContentType = contentType(key)
	if size > 0 && size < int64(wc.ChunkSize) {
		// Small objects go up in a single request.
		wc.ChunkSize = 0
	}
	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		return fmt.Errorf("io.Copy: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %w", err)
	}
	return nil
}

func (u *GCSUploader) Close() error {
	return u.client.Close()
}
