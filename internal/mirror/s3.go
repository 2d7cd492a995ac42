package mirror

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/framesnap/framesnap/internal/config"
)

type S3Uploader struct {
	bucket   string
	uploader *manager.Uploader
}

// NewS3 creates an uploader with static credentials when given. A custom
// endpoint switches to path-style addressing for S3-compatible servers.
func NewS3(cfg config.MirrorConfig) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{Region: region}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	client := s3.New(opts)
	return &S3Uploader{
		bucket:   cfg.Bucket,
		uploader: manager.NewUploader(client),
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s to bucket %s: %w", key, u.bucket, err)
	}
	return nil
}

func (u *S3Uploader) Close() error { return nil }
