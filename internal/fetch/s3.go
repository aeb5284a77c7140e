package fetch

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"airbridge/internal/config"
)

// NewS3Client builds the object-store client from settings. Returns nil
// when no endpoint is configured, which disables s3:// refs.
func NewS3Client(s config.S3Settings) (*minio.Client, error) {
	if s.Endpoint == "" {
		return nil, nil
	}
	cli, err := minio.New(s.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s.AccessKey(), s.SecretKey(), ""),
		Secure: s.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client for %s: %w", s.Endpoint, err)
	}
	return cli, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func EnsureBucket(ctx context.Context, cli *minio.Client, bucket string) error {
	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", bucket, err)
	}
	return nil
}
