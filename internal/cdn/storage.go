package cdn

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// StorageClient stores one object.
type StorageClient interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType, cacheControl string) error
}

// R2Storage writes objects to an R2 bucket over the S3 API.
type R2Storage struct {
	client *minio.Client
	bucket string
}

// NewR2Storage builds a client for cfg. No request is made until Put.
func NewR2Storage(cfg R2Config) (*R2Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint(), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: true,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("cdn: create client: %w", err)
	}
	return &R2Storage{client: client, bucket: cfg.Bucket}, nil
}

// Bucket returns the target bucket name.
func (s *R2Storage) Bucket() string { return s.bucket }

func (s *R2Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType, cacheControl string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: cacheControl,
		UserMetadata: map[string]string{"source": "armlink-manifestgen"},
	})
	return err
}
