// Package blob wraps the S3-compatible object store attachments are
// uploaded to. Downloads go through presigned URLs so the client side
// only ever needs plain HTTP.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pigeonchat/pigeon/internal/config"
)

// Store uploads attachments by local path and resolves download URLs.
type Store interface {
	UploadFile(ctx context.Context, key, localPath string) (url string, err error)
	DownloadURL(ctx context.Context, key string) (string, error)
}

// MinioStore implements Store against MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
	urlTTL time.Duration
}

// NewMinioStore connects to the object store and ensures the bucket
// exists.
func NewMinioStore(cfg config.BlobConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init blob client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		urlTTL: time.Duration(cfg.URLTTLSeconds) * time.Second,
	}, nil
}

// UploadFile uploads the file at localPath under key and returns a
// resolvable download URL. Content type is sniffed from the file.
func (s *MinioStore) UploadFile(ctx context.Context, key, localPath string) (string, error) {
	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(localPath); err == nil {
		contentType = mt.String()
	}
	if _, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(localPath), err)
	}
	return s.DownloadURL(ctx, key)
}

// DownloadURL returns a presigned GET URL for key.
func (s *MinioStore) DownloadURL(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.urlTTL, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// ErrNotConfigured is returned by Disabled for every operation.
var ErrNotConfigured = errors.New("blob store not configured")

// Disabled is the Store used when no object store endpoint is
// configured. Text messaging works; attachment sends fail cleanly.
type Disabled struct{}

func (Disabled) UploadFile(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) DownloadURL(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

// StatLocal reports whether a local attachment path exists and its size,
// used before uploading an optimistic send.
func StatLocal(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
