package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"folio/media/internal/apperr"
	"folio/media/internal/config"
)

// ObjectStore is a BlobStore backed by an S3-compatible bucket.
type ObjectStore struct {
	client *minio.Client
	cfg    config.StorageConfig
}

func NewObjectStore(cfg config.StorageConfig) (*ObjectStore, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	if cfg.PublicBaseURL == "" || strings.HasPrefix(cfg.PublicBaseURL, "/") {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		cfg.PublicBaseURL = fmt.Sprintf("%s://%s/%s", scheme, endpoint, cfg.Bucket)
	}

	return &ObjectStore{
		client: client,
		cfg:    cfg,
	}, nil
}

func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", s.cfg.Bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
		}
	}
	return nil
}

func (s *ObjectStore) Put(ctx context.Context, data []byte, p string) (string, error) {
	const op = "object.put"
	key, err := cleanKey(p)
	if err != nil {
		return "", apperr.New(op, apperr.ErrInvalidArgument, err)
	}

	options := minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
	}
	if _, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), options); err != nil {
		return "", apperr.New(op, apperr.ErrBlobWriteFailed, err)
	}
	return s.URL(key), nil
}

func (s *ObjectStore) Get(ctx context.Context, p string) ([]byte, error) {
	const op = "object.get"
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, p, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.New(op, apperr.ErrBlobReadFailed, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, apperr.Newf(op, apperr.ErrNotFound, "blob %s", p)
		}
		return nil, apperr.New(op, apperr.ErrBlobReadFailed, err)
	}
	return data, nil
}

func (s *ObjectStore) Delete(ctx context.Context, p string) error {
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, p, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return apperr.New("object.delete", apperr.ErrBlobWriteFailed, err)
	}
	return nil
}

func (s *ObjectStore) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.cfg.Bucket, p, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, apperr.New("object.exists", apperr.ErrBlobReadFailed, err)
}

func (s *ObjectStore) URL(p string) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + strings.TrimLeft(p, "/")
}

// Ping checks that the bucket is reachable.
func (s *ObjectStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	return err
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".gif"):
		return "image/gif"
	case strings.HasSuffix(key, ".webp"):
		return "image/webp"
	case strings.HasSuffix(key, ".avif"):
		return "image/avif"
	case strings.HasSuffix(key, ".svg"):
		return "image/svg+xml"
	}
	return "application/octet-stream"
}
