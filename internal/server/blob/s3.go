package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds connection settings for an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store keeps objects in an S3-compatible bucket via MinIO's client.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store creates a client for the configured endpoint.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	if _, err := cleanKey(key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err, "get", key)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, translate(err, "stat", key)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(err, "read", key)
	}
	return &Object{Data: data, ETag: info.ETag}, nil
}

// Put writes a whole object. IfMatch and IfNoneMatch travel as If-Match
// and If-None-Match headers, so the store itself rejects a stale or
// duplicate write with 412. IfNoneMatch also stats first, which answers
// the common case on stores that ignore the header.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error) {
	if _, err := cleanKey(key); err != nil {
		return "", err
	}
	if opts.IfNoneMatch {
		_, err := s.Stat(ctx, key)
		if err == nil {
			return "", ErrPreconditionFailed
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if opts.IfMatch != "" {
		putOpts.SetMatchETag(opts.IfMatch)
	}
	if opts.IfNoneMatch {
		putOpts.SetMatchETagExcept("*")
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), putOpts)
	if err != nil {
		return "", translate(err, "put", key)
	}
	return info.ETag, nil
}

func (s *S3Store) Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*ObjectInfo, error) {
	if _, err := cleanKey(key); err != nil {
		return nil, err
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, translate(err, "save", key)
	}
	return &ObjectInfo{Key: key, Size: info.Size, ContentType: contentType, ETag: info.ETag}, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	if _, err := cleanKey(key); err != nil {
		return nil, nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, translate(err, "open", key)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, nil, translate(err, "stat", key)
	}
	return obj, toInfo(info), nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if _, err := cleanKey(key); err != nil {
		return nil, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, translate(err, "stat", key)
	}
	return toInfo(info), nil
}

// Delete removes the object. S3 deletes of missing keys already succeed.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if _, err := cleanKey(key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if errors.Is(translate(err, "delete", key), ErrNotFound) {
			return nil
		}
		return translate(err, "delete", key)
	}
	return nil
}

func toInfo(info minio.ObjectInfo) *ObjectInfo {
	return &ObjectInfo{
		Key:         info.Key,
		Size:        info.Size,
		ContentType: info.ContentType,
		ETag:        info.ETag,
	}
}

// translate maps S3 error responses onto the package sentinels.
func translate(err error, op, key string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.Code == "PreconditionFailed" ||
		resp.StatusCode == http.StatusPreconditionFailed ||
		resp.StatusCode == http.StatusConflict:
		return ErrPreconditionFailed
	}
	return fmt.Errorf("failed to %s object %s: %w", op, key, err)
}
