// Package s3 reads dataset objects from an S3-compatible endpoint such as
// MinIO.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/duckmesh/querygraph/internal/storage"
)

// Config mirrors the object_store section of the service config.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string
}

// objectReader is the slice of the S3 API a dataset download needs.
type objectReader interface {
	OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, storage.ObjectInfo, error)
}

// Store opens objects from one bucket, optionally under a key prefix.
type Store struct {
	api    objectReader
	bucket string
	prefix string
}

var _ storage.ObjectStore = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	host, secure, err := endpointHost(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client for %s: %w", host, err)
	}
	return newStore(cfg.Bucket, cfg.Prefix, minioReader{client: client})
}

func newStore(bucket, prefix string, api objectReader) (*Store, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix = path.Clean(prefix)
	}
	return &Store{api: api, bucket: bucket, prefix: prefix}, nil
}

// Open returns the object body with its size and ETag. Info.Key is the key
// as requested, without the prefix.
func (s *Store) Open(ctx context.Context, key string) (*storage.Object, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	body, info, err := s.api.OpenObject(ctx, s.bucket, objectKey)
	if err != nil {
		return nil, fmt.Errorf("open s3://%s/%s: %w", s.bucket, objectKey, err)
	}
	info.Key = strings.TrimPrefix(key, "/")
	return &storage.Object{Body: body, Info: info}, nil
}

// objectKey joins the prefix and key, refusing keys that climb out of the prefix.
func (s *Store) objectKey(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	cleaned := path.Clean(key)
	switch {
	case key == "" || cleaned == ".":
		return "", fmt.Errorf("object key is required")
	case cleaned == ".." || strings.HasPrefix(cleaned, "../"):
		return "", fmt.Errorf("object key %q escapes the bucket prefix", key)
	}
	if s.prefix == "" {
		return cleaned, nil
	}
	return s.prefix + "/" + cleaned, nil
}

// endpointHost accepts either host:port or a URL. An https URL forces TLS.
func endpointHost(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("s3 endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse s3 endpoint: %w", err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("s3 endpoint %q has no host", raw)
	}
	return parsed.Host, useSSL || parsed.Scheme == "https", nil
}

type minioReader struct {
	client *minio.Client
}

// OpenObject issues the GET and waits for the response headers, so a
// missing object fails here rather than on the first Read.
func (m minioReader) OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, storage.ObjectInfo{}, classify(err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, storage.ObjectInfo{}, classify(err)
	}
	return obj, storage.ObjectInfo{
		Key:          stat.Key,
		Size:         stat.Size,
		ETag:         stat.ETag,
		LastModified: stat.LastModified,
	}, nil
}

// classify maps S3 error codes onto the storage sentinels, keeping the
// original error in the chain.
func classify(err error) error {
	response := minio.ToErrorResponse(err)
	switch response.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %w", storage.ErrObjectNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %w", storage.ErrAccessDenied, err)
	}
	return err
}
