// Package storage addresses dataset objects held in S3-compatible buckets.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrAccessDenied   = errors.New("object access denied")
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Object is an open object body together with the metadata it was served with.
type Object struct {
	Body io.ReadCloser
	Info ObjectInfo
}

// ObjectStore opens dataset objects for reading. Nothing is ever written.
type ObjectStore interface {
	Open(ctx context.Context, key string) (*Object, error)
}
