package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ObjectURL addresses one object as s3://bucket/key.
type ObjectURL struct {
	Bucket string
	Key    string
}

func (u ObjectURL) String() string {
	return "s3://" + u.Bucket + "/" + u.Key
}

func IsObjectURL(raw string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "s3://")
}

func ParseObjectURL(raw string) (ObjectURL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ObjectURL{}, fmt.Errorf("parse object url: %w", err)
	}
	if !strings.EqualFold(parsed.Scheme, "s3") {
		return ObjectURL{}, fmt.Errorf("object url %q must use the s3 scheme", raw)
	}
	if parsed.Host == "" {
		return ObjectURL{}, fmt.Errorf("object url %q has no bucket", raw)
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	if key == "" {
		return ObjectURL{}, fmt.Errorf("object url %q has no key", raw)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return ObjectURL{}, fmt.Errorf("invalid object key in %q", raw)
	}
	return ObjectURL{Bucket: parsed.Host, Key: cleaned}, nil
}
