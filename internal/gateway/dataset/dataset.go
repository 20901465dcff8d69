// Package dataset fetches the Chinook demo database on first use.
package dataset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/duckmesh/querygraph/internal/storage"
)

const (
	DefaultURL   = "https://storage.googleapis.com/benchmarks-artifacts/chinook/Chinook.db"
	DemoFileName = "Chinook.db"
)

// Payload is an open dataset body. Size is the advertised length, or -1
// when the source does not know it.
type Payload struct {
	Body io.ReadCloser
	Size int64
}

// Source yields the bytes of a dataset file.
type Source interface {
	Open(ctx context.Context) (Payload, error)
	Location() string
}

type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s HTTPSource) Location() string { return s.URL }

func (s HTTPSource) Open(ctx context.Context) (Payload, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("build dataset request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("download dataset: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return Payload{}, fmt.Errorf("download dataset: status %d", resp.StatusCode)
	}
	return Payload{Body: resp.Body, Size: resp.ContentLength}, nil
}

// ObjectSource reads the dataset from object storage. The object's size is
// taken from the store so a cut-off transfer is detected.
type ObjectSource struct {
	Store storage.ObjectStore
	URL   storage.ObjectURL
}

func (s ObjectSource) Location() string { return s.URL.String() }

func (s ObjectSource) Open(ctx context.Context) (Payload, error) {
	if s.Store == nil {
		return Payload{}, fmt.Errorf("object store is required for %s", s.URL)
	}
	obj, err := s.Store.Open(ctx, s.URL.Key)
	if err != nil {
		return Payload{}, fmt.Errorf("get dataset object %s: %w", s.URL, err)
	}
	return Payload{Body: obj.Body, Size: obj.Info.Size}, nil
}

// NewSource picks an object-store source for s3:// URLs and an HTTP source otherwise.
func NewSource(raw string, store storage.ObjectStore) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultURL
	}
	if storage.IsObjectURL(raw) {
		parsed, err := storage.ParseObjectURL(raw)
		if err != nil {
			return nil, err
		}
		if store == nil {
			return nil, fmt.Errorf("dataset %s needs an object store", raw)
		}
		return ObjectSource{Store: store, URL: parsed}, nil
	}
	if !strings.HasPrefix(raw, "https://") && !strings.HasPrefix(raw, "http://") {
		return nil, fmt.Errorf("unsupported dataset url %q", raw)
	}
	return HTTPSource{URL: raw}, nil
}

// IsDemoPath reports whether path names the demo database file.
func IsDemoPath(path string) bool {
	return filepath.Base(path) == DemoFileName
}

// Fetch writes the source to dest through a temp file in the same directory.
// A failed or short download never leaves a partial dest behind.
func Fetch(ctx context.Context, source Source, dest string) error {
	if source == nil {
		return fmt.Errorf("dataset source is required")
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}

	payload, err := source.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = payload.Body.Close() }()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+"-*.part")
	if err != nil {
		return fmt.Errorf("create dataset temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, payload.Body)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write dataset from %s: %w", source.Location(), err)
	}
	if payload.Size >= 0 && written != payload.Size {
		_ = tmp.Close()
		return fmt.Errorf("write dataset from %s: got %d of %d bytes: %w", source.Location(), written, payload.Size, io.ErrUnexpectedEOF)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close dataset temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("move dataset into place: %w", err)
	}
	committed = true
	return nil
}
