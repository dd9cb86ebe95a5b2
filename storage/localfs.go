package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// LocalFS publishes into a directory on disk. The api package serves it under /api/v1/files.
type LocalFS struct {
	root    string
	baseURL string
	now     func() time.Time
}

func NewLocalFS(root, baseURL string) *LocalFS {
	return &LocalFS{root: root, baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

func (l *LocalFS) Name() string { return "local" }

func (l *LocalFS) Root() string { return l.root }

func (l *LocalFS) Upload(ctx context.Context, localPath, folder string) (*Object, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	objPath := ObjectPath(folder, filepath.Base(localPath), l.now(), shortuuid.New()[:8])
	dst, err := l.Resolve(objPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}

	out, err := os.Create(dst)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: src})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return nil, fmt.Errorf("copy to %s: %w", dst, err)
	}

	return &Object{
		Path:        objPath,
		URL:         l.baseURL + "/api/v1/files/" + objPath,
		Size:        n,
		ContentType: ContentType(localPath),
	}, nil
}

// Resolve maps an object path to a file under root, rejecting traversal.
func (l *LocalFS) Resolve(objectPath string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(objectPath))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidObject, objectPath)
	}
	return filepath.Join(l.root, clean), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
