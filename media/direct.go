package media

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// downloadDirect fetches a video file URL into the scratch dir, enforcing MaxBytes.
func (r *Runner) downloadDirect(ctx context.Context, rawURL string, req Request, em *emitter) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: failed to download file, status: %s", ErrExtractionFailed, resp.Status)
	}
	if req.MaxBytes > 0 && resp.ContentLength > req.MaxBytes {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, resp.ContentLength, req.MaxBytes)
	}

	ext := strings.ToLower(path.Ext(httpReq.URL.Path))
	dst := filepath.Join(r.tempDir, req.Token+"_source"+ext)
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	var body io.Reader = resp.Body
	if req.MaxBytes > 0 {
		body = &io.LimitedReader{R: resp.Body, N: req.MaxBytes + 1}
	}
	pw := &progressWriter{total: resp.ContentLength, em: em}
	written, err := io.Copy(io.MultiWriter(f, pw), body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to write downloaded file: %w", err)
	}
	if req.MaxBytes > 0 && written > req.MaxBytes {
		os.Remove(dst)
		return "", fmt.Errorf("%w: input exceeds limit of %d bytes", ErrFileTooLarge, req.MaxBytes)
	}
	em.send(PhaseDownloading, 100)
	return dst, nil
}

type progressWriter struct {
	total   int64
	written int64
	em      *emitter
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total > 0 {
		p.em.send(PhaseDownloading, math.Floor(float64(p.written)/float64(p.total)*100))
	}
	return len(b), nil
}
