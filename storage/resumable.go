package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"

	"vid2audio/retry"
)

const tusVersion = "1.0.0"

type ResumableConfig struct {
	BaseURL            string
	Key                string
	Bucket             string
	SmallFileThreshold int64
	ChunkSize          int64
	Retry              retry.Policy
	Client             *http.Client
}

// Resumable uploads to Supabase Storage: a single request for small files and
// the TUS resumable protocol for everything else.
type Resumable struct {
	cfg   ResumableConfig
	now   func() time.Time
	token func() string
}

func NewResumable(cfg ResumableConfig) *Resumable {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 6 << 20
	}
	if cfg.SmallFileThreshold <= 0 {
		cfg.SmallFileThreshold = 5 << 20
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Resumable{
		cfg:   cfg,
		now:   time.Now,
		token: func() string { return shortuuid.New()[:8] },
	}
}

func (u *Resumable) Name() string { return "supabase" }

// PublicURL is the same for both upload paths.
func (u *Resumable) PublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", u.cfg.BaseURL, u.cfg.Bucket, objectPath)
}

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("storage responded %d", e.Code)
	}
	return fmt.Sprintf("storage responded %d: %s", e.Code, e.Body)
}

var errNoProgress = errors.New("server acknowledged no new bytes")

// transient reports whether a failed request is worth retrying:
// network errors, 5xx, 429 and 409 offset conflicts.
func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusConflict || se.Code == http.StatusTooManyRequests
	}
	return true
}

func (u *Resumable) Upload(ctx context.Context, localPath, folder string) (*Object, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	obj := &Object{
		Path:        ObjectPath(folder, filepath.Base(localPath), u.now(), u.token()),
		Size:        st.Size(),
		ContentType: ContentType(localPath),
	}

	if obj.Size <= u.cfg.SmallFileThreshold {
		err = u.uploadSingle(ctx, f, obj)
	} else {
		err = u.uploadChunked(ctx, f, obj)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	}
	obj.URL = u.PublicURL(obj.Path)
	return obj, nil
}

func (u *Resumable) policy(obj *Object, offset *int64) retry.Policy {
	p := u.cfg.Retry
	p.Retryable = transient
	p.OnRetry = func(n int, err error, wait time.Duration) {
		log.Warn().Err(err).
			Str("object", obj.Path).
			Int64("offset", *offset).
			Int("attempt", n).
			Dur("backoff", wait).
			Msg("upload request failed, retrying")
	}
	return p
}

func (u *Resumable) uploadSingle(ctx context.Context, f *os.File, obj *Object) error {
	var offset int64
	retries, err := u.policy(obj, &offset).Do(ctx, func(int) error {
		body := io.NewSectionReader(f, 0, obj.Size)
		endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", u.cfg.BaseURL, u.cfg.Bucket, obj.Path)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return retry.Permanent(err)
		}
		req.ContentLength = obj.Size
		u.authorize(req)
		req.Header.Set("Content-Type", obj.ContentType)
		req.Header.Set("x-upsert", "true")
		return u.expect(req, http.StatusOK, http.StatusCreated)
	})
	obj.Retries = retries
	if err != nil {
		return &ChunkError{Offset: 0, Err: err}
	}
	return nil
}

func (u *Resumable) uploadChunked(ctx context.Context, f *os.File, obj *Object) error {
	var offset int64
	policy := u.policy(obj, &offset)

	var session string
	retries, err := policy.Do(ctx, func(int) error {
		s, err := u.createSession(ctx, obj)
		session = s
		return err
	})
	obj.Retries += retries
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSessionCreate, err)
	}

	for offset < obj.Size {
		retries, err := policy.Do(ctx, func(attempt int) error {
			if attempt > 1 {
				// Resync before retrying. The server's offset wins in both directions:
				// a failed PATCH may have been partially applied, or stored bytes may have been lost.
				if acked, herr := u.head(ctx, session); herr == nil && acked >= 0 && acked <= obj.Size {
					offset = acked
				}
				if offset >= obj.Size {
					return nil
				}
			}
			n := min(u.cfg.ChunkSize, obj.Size-offset)
			acked, err := u.patch(ctx, session, f, offset, n)
			if err != nil {
				return err
			}
			if acked > obj.Size {
				return retry.Permanent(fmt.Errorf("server acknowledged offset %d beyond length %d", acked, obj.Size))
			}
			if acked <= offset {
				return errNoProgress
			}
			offset = acked
			return nil
		})
		obj.Retries += retries
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return &ChunkError{Offset: offset, Err: err}
		}
		log.Debug().Str("object", obj.Path).Int64("offset", offset).Int64("size", obj.Size).Msg("chunk acknowledged")
	}
	return nil
}

func (u *Resumable) createSession(ctx context.Context, obj *Object) (string, error) {
	endpoint := u.cfg.BaseURL + "/storage/v1/upload/resumable"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", retry.Permanent(err)
	}
	u.authorize(req)
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Upload-Length", strconv.FormatInt(obj.Size, 10))
	req.Header.Set("Upload-Metadata", uploadMetadata(map[string]string{
		"bucketName":   u.cfg.Bucket,
		"objectName":   obj.Path,
		"contentType":  obj.ContentType,
		"cacheControl": "3600",
	}))
	req.Header.Set("x-upsert", "true")

	resp, err := u.cfg.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", newStatusError(resp)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", retry.Permanent(errors.New("session response has no Location header"))
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", retry.Permanent(err)
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("bad Location %q: %w", loc, err))
	}
	return base.ResolveReference(ref).String(), nil
}

func (u *Resumable) patch(ctx context.Context, session string, f *os.File, offset, n int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, session, io.NewSectionReader(f, offset, n))
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.ContentLength = n
	u.authorize(req)
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	req.Header.Set("Content-Type", "application/offset+octet-stream")

	resp, err := u.cfg.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return 0, newStatusError(resp)
	}
	return parseOffset(resp)
}

func (u *Resumable) head(ctx context.Context, session string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, session, nil)
	if err != nil {
		return 0, err
	}
	u.authorize(req)
	req.Header.Set("Tus-Resumable", tusVersion)
	resp, err := u.cfg.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return 0, newStatusError(resp)
	}
	return parseOffset(resp)
}

func (u *Resumable) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+u.cfg.Key)
	req.Header.Set("apikey", u.cfg.Key)
}

func (u *Resumable) expect(req *http.Request, codes ...int) error {
	resp, err := u.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	for _, c := range codes {
		if resp.StatusCode == c {
			return nil
		}
	}
	return newStatusError(resp)
}

func parseOffset(resp *http.Response) (int64, error) {
	v := resp.Header.Get("Upload-Offset")
	off, err := strconv.ParseInt(v, 10, 64)
	if err != nil || off < 0 {
		return 0, fmt.Errorf("invalid Upload-Offset %q", v)
	}
	return off, nil
}

func uploadMetadata(kv map[string]string) string {
	keys := []string{"bucketName", "objectName", "contentType", "cacheControl"}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := kv[k]; ok {
			parts = append(parts, k+" "+base64.StdEncoding.EncodeToString([]byte(v)))
		}
	}
	return strings.Join(parts, ",")
}

func newStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
