// Package storage publishes finished audio files to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	ErrSessionCreate = errors.New("upload session could not be created")
	ErrChunkUpload   = errors.New("chunk upload failed")
	ErrTimeout       = errors.New("upload timed out")
	ErrInvalidObject = errors.New("invalid object path")
)

// ChunkError reports the last offset the server acknowledged before retries ran out.
type ChunkError struct {
	Offset int64
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%v at offset %d: %v", ErrChunkUpload, e.Offset, e.Err)
}

func (e *ChunkError) Is(target error) bool { return target == ErrChunkUpload }
func (e *ChunkError) Unwrap() error        { return e.Err }

// Object describes a published file.
type Object struct {
	Path        string `json:"path"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Retries     int    `json:"retries"`
}

// Publisher uploads a local file under folder and returns its public location.
type Publisher interface {
	Name() string
	Upload(ctx context.Context, localPath, folder string) (*Object, error)
}

var (
	unsafeChars   = regexp.MustCompile(`[^a-zA-Z0-9_\-.]`)
	repeatedUnder = regexp.MustCompile(`_+`)
)

const maxFilenameLen = 100

// SanitizeFilename keeps only [A-Za-z0-9_.-], collapses the rest into single
// underscores and caps the length while preserving the extension.
func SanitizeFilename(name string) string {
	s := unsafeChars.ReplaceAllString(filepath.Base(name), "_")
	s = repeatedUnder.ReplaceAllString(s, "_")
	s = strings.TrimLeft(strings.Trim(s, "_"), ".")
	if s == "" {
		return "audio"
	}
	if len(s) > maxFilenameLen {
		ext := filepath.Ext(s)
		if len(ext) > 10 {
			ext = ""
		}
		stem := strings.TrimRight(s[:maxFilenameLen-len(ext)], "_.")
		s = stem + ext
	}
	return s
}

// ObjectPath builds folder/YYYYmmdd_HHMMSS_token_name. token may be empty.
func ObjectPath(folder, name string, now time.Time, token string) string {
	prefix := now.UTC().Format("20060102_150405") + "_"
	if token != "" {
		prefix += token + "_"
	}
	obj := prefix + SanitizeFilename(name)
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return obj
	}
	return path.Join(folder, obj)
}

// ContentType maps an audio file extension to its MIME type.
func ContentType(name string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "mp3":
		return "audio/mpeg"
	case "m4a":
		return "audio/mp4"
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/opus"
	default:
		return "application/octet-stream"
	}
}
