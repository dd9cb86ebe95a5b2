// Package media turns a source locator or a local video file into an audio file
// using yt-dlp, ffprobe and ffmpeg.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vid2audio/job"
)

var (
	ErrInvalidInput     = errors.New("invalid source locator")
	ErrUnsupported      = errors.New("unsupported platform")
	ErrNotFound         = errors.New("source not found")
	ErrTooLong          = errors.New("media exceeds the maximum duration")
	ErrFileTooLarge     = errors.New("media exceeds the maximum file size")
	ErrExtractionFailed = errors.New("audio extraction failed")
	ErrTimeout          = errors.New("extraction timed out")
	ErrBusy             = errors.New("insufficient system resources")
)

type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseExtracting  Phase = "extracting"
)

// Progress is a percent in [0,100] within one phase.
type Progress struct {
	Phase   Phase
	Percent float64
}

type Request struct {
	Locator string
	Format  job.Format
	Quality job.Quality
	// Token namespaces every scratch file written for this request.
	Token       string
	MaxDuration time.Duration
	MaxBytes    int64
}

// Output is the single audio file produced by an extraction.
type Output struct {
	Path     string
	Size     int64
	Metadata *job.Metadata
}

// emitter forwards progress, dropping values that would move a phase backwards.
type emitter struct {
	ctx  context.Context
	ch   chan<- Progress
	last map[Phase]float64
}

func newEmitter(ctx context.Context, ch chan<- Progress) *emitter {
	return &emitter{ctx: ctx, ch: ch, last: map[Phase]float64{}}
}

func (e *emitter) send(phase Phase, pct float64) {
	if e.ch == nil {
		return
	}
	pct = max(0, min(100, pct))
	if last, ok := e.last[phase]; ok && pct <= last {
		return
	}
	e.last[phase] = pct
	select {
	case e.ch <- Progress{Phase: phase, Percent: pct}:
	case <-e.ctx.Done():
	}
}

func checkLimits(duration time.Duration, size int64, req Request) error {
	if req.MaxDuration > 0 && duration > req.MaxDuration {
		return fmt.Errorf("%w: %s > %s", ErrTooLong, duration.Round(time.Second), req.MaxDuration)
	}
	if req.MaxBytes > 0 && size > req.MaxBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, size, req.MaxBytes)
	}
	return nil
}
