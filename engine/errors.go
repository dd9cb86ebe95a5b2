package engine

import (
	"context"
	"errors"
	"fmt"

	"vid2audio/job"
	"vid2audio/media"
	"vid2audio/storage"
)

// classify maps any failure onto a job error code.
func classify(ctx context.Context, err error) *job.Error {
	var jerr *job.Error
	if errors.As(err, &jerr) {
		return jerr
	}
	// An aborted job's tools die with their own errors; report the abort instead.
	if errors.Is(ctx.Err(), context.Canceled) {
		return job.NewError(job.CodeInternal, "processing cancelled", err)
	}
	switch {
	case errors.Is(err, media.ErrTimeout), errors.Is(err, storage.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return job.NewError(job.CodeTimeout, "Processing timed out: "+err.Error(), err)
	case errors.Is(err, media.ErrTooLong):
		return job.NewError(job.CodeVideoTooLong, err.Error(), err)
	case errors.Is(err, media.ErrFileTooLarge):
		return job.NewError(job.CodeFileTooLarge, err.Error(), err)
	case errors.Is(err, media.ErrInvalidInput), errors.Is(err, media.ErrUnsupported),
		errors.Is(err, media.ErrNotFound):
		return job.NewError(job.CodeValidation, err.Error(), err)
	case errors.Is(err, media.ErrExtractionFailed), errors.Is(err, media.ErrBusy):
		return job.NewError(job.CodeExtractionFailed, err.Error(), err)
	case errors.Is(err, storage.ErrChunkUpload), errors.Is(err, storage.ErrSessionCreate):
		return job.NewError(job.CodeUploadFailed, err.Error(), err)
	}
	return job.NewError(job.CodeInternal, err.Error(), err)
}

// probeError turns a probe failure into a validation error, unless it timed out.
func probeError(err error) *job.Error {
	if errors.Is(err, media.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return job.NewError(job.CodeTimeout, "Timed out while getting video info", err)
	}
	return job.NewError(job.CodeValidation, fmt.Sprintf("Could not get video info: %v", err), err)
}

func uploadError(ctx context.Context, err error) *job.Error {
	if errors.Is(err, storage.ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return job.NewError(job.CodeTimeout, "Upload timed out: "+err.Error(), err)
	}
	return job.NewError(job.CodeUploadFailed, "Upload failed: "+err.Error(), err)
}
