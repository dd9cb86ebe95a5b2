package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"

	"vid2audio/job"
	"vid2audio/queue"
	"vid2audio/storage"
)

// Receive streams an uploaded body into the scratch dir in bounded reads, reporting
// progress as it goes. On failure the partial file is removed and the job is failed.
func (e *Engine) Receive(ctx context.Context, jobID, filename string, body io.Reader) (t queue.Task, err error) {
	if err := os.MkdirAll(e.cfg.TempDir, 0o755); err != nil {
		return t, e.receiveFailed(ctx, jobID, job.NewError(job.CodeInternal, "could not create temp dir", err))
	}
	// The job id prefix lets the scratch sweep recognise inputs still waiting in the queue.
	path := filepath.Join(e.cfg.TempDir, jobID+"_"+storage.SanitizeFilename(filename))
	f, err := os.Create(path)
	if err != nil {
		return t, e.receiveFailed(ctx, jobID, job.NewError(job.CodeInternal, "could not create temp file", err))
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = e.receiveFailed(ctx, jobID, job.NewError(job.CodeReceiveFailed, "could not write received file", cerr))
		}
		if err != nil {
			removeFile(path)
		}
	}()

	r := &run{e: e, ctx: context.WithoutCancel(ctx), job: &job.Job{ID: jobID}}
	if err := r.step(job.StatusProcessing, 5, "Receiving file...", nil); err != nil {
		return t, err
	}

	chunk := e.cfg.ReceiveChunkSize
	if chunk <= 0 {
		chunk = 8 << 20
	}
	every := e.cfg.ReceiveProgressEvery
	if every <= 0 {
		every = 50 << 20
	}
	buf := make([]byte, chunk)
	var total, reported int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			total += int64(n)
			if e.cfg.MaxFileSize > 0 && total > e.cfg.MaxFileSize {
				return t, e.receiveFailed(ctx, jobID, job.NewError(job.CodeFileTooLarge,
					fmt.Sprintf("File too large (at least %s received). Maximum allowed: %s",
						datasize.ByteSize(total).HumanReadable(), datasize.ByteSize(e.cfg.MaxFileSize).HumanReadable()), nil))
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return t, e.receiveFailed(ctx, jobID, job.NewError(job.CodeReceiveFailed, "could not write received file", werr))
			}
			if total-reported >= every {
				reported = total
				progress := min(5+int(float64(total)/float64(datasize.GB)*10), 15)
				stage := fmt.Sprintf("Receiving file... (%s)", datasize.ByteSize(total).HumanReadable())
				if err := r.step(job.StatusProcessing, progress, stage, nil); err != nil {
					return t, err
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return t, e.receiveFailed(ctx, jobID, job.NewError(job.CodeTimeout, "Timed out while receiving file", rerr))
			}
			return t, e.receiveFailed(ctx, jobID, job.NewError(job.CodeReceiveFailed, "Upload interrupted: "+rerr.Error(), rerr))
		}
	}
	if total == 0 {
		return t, e.receiveFailed(ctx, jobID, job.NewError(job.CodeValidation, "Uploaded file is empty", nil))
	}

	if err := r.step(job.StatusProcessing, 15, "File received", nil); err != nil {
		return t, err
	}
	return queue.Task{JobID: jobID, InputPath: path, Filename: filename}, nil
}

func (e *Engine) receiveFailed(ctx context.Context, jobID string, jerr *job.Error) error {
	_, err := e.fail(ctx, jobID, time.Time{}, jerr)
	return err
}
