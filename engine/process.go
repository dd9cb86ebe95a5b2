package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog/log"

	"vid2audio/job"
	"vid2audio/media"
	"vid2audio/queue"
)

type Options struct {
	// KeepOutput leaves the local audio file in place for the caller, who must remove it.
	KeepOutput bool
}

type Outcome struct {
	Job        *job.Job
	OutputPath string
}

// Run processes a task in the caller's goroutine within REQUEST_TIMEOUT.
// The job keeps running if the caller's context is cancelled; only the timeout stops it.
// A failed job returns its Outcome together with a *job.Error.
func (e *Engine) Run(ctx context.Context, t queue.Task, opts Options) (*Outcome, error) {
	if !e.acquire() {
		if t.InputPath != "" {
			removeFile(t.InputPath)
		}
		return e.fail(ctx, t.JobID, time.Time{}, job.NewError(job.CodeInternal, "server is shutting down", ErrShuttingDown))
	}
	defer e.wg.Done()

	ctx = context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if e.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	stop := context.AfterFunc(e.jobCtx, cancel)
	defer stop()

	return e.process(ctx, t, opts)
}

// process drives one job to a terminal state. Every exit path removes the task's
// input file and, unless KeepOutput is set, the extracted audio.
func (e *Engine) process(ctx context.Context, t queue.Task, opts Options) (out *Outcome, err error) {
	start := e.now()
	logger := log.With().Str("job_id", t.JobID).Logger()

	var output string
	defer func() {
		if t.InputPath != "" {
			removeFile(t.InputPath)
		}
		if rec := recover(); rec != nil {
			logger.Error().Str("stack", string(debug.Stack())).Msgf("panic while processing job: %v", rec)
			err = job.NewError(job.CodeInternal, fmt.Sprintf("unexpected error: %v", rec), nil)
		}
		if err != nil {
			if output != "" {
				removeFile(output)
			}
			if !errors.Is(err, job.ErrNotFound) && !errors.Is(err, job.ErrTerminal) {
				out, err = e.fail(ctx, t.JobID, start, err)
			}
			return
		}
		if opts.KeepOutput {
			out.OutputPath = output
		} else if output != "" {
			removeFile(output)
		}
	}()

	j, err := e.store.Get(ctx, t.JobID)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return &Outcome{Job: j}, fmt.Errorf("job %s: %w", j.ID, job.ErrTerminal)
	}
	logger.Info().Str("source", j.Source).Msg("processing job")

	r := &run{e: e, ctx: ctx, job: j}
	var res *media.Output
	if t.InputPath != "" {
		res, err = r.fromUpload(t)
	} else {
		res, err = r.fromRemote()
	}
	if res != nil {
		output = res.Path
	}
	if err != nil {
		return nil, err
	}

	done, err := r.publish(res, start)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("url", done.Result.AudioURL).Float64("processing_time", done.Result.ProcessingTime).Msg("job completed")
	return &Outcome{Job: done}, nil
}

// run holds the per-job state threaded through the phases.
type run struct {
	e   *Engine
	ctx context.Context
	job *job.Job
}

func (r *run) step(status job.Status, progress int, stage string, md *job.Metadata) error {
	j, err := r.e.store.Update(r.ctx, r.job.ID, job.Patch{
		Status:   &status,
		Progress: &progress,
		Stage:    &stage,
		Metadata: md,
	})
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	r.job = j
	log.Debug().Str("job_id", j.ID).Str("status", string(status)).Int("progress", progress).Msg(stage)
	return nil
}

func (r *run) request() media.Request {
	return media.Request{
		Locator:     r.job.Source,
		Format:      r.job.Format,
		Quality:     r.job.Quality,
		Token:       r.e.token(),
		MaxDuration: r.e.cfg.MaxDuration,
		MaxBytes:    r.e.cfg.MaxFileSize,
	}
}

func (r *run) fromRemote() (*media.Output, error) {
	if err := r.step(job.StatusProcessing, 5, "Getting video info...", nil); err != nil {
		return nil, err
	}
	md, err := r.e.extractor.Probe(r.ctx, r.job.Source)
	if err != nil {
		return nil, probeError(err)
	}
	if err := r.step(job.StatusProcessing, 10, "Video info retrieved", md); err != nil {
		return nil, err
	}
	if err := r.checkDuration(md.DurationSeconds); err != nil {
		return nil, err
	}

	if err := r.step(job.StatusDownloading, 15, "Downloading video...", nil); err != nil {
		return nil, err
	}
	req := r.request()
	tr := r.track(false)
	defer tr.wait()
	res, err := r.e.extractor.Extract(r.ctx, req, tr.ch)
	tr.wait()
	if err != nil {
		return res, err
	}
	return res, r.finishExtraction(res, tr)
}

func (r *run) fromUpload(t queue.Task) (*media.Output, error) {
	st, err := os.Stat(t.InputPath)
	if err != nil {
		return nil, job.NewError(job.CodeReceiveFailed, "received file is missing", err)
	}
	if err := r.checkSize(st.Size()); err != nil {
		return nil, err
	}

	name := t.Filename
	if name == "" {
		name = strings.TrimPrefix(r.job.Source, "upload://")
	}
	md := &job.Metadata{
		Title:  strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)),
		Source: "upload",
	}
	if err := r.step(job.StatusExtracting, 40, "Extracting audio...", md); err != nil {
		return nil, err
	}

	req := r.request()
	tr := r.track(true)
	defer tr.wait()
	res, err := r.e.extractor.Transcode(r.ctx, t.InputPath, req, tr.ch)
	tr.wait()
	if err != nil {
		return res, err
	}
	return res, r.finishExtraction(res, tr)
}

// finishExtraction re-checks limits against the materialized file.
func (r *run) finishExtraction(res *media.Output, tr *tracker) error {
	if res == nil || res.Path == "" {
		return job.NewError(job.CodeExtractionFailed, "extraction produced no output", nil)
	}
	progress := max(85, tr.progress)
	if err := r.step(job.StatusExtracting, progress, "Audio extracted", res.Metadata); err != nil {
		return err
	}
	if res.Metadata != nil {
		if err := r.checkDuration(res.Metadata.DurationSeconds); err != nil {
			return err
		}
	}
	size := res.Size
	if st, err := os.Stat(res.Path); err == nil {
		size = st.Size()
	}
	return r.checkSize(size)
}

func (r *run) checkDuration(seconds int) error {
	limit := r.e.cfg.MaxDuration
	if limit <= 0 || seconds <= 0 || time.Duration(seconds)*time.Second <= limit {
		return nil
	}
	return job.NewError(job.CodeVideoTooLong,
		fmt.Sprintf("Video too long (%s, %d min). Maximum allowed: %d min",
			job.FormatDuration(seconds), seconds/60, int(limit.Minutes())), nil)
}

func (r *run) checkSize(size int64) error {
	limit := r.e.cfg.MaxFileSize
	if limit <= 0 || size <= limit {
		return nil
	}
	return job.NewError(job.CodeFileTooLarge,
		fmt.Sprintf("File too large (%s). Maximum allowed: %s",
			datasize.ByteSize(size).HumanReadable(), datasize.ByteSize(limit).HumanReadable()), nil)
}

func (r *run) publish(res *media.Output, start time.Time) (*job.Job, error) {
	if err := r.step(job.StatusUploading, 90, "Uploading to storage...", nil); err != nil {
		return nil, err
	}
	obj, err := r.e.publisher.Upload(r.ctx, res.Path, r.e.cfg.UploadFolder)
	if err != nil {
		return nil, uploadError(r.ctx, err)
	}
	if obj.Retries > 0 {
		log.Info().Str("job_id", r.job.ID).Int("retries", obj.Retries).Msg("upload needed retries")
	}

	completed := job.StatusCompleted
	result := &job.Result{
		Success:           true,
		AudioURL:          obj.URL,
		Filename:          r.filename(res),
		FileSize:          obj.Size,
		FileSizeFormatted: datasize.ByteSize(obj.Size).HumanReadable(),
		Format:            string(r.job.Format),
		Quality:           string(r.job.Quality),
		ProcessingTime:    r.e.elapsed(start),
	}
	j, err := r.e.store.Update(r.ctx, r.job.ID, job.Patch{
		Status:   &completed,
		Progress: job.IntPtr(100),
		Stage:    job.StringPtr("Completed!"),
		Result:   result,
	})
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	return j, nil
}

// filename is the human-facing name of the audio file.
func (r *run) filename(res *media.Output) string {
	if r.job.Metadata != nil && r.job.Metadata.Title != "" {
		return r.job.Metadata.Title + "." + string(r.job.Format)
	}
	return filepath.Base(res.Path)
}

func (e *Engine) elapsed(start time.Time) float64 {
	return math.Round(e.now().Sub(start).Seconds()*100) / 100
}

// Fail records err on a job that has not yet reached a terminal state.
func (e *Engine) Fail(ctx context.Context, jobID string, err error) *job.Job {
	j, _ := e.fail(ctx, jobID, time.Time{}, err)
	if j == nil {
		return nil
	}
	return j.Job
}

func (e *Engine) fail(ctx context.Context, jobID string, start time.Time, cause error) (*Outcome, error) {
	jerr := classify(ctx, cause)
	log.Error().Err(cause).Str("job_id", jobID).Str("error_code", string(jerr.Code)).Msg("job failed")

	// The job context may already be done; the failure must still be recorded.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	result := &job.Result{
		Success:   false,
		ErrorCode: jerr.Code,
		Error:     jerr.Detail(),
	}
	if !start.IsZero() {
		result.ProcessingTime = e.elapsed(start)
	}
	if cur, err := e.store.Get(uctx, jobID); err == nil {
		result.Format = string(cur.Format)
		result.Quality = string(cur.Quality)
	}

	failed := job.StatusFailed
	j, err := e.store.Update(uctx, jobID, job.Patch{
		Status:   &failed,
		Progress: job.IntPtr(0),
		Stage:    job.StringPtr("Error"),
		Result:   result,
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("could not record job failure")
		return nil, jerr
	}
	return &Outcome{Job: j}, jerr
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("could not remove temp file")
	}
}
