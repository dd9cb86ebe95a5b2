// Package engine drives jobs through their lifecycle: probe, extract, publish.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"

	"vid2audio/config"
	"vid2audio/job"
	"vid2audio/media"
	"vid2audio/queue"
	"vid2audio/storage"
)

// Extractor is the media capability the engine depends on.
type Extractor interface {
	Probe(ctx context.Context, locator string) (*job.Metadata, error)
	Extract(ctx context.Context, req media.Request, progress chan<- media.Progress) (*media.Output, error)
	Transcode(ctx context.Context, inputPath string, req media.Request, progress chan<- media.Progress) (*media.Output, error)
	SweepScratch(maxAge time.Duration, keep func(name string) bool) (int, error)
}

// ErrShuttingDown rejects work submitted after Shutdown has begun.
var ErrShuttingDown = errors.New("job engine is shutting down")

type Engine struct {
	cfg            *config.Config
	store          job.Store
	queue          queue.Queue
	extractor      Extractor
	publisher      storage.Publisher
	concurrencySem chan struct{}
	wg             sync.WaitGroup

	// mu guards closing so that wg.Add never races with Shutdown's wg.Wait.
	mu      sync.Mutex
	closing bool

	// jobCtx outlives client connections; abort cancels it when a shutdown deadline passes.
	jobCtx context.Context
	abort  context.CancelFunc

	now   func() time.Time
	token func() string
}

func New(cfg *config.Config, store job.Store, q queue.Queue, ex Extractor, pub storage.Publisher) *Engine {
	n := cfg.MaxConcurrency
	if n <= 0 {
		n = 1
	}
	jobCtx, abort := context.WithCancel(context.Background())
	return &Engine{
		cfg:            cfg,
		store:          store,
		queue:          q,
		extractor:      ex,
		publisher:      pub,
		concurrencySem: make(chan struct{}, n),
		jobCtx:         jobCtx,
		abort:          abort,
		now:            time.Now,
		token:          shortuuid.New,
	}
}

func (e *Engine) Start(ctx context.Context) {
	log.Info().Int("concurrency", cap(e.concurrencySem)).Msg("job engine started")
	go e.cleanupLoop(ctx)
	go e.workerLoop(ctx)
}

// Shutdown waits for in-flight jobs. When ctx expires first, running jobs are cancelled
// and recorded as failed before Shutdown returns ctx's error.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.abort()
		return nil
	case <-ctx.Done():
		log.Warn().Msg("shutdown deadline reached, cancelling running jobs")
		e.abort()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		return ctx.Err()
	}
}

// workerLoop pulls tasks from the queue and processes them
func (e *Engine) workerLoop(ctx context.Context) {
	for {
		t, err := e.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				log.Info().Msg("worker loop shutting down")
				return
			}
			log.Error().Err(err).Msg("queue pop failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		// Wait for a free processing slot
		select {
		case e.concurrencySem <- struct{}{}:
		case <-ctx.Done():
			if perr := e.queue.Push(context.Background(), t); perr != nil {
				log.Error().Err(perr).Str("job_id", t.JobID).Msg("could not requeue task on shutdown")
			}
			return
		}
		if !e.acquire() {
			<-e.concurrencySem
			if perr := e.queue.Push(context.Background(), t); perr != nil {
				log.Error().Err(perr).Str("job_id", t.JobID).Msg("could not requeue task on shutdown")
			}
			return
		}
		go func(t queue.Task) {
			defer e.wg.Done()
			defer func() { <-e.concurrencySem }()
			e.process(e.jobCtx, t, Options{})
		}(t)
	}
}

// acquire registers a running job unless Shutdown has begun.
func (e *Engine) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return false
	}
	e.wg.Add(1)
	return true
}

// cleanupLoop periodically sweeps old jobs and scratch files
func (e *Engine) cleanupLoop(ctx context.Context) {
	interval := e.cfg.CleanupInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("cleanup loop shutting down")
			return
		case <-ticker.C:
			if _, err := e.Cleanup(ctx); err != nil {
				log.Error().Err(err).Msg("periodic cleanup failed")
			}
		}
	}
}

type CleanupResult struct {
	FilesCleaned int `json:"files_cleaned"`
	JobsCleaned  int `json:"jobs_cleaned"`
}

// Cleanup removes terminal jobs past retention and stale scratch files.
func (e *Engine) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	var errs []error

	n, err := e.store.Sweep(ctx, e.cfg.JobRetention)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep jobs: %w", err))
	}
	res.JobsCleaned = n

	n, err = e.extractor.SweepScratch(e.cfg.ScratchRetention, e.claimedScratch(ctx))
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep scratch: %w", err))
	}
	res.FilesCleaned = n

	log.Info().Int("jobs_cleaned", res.JobsCleaned).Int("files_cleaned", res.FilesCleaned).Msg("cleanup finished")
	return res, errors.Join(errs...)
}

// claimedScratch reports whether a scratch file belongs to a job that has not finished.
// Received inputs are named {job id}_{filename}, so a queued upload survives the sweep.
func (e *Engine) claimedScratch(ctx context.Context) func(name string) bool {
	return func(name string) bool {
		id, _, ok := strings.Cut(name, "_")
		if !ok {
			return false
		}
		j, err := e.store.Get(ctx, id)
		return err == nil && !j.Status.Terminal()
	}
}

// Submission is a request to convert one source.
type Submission struct {
	Source  string
	Format  string
	Quality string
	Origin  job.Origin
}

// UploadSource is the locator recorded for uploaded files.
func UploadSource(filename string) string { return "upload://" + filename }

// Create validates a submission and records a pending job.
func (e *Engine) Create(ctx context.Context, s Submission) (*job.Job, error) {
	format, err := job.ParseFormat(s.Format)
	if err != nil {
		return nil, job.NewError(job.CodeValidation, err.Error(), err)
	}
	quality, err := job.ParseQuality(s.Quality)
	if err != nil {
		return nil, job.NewError(job.CodeValidation, err.Error(), err)
	}
	if !s.Origin.Valid() {
		return nil, job.NewError(job.CodeValidation, fmt.Sprintf("unknown origin %q", s.Origin), nil)
	}

	switch s.Origin {
	case job.OriginUpload, job.OriginUploadStreaming:
		name := strings.TrimPrefix(s.Source, "upload://")
		if !media.IsVideoFile(name) {
			return nil, job.NewError(job.CodeValidation, fmt.Sprintf("unsupported video file %q", name), nil)
		}
		s.Source = UploadSource(name)
	default:
		if _, err := media.Classify(s.Source); err != nil {
			return nil, job.NewError(job.CodeValidation, err.Error(), err)
		}
	}

	j, err := e.store.Create(ctx, strings.TrimSpace(s.Source), format, quality, s.Origin)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	log.Info().Str("job_id", j.ID).Str("origin", string(j.Origin)).Str("source", j.Source).Msg("job created")
	return j, nil
}

// Enqueue hands a task to the worker pool. A task that cannot be queued fails its job.
func (e *Engine) Enqueue(ctx context.Context, t queue.Task) error {
	if err := e.queue.Push(ctx, t); err != nil {
		if t.InputPath != "" {
			removeFile(t.InputPath)
		}
		jerr := job.NewError(job.CodeInternal, "could not queue job: "+err.Error(), err)
		e.Fail(ctx, t.JobID, jerr)
		return jerr
	}
	log.Debug().Str("job_id", t.JobID).Msg("task queued")
	return nil
}

// Submit creates a job and queues it for background processing.
func (e *Engine) Submit(ctx context.Context, s Submission) (*job.Job, error) {
	j, err := e.Create(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := e.Enqueue(ctx, queue.Task{JobID: j.ID}); err != nil {
		return nil, err
	}
	return j, nil
}

func (e *Engine) Probe(ctx context.Context, locator string) (*job.Metadata, error) {
	md, err := e.extractor.Probe(ctx, locator)
	if err != nil {
		return nil, probeError(err)
	}
	return md, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*job.Job, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) List(ctx context.Context, f job.Filter, limit int) ([]*job.Job, error) {
	return e.store.List(ctx, f, limit)
}

func (e *Engine) Stats(ctx context.Context) (job.Stats, error) {
	return e.store.Stats(ctx)
}

func (e *Engine) Delete(ctx context.Context, id string) (bool, error) {
	return e.store.Delete(ctx, id)
}

func (e *Engine) QueueLen(ctx context.Context) (int, error) {
	return e.queue.Len(ctx)
}

// StorageName names the active publisher.
func (e *Engine) StorageName() string {
	return e.publisher.Name()
}
