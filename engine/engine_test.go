package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vid2audio/config"
	"vid2audio/job"
	"vid2audio/media"
	"vid2audio/queue"
	"vid2audio/storage"
)

// recordingStore remembers the status and progress after every successful update.
type recordingStore struct {
	job.Store
	mu      sync.Mutex
	history []snapshot
}

type snapshot struct {
	Status   job.Status
	Progress int
}

func (s *recordingStore) Update(ctx context.Context, id string, p job.Patch) (*job.Job, error) {
	j, err := s.Store.Update(ctx, id, p)
	if err == nil {
		s.mu.Lock()
		s.history = append(s.history, snapshot{j.Status, j.Progress})
		s.mu.Unlock()
	}
	return j, err
}

// statuses lists the distinct statuses in the order they were entered.
func (s *recordingStore) statuses() []job.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Status
	for _, h := range s.history {
		if len(out) == 0 || out[len(out)-1] != h.Status {
			out = append(out, h.Status)
		}
	}
	return out
}

func (s *recordingStore) assertProgressMonotonic(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 1; i < len(s.history); i++ {
		if s.history[i].Status == job.StatusFailed {
			continue
		}
		assert.GreaterOrEqual(t, s.history[i].Progress, s.history[i-1].Progress, "update %d", i)
	}
}

// mockExtractor is a mock implementation of the Extractor interface for testing.
type mockExtractor struct {
	dir           string
	probeFunc     func(ctx context.Context, locator string) (*job.Metadata, error)
	extractFunc   func(ctx context.Context, req media.Request, ch chan<- media.Progress) (*media.Output, error)
	transcodeFunc func(ctx context.Context, input string, req media.Request, ch chan<- media.Progress) (*media.Output, error)
	sweepFunc     func(maxAge time.Duration, keep func(name string) bool) (int, error)
	extractCalls  atomic.Int32
	lastOutput    atomic.Value
}

func (m *mockExtractor) Probe(ctx context.Context, locator string) (*job.Metadata, error) {
	if m.probeFunc != nil {
		return m.probeFunc(ctx, locator)
	}
	return &job.Metadata{ID: "abc", Title: "Ten Minutes", DurationSeconds: 600, Source: "youtube"}, nil
}

func (m *mockExtractor) writeOutput(req media.Request) (*media.Output, error) {
	p := filepath.Join(m.dir, req.Token+"_out."+string(req.Format))
	if err := os.WriteFile(p, []byte("fake-audio-bytes"), 0o644); err != nil {
		return nil, err
	}
	m.lastOutput.Store(p)
	return &media.Output{Path: p, Size: 16, Metadata: &job.Metadata{DurationSeconds: 600}}, nil
}

func (m *mockExtractor) Extract(ctx context.Context, req media.Request, ch chan<- media.Progress) (*media.Output, error) {
	m.extractCalls.Add(1)
	if m.extractFunc != nil {
		return m.extractFunc(ctx, req, ch)
	}
	for _, p := range []media.Progress{
		{Phase: media.PhaseDownloading, Percent: 0},
		{Phase: media.PhaseDownloading, Percent: 50},
		{Phase: media.PhaseDownloading, Percent: 100},
		{Phase: media.PhaseExtracting, Percent: 50},
		{Phase: media.PhaseExtracting, Percent: 100},
	} {
		ch <- p
	}
	return m.writeOutput(req)
}

func (m *mockExtractor) Transcode(ctx context.Context, input string, req media.Request, ch chan<- media.Progress) (*media.Output, error) {
	if m.transcodeFunc != nil {
		return m.transcodeFunc(ctx, input, req, ch)
	}
	ch <- media.Progress{Phase: media.PhaseExtracting, Percent: 50}
	return m.writeOutput(req)
}

func (m *mockExtractor) SweepScratch(maxAge time.Duration, keep func(name string) bool) (int, error) {
	if m.sweepFunc != nil {
		return m.sweepFunc(maxAge, keep)
	}
	return 0, nil
}

func (m *mockExtractor) output() string {
	p, _ := m.lastOutput.Load().(string)
	return p
}

type mockPublisher struct {
	uploadFunc func(ctx context.Context, localPath, folder string) (*storage.Object, error)
}

func (m *mockPublisher) Name() string { return "mock" }

func (m *mockPublisher) Upload(ctx context.Context, localPath, folder string) (*storage.Object, error) {
	if m.uploadFunc != nil {
		return m.uploadFunc(ctx, localPath, folder)
	}
	st, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	p := folder + "/" + filepath.Base(localPath)
	return &storage.Object{Path: p, URL: "https://cdn.example.com/" + p, Size: st.Size(), ContentType: "audio/mpeg"}, nil
}

type testEnv struct {
	cfg       *config.Config
	store     *recordingStore
	queue     *queue.Memory
	extractor *mockExtractor
	publisher *mockPublisher
	engine    *Engine
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		TempDir:              t.TempDir(),
		MaxConcurrency:       1,
		MaxDuration:          60 * time.Minute,
		MaxFileSize:          1 << 20,
		RequestTimeout:       10 * time.Second,
		UploadFolder:         "audio",
		ReceiveChunkSize:     4,
		ReceiveProgressEvery: 8,
		JobRetention:         24 * time.Hour,
		ScratchRetention:     time.Hour,
		CleanupInterval:      time.Hour,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		cfg:       testConfig(t),
		store:     &recordingStore{Store: job.NewMemoryStore()},
		queue:     queue.NewMemory(10),
		extractor: &mockExtractor{dir: t.TempDir()},
		publisher: &mockPublisher{},
	}
	env.engine = New(env.cfg, env.store, env.queue, env.extractor, env.publisher)
	return env
}

func (env *testEnv) create(t *testing.T, s Submission) *job.Job {
	t.Helper()
	j, err := env.engine.Create(context.Background(), s)
	require.NoError(t, err)
	return j
}

func remote(url string) Submission {
	return Submission{Source: url, Format: "mp3", Quality: "192", Origin: job.OriginAPI}
}

func requireCode(t *testing.T, err error, code job.Code) *job.Error {
	t.Helper()
	var jerr *job.Error
	require.True(t, errors.As(err, &jerr), "expected *job.Error, got %v", err)
	assert.Equal(t, code, jerr.Code)
	return jerr
}

func TestEngine_RunRemoteCompletes(t *testing.T) {
	env := newTestEnv(t)
	j := env.create(t, remote("https://www.youtube.com/watch?v=abc"))

	out, err := env.engine.Run(context.Background(), queue.Task{JobID: j.ID}, Options{})
	require.NoError(t, err)

	got := out.Job
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Success)
	assert.NotEmpty(t, got.Result.AudioURL)
	assert.Greater(t, got.Result.FileSize, int64(0))
	assert.Equal(t, "mp3", got.Result.Format)
	assert.Equal(t, "192", got.Result.Quality)
	assert.Equal(t, "Ten Minutes.mp3", got.Result.Filename)
	assert.Equal(t, "Ten Minutes", got.Metadata.Title)
	assert.Equal(t, 600, got.Metadata.DurationSeconds)

	assert.Equal(t, []job.Status{
		job.StatusProcessing,
		job.StatusDownloading,
		job.StatusExtracting,
		job.StatusUploading,
		job.StatusCompleted,
	}, env.store.statuses())
	env.store.assertProgressMonotonic(t)
	assert.NoFileExists(t, env.extractor.output())
	assert.Empty(t, out.OutputPath)
}

func TestEngine_RunRejectsLongVideoBeforeExtraction(t *testing.T) {
	env := newTestEnv(t)
	env.extractor.probeFunc = func(context.Context, string) (*job.Metadata, error) {
		return &job.Metadata{Title: "Concert", DurationSeconds: 90 * 60}, nil
	}
	j := env.create(t, remote("https://youtu.be/long"))

	out, err := env.engine.Run(context.Background(), queue.Task{JobID: j.ID}, Options{})
	jerr := requireCode(t, err, job.CodeVideoTooLong)
	assert.Contains(t, jerr.Detail(), "90 min")

	assert.Equal(t, job.StatusFailed, out.Job.Status)
	assert.Equal(t, 0, out.Job.Progress)
	assert.Equal(t, "Error", out.Job.Stage)
	assert.False(t, out.Job.Result.Success)
	assert.Equal(t, job.CodeVideoTooLong, out.Job.Result.ErrorCode)
	assert.NotEmpty(t, out.Job.Result.Error)
	assert.Equal(t, "Concert", out.Job.Metadata.Title)

	assert.Zero(t, env.extractor.extractCalls.Load())
	assert.Equal(t, []job.Status{job.StatusProcessing, job.StatusFailed}, env.store.statuses())
}

func TestEngine_UploadFailureKeepsOffset(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.uploadFunc = func(context.Context, string, string) (*storage.Object, error) {
		return nil, &storage.ChunkError{Offset: 12582912, Err: errors.New("storage responded 503")}
	}
	j := env.create(t, remote("https://vimeo.com/42"))

	out, err := env.engine.Run(context.Background(), queue.Task{JobID: j.ID}, Options{})
	requireCode(t, err, job.CodeUploadFailed)
	assert.Equal(t, job.StatusFailed, out.Job.Status)
	assert.Contains(t, out.Job.Result.Error, "12582912")
	assert.NoFileExists(t, env.extractor.output())

	statuses := env.store.statuses()
	assert.Equal(t, []job.Status{job.StatusUploading, job.StatusFailed}, statuses[len(statuses)-2:])
}

func TestEngine_FailureClassification(t *testing.T) {
	tests := []struct {
		name    string
		probe   error
		extract error
		code    job.Code
	}{
		{"probe not found", fmt.Errorf("%w: Video unavailable", media.ErrNotFound), nil, job.CodeValidation},
		{"probe timeout", fmt.Errorf("%w: probe", media.ErrTimeout), nil, job.CodeTimeout},
		{"extraction failed", nil, fmt.Errorf("%w: yt-dlp exit 1", media.ErrExtractionFailed), job.CodeExtractionFailed},
		{"extraction timeout", nil, fmt.Errorf("%w: deadline", media.ErrTimeout), job.CodeTimeout},
		{"too long after download", nil, fmt.Errorf("%w: 2h > 1h", media.ErrTooLong), job.CodeVideoTooLong},
		{"too large after download", nil, fmt.Errorf("%w: big", media.ErrFileTooLarge), job.CodeFileTooLarge},
		{"busy", nil, fmt.Errorf("%w: memory", media.ErrBusy), job.CodeExtractionFailed},
		{"unexpected", nil, errors.New("disk on fire"), job.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.probe != nil {
				env.extractor.probeFunc = func(context.Context, string) (*job.Metadata, error) { return nil, tt.probe }
			}
			if tt.extract != nil {
				env.extractor.extractFunc = func(context.Context, media.Request, chan<- media.Progress) (*media.Output, error) {
					return nil, tt.extract
				}
			}
			j := env.create(t, remote("https://www.youtube.com/watch?v=x"))
			out, err := env.engine.Run(context.Background(), queue.Task{JobID: j.ID}, Options{})
			requireCode(t, err, tt.code)
			assert.Equal(t, job.StatusFailed, out.Job.Status)
			assert.Equal(t, tt.code, out.Job.Result.ErrorCode)
			assert.NotEmpty(t, out.Job.Result.Error)
		})
	}
}

func TestEngine_PanicBecomesInternalError(t *testing.T) {
	env := newTestEnv(t)
	env.extractor.extractFunc = func(context.Context, media.Request, chan<- media.Progress) (*media.Output, error) {
		panic("nil map")
	}
	j := env.create(t, remote("https://www.youtube.com/watch?v=x"))

	out, err := env.engine.Run(context.Background(), queue.Task{JobID: j.ID}, Options{})
	jerr := requireCode(t, err, job.CodeInternal)
	assert.Contains(t, jerr.Detail(), "nil map")
	assert.Equal(t, job.StatusFailed, out.Job.Status)
}

func TestEngine_RunRequestTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.RequestTimeout = 50 * time.Millisecond
	env.extractor.extractFunc = func(ctx context.Context, _ media.Request, _ chan<- media.Progress) (*media.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	j := env.create(t, remote("https://www.youtube.com/watch?v=x"))

	out, err := env.engine.Run(context.Background(), queue.Task{JobID: j.ID}, Options{})
	requireCode(t, err, job.CodeTimeout)
	assert.Equal(t, job.StatusFailed, out.Job.Status)
}

func TestEngine_RunIgnoresCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	j := env.create(t, remote("https://www.youtube.com/watch?v=x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := env.engine.Run(ctx, queue.Task{JobID: j.ID}, Options{})
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, out.Job.Status)
}

func TestEngine_KeepOutput(t *testing.T) {
	env := newTestEnv(t)
	j := env.create(t, remote("https://www.youtube.com/watch?v=x"))

	out, err := env.engine.Run(context.Background(), queue.Task{JobID: j.ID}, Options{KeepOutput: true})
	require.NoError(t, err)
	assert.FileExists(t, out.OutputPath)
	assert.Equal(t, env.extractor.output(), out.OutputPath)
}

func TestEngine_TerminalJobIsNotReprocessed(t *testing.T) {
	env := newTestEnv(t)
	j := env.create(t, remote("https://www.youtube.com/watch?v=x"))
	_, err := env.engine.Run(context.Background(), queue.Task{JobID: j.ID}, Options{})
	require.NoError(t, err)

	out, err := env.engine.Run(context.Background(), queue.Task{JobID: j.ID}, Options{})
	assert.ErrorIs(t, err, job.ErrTerminal)
	assert.Equal(t, job.StatusCompleted, out.Job.Status)
	assert.Equal(t, int32(1), env.extractor.extractCalls.Load())
}

func TestEngine_CreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		sub  Submission
	}{
		{"bad format", Submission{Source: "https://youtu.be/x", Format: "flac", Origin: job.OriginAPI}},
		{"bad quality", Submission{Source: "https://youtu.be/x", Quality: "64", Origin: job.OriginAPI}},
		{"unsupported site", remote("https://example.com/page")},
		{"not a url", remote("hello")},
		{"upload of a non-video", Submission{Source: "notes.txt", Origin: job.OriginUpload}},
		{"unknown origin", Submission{Source: "https://youtu.be/x", Origin: "cron"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Create(ctx, tt.sub)
			requireCode(t, err, job.CodeValidation)
		})
	}

	jobs, err := env.engine.List(ctx, job.Filter{}, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	j, err := env.engine.Create(ctx, Submission{Source: "Holiday.MOV", Origin: job.OriginUploadStreaming})
	require.NoError(t, err)
	assert.Equal(t, "upload://Holiday.MOV", j.Source)
	assert.Equal(t, job.FormatMP3, j.Format)
	assert.Equal(t, job.QualityMedium, j.Quality)
}

func TestEngine_ReceiveThenRunUpload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var transcoded string
	env.extractor.transcodeFunc = func(ctx context.Context, input string, req media.Request, ch chan<- media.Progress) (*media.Output, error) {
		transcoded = input
		ch <- media.Progress{Phase: media.PhaseExtracting, Percent: 30}
		ch <- media.Progress{Phase: media.PhaseExtracting, Percent: 90}
		return env.extractor.writeOutput(req)
	}
	j := env.create(t, Submission{Source: "My Holiday.mp4", Format: "m4a", Quality: "256", Origin: job.OriginUpload})

	task, err := env.engine.Receive(ctx, j.ID, "My Holiday.mp4", strings.NewReader(strings.Repeat("v", 20)))
	require.NoError(t, err)
	data, err := os.ReadFile(task.InputPath)
	require.NoError(t, err)
	assert.Len(t, data, 20)
	assert.True(t, strings.HasPrefix(task.InputPath, env.cfg.TempDir))

	received, err := env.engine.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, received.Status)
	assert.Equal(t, 15, received.Progress)

	out, err := env.engine.Run(ctx, task, Options{})
	require.NoError(t, err)
	assert.Equal(t, task.InputPath, transcoded)
	assert.Equal(t, job.StatusCompleted, out.Job.Status)
	assert.Equal(t, "My Holiday", out.Job.Metadata.Title)
	assert.Equal(t, "upload", out.Job.Metadata.Source)
	assert.Equal(t, "My Holiday.m4a", out.Job.Result.Filename)
	assert.NoFileExists(t, task.InputPath)
	assert.NoFileExists(t, env.extractor.output())

	assert.Equal(t, []job.Status{
		job.StatusProcessing,
		job.StatusExtracting,
		job.StatusUploading,
		job.StatusCompleted,
	}, env.store.statuses())
	env.store.assertProgressMonotonic(t)
}

func TestEngine_ReceiveEnforcesSizeLimit(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MaxFileSize = 10
	j := env.create(t, Submission{Source: "big.mp4", Origin: job.OriginUploadStreaming})

	_, err := env.engine.Receive(context.Background(), j.ID, "big.mp4", strings.NewReader(strings.Repeat("v", 20)))
	requireCode(t, err, job.CodeFileTooLarge)

	got, err := env.engine.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, job.CodeFileTooLarge, got.Result.ErrorCode)
	// Reads are 4 bytes, so the limit trips once 12 bytes have arrived.
	assert.Contains(t, got.Result.Error, "at least "+datasize.ByteSize(12).HumanReadable()+" received")
	assert.Contains(t, got.Result.Error, "Maximum allowed: "+datasize.ByteSize(10).HumanReadable())

	entries, err := os.ReadDir(env.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngine_ReceiveInterrupted(t *testing.T) {
	env := newTestEnv(t)
	j := env.create(t, Submission{Source: "clip.mp4", Origin: job.OriginUploadStreaming})

	body := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errors.New("connection reset by peer")))
	_, err := env.engine.Receive(context.Background(), j.ID, "clip.mp4", body)
	jerr := requireCode(t, err, job.CodeReceiveFailed)
	assert.Contains(t, jerr.Detail(), "connection reset")

	entries, _ := os.ReadDir(env.cfg.TempDir)
	assert.Empty(t, entries)
}

func TestEngine_BackgroundWorkers(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.engine.Start(ctx)

	j, err := env.engine.Submit(context.Background(), Submission{Source: "https://vimeo.com/1", Origin: job.OriginWeb})
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)

	assert.Eventually(t, func() bool {
		got, err := env.engine.Get(context.Background(), j.ID)
		return err == nil && got.Status == job.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	assert.NoError(t, env.engine.Shutdown(sctx))
}

func TestEngine_FullQueueFailsJob(t *testing.T) {
	env := newTestEnv(t)
	env.queue = queue.NewMemory(1)
	env.engine = New(env.cfg, env.store, env.queue, env.extractor, env.publisher)
	ctx := context.Background()

	_, err := env.engine.Submit(ctx, remote("https://youtu.be/a"))
	require.NoError(t, err)
	_, err = env.engine.Submit(ctx, remote("https://youtu.be/b"))
	requireCode(t, err, job.CodeInternal)

	failed, err := env.engine.List(ctx, job.Filter{Status: job.StatusFailed}, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "https://youtu.be/b", failed[0].Source)
}

func TestEngine_Cleanup(t *testing.T) {
	env := newTestEnv(t)
	var gotAge time.Duration
	env.extractor.sweepFunc = func(maxAge time.Duration, _ func(string) bool) (int, error) {
		gotAge = maxAge
		return 3, nil
	}
	j := env.create(t, remote("https://youtu.be/a"))

	res, err := env.engine.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{FilesCleaned: 3, JobsCleaned: 0}, res)
	assert.Equal(t, time.Hour, gotAge)

	_, err = env.engine.Get(context.Background(), j.ID)
	assert.NoError(t, err)
}

func TestEngine_CleanupKeepsQueuedInputs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	queued := env.create(t, Submission{Source: "clip.mp4", Origin: job.OriginUpload})
	task, err := env.engine.Receive(ctx, queued.ID, "clip.mp4", strings.NewReader("video-bytes"))
	require.NoError(t, err)

	done := env.create(t, remote("https://youtu.be/a"))
	_, err = env.engine.Run(ctx, queue.Task{JobID: done.ID}, Options{})
	require.NoError(t, err)

	var kept, swept []string
	env.extractor.sweepFunc = func(_ time.Duration, keep func(string) bool) (int, error) {
		require.NotNil(t, keep)
		for _, name := range []string{
			filepath.Base(task.InputPath),
			done.ID + "_old.mp4",
			"unknown_clip.mp4",
			"stray.m4a",
		} {
			if keep(name) {
				kept = append(kept, name)
			} else {
				swept = append(swept, name)
			}
		}
		return len(swept), nil
	}

	res, err := env.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.FilesCleaned)
	assert.Equal(t, []string{filepath.Base(task.InputPath)}, kept)
	assert.True(t, strings.HasPrefix(filepath.Base(task.InputPath), queued.ID+"_"))
}

func TestEngine_AbortedJobIsReportedAsCancelled(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	env.extractor.extractFunc = func(ctx context.Context, _ media.Request, _ chan<- media.Progress) (*media.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, fmt.Errorf("%w: signal: killed", media.ErrExtractionFailed)
	}
	j := env.create(t, remote("https://www.youtube.com/watch?v=x"))

	go func() {
		<-started
		env.engine.abort()
	}()
	out, err := env.engine.Run(context.Background(), queue.Task{JobID: j.ID}, Options{})
	jerr := requireCode(t, err, job.CodeInternal)
	assert.Equal(t, "processing cancelled", jerr.Detail())
	assert.ErrorIs(t, err, media.ErrExtractionFailed)
	assert.Equal(t, job.StatusFailed, out.Job.Status)
	assert.Equal(t, job.CodeInternal, out.Job.Result.ErrorCode)
}

func TestEngine_RunAfterShutdownFailsJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	j := env.create(t, Submission{Source: "clip.mp4", Origin: job.OriginUpload})
	task, err := env.engine.Receive(ctx, j.ID, "clip.mp4", strings.NewReader("video-bytes"))
	require.NoError(t, err)

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, env.engine.Shutdown(sctx))

	out, err := env.engine.Run(ctx, task, Options{})
	requireCode(t, err, job.CodeInternal)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, job.StatusFailed, out.Job.Status)
	assert.NoFileExists(t, task.InputPath)
	assert.Zero(t, env.extractor.extractCalls.Load())
}

func TestMapProgress(t *testing.T) {
	status, pct := mapProgress(media.Progress{Phase: media.PhaseDownloading, Percent: 100}, false)
	assert.Equal(t, job.StatusDownloading, status)
	assert.Equal(t, 60, pct)

	status, pct = mapProgress(media.Progress{Phase: media.PhaseExtracting, Percent: 0}, false)
	assert.Equal(t, job.StatusExtracting, status)
	assert.Equal(t, 60, pct)

	_, pct = mapProgress(media.Progress{Phase: media.PhaseExtracting, Percent: 100}, false)
	assert.Equal(t, 85, pct)

	_, pct = mapProgress(media.Progress{Phase: media.PhaseExtracting, Percent: 0}, true)
	assert.Equal(t, 40, pct)
}
