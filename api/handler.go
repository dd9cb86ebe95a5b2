package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"vid2audio/config"
	"vid2audio/engine"
	"vid2audio/job"
	"vid2audio/media"
	"vid2audio/queue"
	"vid2audio/storage"
)

// Monitor reports host resource usage for the health endpoint.
type Monitor interface {
	Resources() media.Resources
}

// Deps are the optional collaborators of a Handler.
type Deps struct {
	Version string
	Monitor Monitor
	// Files serves /files/*path when the local publisher is active.
	Files *storage.LocalFS
}

type Handler struct {
	engine *engine.Engine
	cfg    *config.Config
	deps   Deps
}

func NewHandler(eng *engine.Engine, cfg *config.Config, deps Deps) *Handler {
	return &Handler{
		engine: eng,
		cfg:    cfg,
		deps:   deps,
	}
}

type ProcessRequest struct {
	VideoURL string `json:"video_url" binding:"required"`
	Format   string `json:"format"`
	Quality  string `json:"quality"`
}

type ExtractRequest struct {
	URL     string `json:"url" binding:"required"`
	Format  string `json:"format"`
	Quality string `json:"quality"`
}

// ProcessResponse is the body of the synchronous JSON endpoints.
type ProcessResponse struct {
	Status            string        `json:"status"`
	JobID             string        `json:"job_id"`
	AudioURL          string        `json:"audio_url,omitempty"`
	Filename          string        `json:"filename,omitempty"`
	VideoInfo         *job.Metadata `json:"video_info,omitempty"`
	FileSize          int64         `json:"file_size,omitempty"`
	FileSizeFormatted string        `json:"file_size_formatted,omitempty"`
	Duration          int           `json:"duration,omitempty"`
	DurationFormatted string        `json:"duration_formatted,omitempty"`
	Format            string        `json:"format,omitempty"`
	Quality           string        `json:"quality,omitempty"`
	ProcessingTime    float64       `json:"processing_time"`
}

type videoInfo struct {
	*job.Metadata
	DurationFormatted string `json:"duration_formatted"`
}

// handleHealth reports service status, queue depth and host resources.
func (h *Handler) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":               "healthy",
		"version":              h.deps.Version,
		"storage":              h.engine.StorageName(),
		"max_duration_minutes": int(h.cfg.MaxDuration.Minutes()),
	}
	if n, err := h.engine.QueueLen(c.Request.Context()); err == nil {
		body["queue_length"] = n
	} else {
		log.Warn().Err(err).Msg("could not read queue length")
	}
	if h.deps.Monitor != nil {
		body["resources"] = h.deps.Monitor.Resources()
	}
	c.JSON(http.StatusOK, body)
}

// handleInfo probes a locator without downloading it.
func (h *Handler) handleInfo(c *gin.Context) {
	locator := strings.TrimSpace(c.Query("url"))
	if locator == "" {
		abortWithError(c, job.NewError(job.CodeValidation, "url query parameter is required", nil))
		return
	}
	md, err := h.engine.Probe(c.Request.Context(), locator)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, videoInfo{Metadata: md, DurationFormatted: md.DurationFormatted()})
}

// handleProcess converts a remote video and answers once the job is terminal.
func (h *Handler) handleProcess(c *gin.Context) {
	out, ok := h.runRemote(c, engine.Options{})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.processResponse(c, out.Job))
}

// handleProcessDownload converts a remote video and streams the audio back.
func (h *Handler) handleProcessDownload(c *gin.Context) {
	out, ok := h.runRemote(c, engine.Options{KeepOutput: true})
	if !ok {
		return
	}
	h.sendAudio(c, out)
}

// handleExtract queues a remote video for background conversion.
func (h *Handler) handleExtract(c *gin.Context) {
	var req ExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, job.NewError(job.CodeValidation, err.Error(), err))
		return
	}
	j, err := h.engine.Submit(c.Request.Context(), engine.Submission{
		Source:  req.URL,
		Format:  req.Format,
		Quality: req.Quality,
		Origin:  job.OriginWeb,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, j)
}

func (h *Handler) runRemote(c *gin.Context, opts engine.Options) (*engine.Outcome, bool) {
	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, job.NewError(job.CodeValidation, err.Error(), err))
		return nil, false
	}
	j, err := h.engine.Create(c.Request.Context(), engine.Submission{
		Source:  req.VideoURL,
		Format:  req.Format,
		Quality: req.Quality,
		Origin:  job.OriginAPI,
	})
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	return h.run(c, queue.Task{JobID: j.ID}, opts)
}

// handleUpload converts an uploaded video and answers once the job is terminal.
func (h *Handler) handleUpload(c *gin.Context) {
	t, ok := h.receiveForm(c)
	if !ok {
		return
	}
	out, ok := h.run(c, t, engine.Options{})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.processResponse(c, out.Job))
}

// handleUploadDownload converts an uploaded video and streams the audio back.
func (h *Handler) handleUploadDownload(c *gin.Context) {
	t, ok := h.receiveForm(c)
	if !ok {
		return
	}
	out, ok := h.run(c, t, engine.Options{KeepOutput: true})
	if !ok {
		return
	}
	h.sendAudio(c, out)
}

// handleUploadExtract receives the whole file, then queues it.
func (h *Handler) handleUploadExtract(c *gin.Context) {
	t, ok := h.receiveForm(c)
	if !ok {
		return
	}
	if err := h.engine.Enqueue(c.Request.Context(), t); err != nil {
		abortWithError(c, err)
		return
	}
	j, err := h.engine.Get(c.Request.Context(), t.JobID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, j)
}

// handleUploadStreaming acknowledges the job before the file arrives, then keeps
// reading the body on the same request and queues the job once it is complete.
// Form fields must precede the file part.
func (h *Handler) handleUploadStreaming(c *gin.Context) {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		abortWithError(c, job.NewError(job.CodeValidation, "multipart form expected: "+err.Error(), err))
		return
	}
	fields := map[string]string{}
	var file *multipart.Part
	for file == nil {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			abortWithError(c, job.NewError(job.CodeValidation, "malformed multipart body: "+err.Error(), err))
			return
		}
		if part.FormName() == "file" {
			file = part
			continue
		}
		value, _ := io.ReadAll(io.LimitReader(part, 1024))
		fields[part.FormName()] = strings.TrimSpace(string(value))
	}
	if file == nil || file.FileName() == "" {
		abortWithError(c, job.NewError(job.CodeValidation, "file is required", nil))
		return
	}

	j, err := h.engine.Create(c.Request.Context(), engine.Submission{
		Source:  file.FileName(),
		Format:  fields["format"],
		Quality: fields["quality"],
		Origin:  job.OriginUploadStreaming,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, j)
	c.Writer.Flush()

	t, err := h.engine.Receive(c.Request.Context(), j.ID, file.FileName(), file)
	if err != nil {
		log.Warn().Err(err).Str("job_id", j.ID).Msg("streaming upload not received")
		return
	}
	if err := h.engine.Enqueue(context.WithoutCancel(c.Request.Context()), t); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("could not queue streamed upload")
	}
}

// receiveForm creates an upload job from a multipart form and copies the file to scratch.
func (h *Handler) receiveForm(c *gin.Context) (queue.Task, bool) {
	fh, err := c.FormFile("file")
	if err != nil {
		abortWithError(c, job.NewError(job.CodeValidation, "file is required", err))
		return queue.Task{}, false
	}
	j, err := h.engine.Create(c.Request.Context(), engine.Submission{
		Source:  fh.Filename,
		Format:  c.PostForm("format"),
		Quality: c.PostForm("quality"),
		Origin:  job.OriginUpload,
	})
	if err != nil {
		abortWithError(c, err)
		return queue.Task{}, false
	}

	f, err := fh.Open()
	if err != nil {
		jerr := job.NewError(job.CodeReceiveFailed, "could not read uploaded file", err)
		h.engine.Fail(c.Request.Context(), j.ID, jerr)
		abortWithJobError(c, j.ID, jerr)
		return queue.Task{}, false
	}
	defer f.Close()

	t, err := h.engine.Receive(c.Request.Context(), j.ID, fh.Filename, f)
	if err != nil {
		abortWithJobError(c, j.ID, err)
		return queue.Task{}, false
	}
	return t, true
}

func (h *Handler) run(c *gin.Context, t queue.Task, opts engine.Options) (*engine.Outcome, bool) {
	out, err := h.engine.Run(c.Request.Context(), t, opts)
	if err != nil {
		abortWithJobError(c, t.JobID, err)
		return nil, false
	}
	return out, true
}

func (h *Handler) processResponse(c *gin.Context, j *job.Job) ProcessResponse {
	resp := ProcessResponse{
		Status:    "success",
		JobID:     j.ID,
		VideoInfo: j.Metadata,
		Format:    string(j.Format),
		Quality:   string(j.Quality),
	}
	if j.Metadata != nil {
		resp.Duration = j.Metadata.DurationSeconds
		resp.DurationFormatted = j.Metadata.DurationFormatted()
	}
	if r := j.Result; r != nil {
		resp.AudioURL = h.absoluteURL(c, r.AudioURL)
		resp.Filename = r.Filename
		resp.FileSize = r.FileSize
		resp.FileSizeFormatted = r.FileSizeFormatted
		resp.ProcessingTime = r.ProcessingTime
	}
	return resp
}

// sendAudio streams the kept output file, then removes it.
func (h *Handler) sendAudio(c *gin.Context, out *engine.Outcome) {
	defer func() {
		if out.OutputPath != "" {
			if err := os.Remove(out.OutputPath); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", out.OutputPath).Msg("could not remove streamed audio")
			}
		}
	}()
	j := out.Job
	if out.OutputPath == "" || j.Result == nil {
		abortWithJobError(c, j.ID, job.NewError(job.CodeInternal, "audio file is not available", nil))
		return
	}

	title := ""
	if j.Metadata != nil {
		title = j.Metadata.Title
	}
	c.Header("Content-Type", j.Format.ContentType())
	c.Header("X-Audio-URL", h.absoluteURL(c, j.Result.AudioURL))
	c.Header("X-Job-ID", j.ID)
	c.Header("X-Video-Title", headerValue(title, 100))
	c.Header("X-Processing-Time", strconv.FormatFloat(j.Result.ProcessingTime, 'f', 2, 64))
	c.Header("X-File-Size", j.Result.FileSizeFormatted)
	c.FileAttachment(out.OutputPath, j.Result.Filename)
}

// handleListJobs lists jobs, newest first.
func (h *Handler) handleListJobs(c *gin.Context) {
	var f job.Filter
	if s := c.Query("status"); s != "" {
		f.Status = job.Status(s)
		if !f.Status.Valid() {
			abortWithError(c, job.NewError(job.CodeValidation, fmt.Sprintf("unknown status %q", s), nil))
			return
		}
	}
	if o := c.Query("origin"); o != "" {
		f.Origin = job.Origin(o)
		if !f.Origin.Valid() {
			abortWithError(c, job.NewError(job.CodeValidation, fmt.Sprintf("unknown origin %q", o), nil))
			return
		}
	}
	limit := 0
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			abortWithError(c, job.NewError(job.CodeValidation, fmt.Sprintf("invalid limit %q", l), err))
			return
		}
		limit = n
	}

	jobs, err := h.engine.List(c.Request.Context(), f, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	for _, j := range jobs {
		h.buildDownloadURL(c, j)
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) handleJobStats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleGetJob retrieves the status of a single job.
func (h *Handler) handleGetJob(c *gin.Context) {
	j, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	h.buildDownloadURL(c, j)
	c.JSON(http.StatusOK, j)
}

func (h *Handler) handleDeleteJob(c *gin.Context) {
	ok, err := h.engine.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !ok {
		abortWithError(c, job.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job deleted"})
}

func (h *Handler) handleCleanup(c *gin.Context) {
	res, err := h.engine.Cleanup(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":         err.Error(),
			"error_code":    job.CodeInternal,
			"files_cleaned": res.FilesCleaned,
			"jobs_cleaned":  res.JobsCleaned,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleGetFile serves a file published by the local publisher.
func (h *Handler) handleGetFile(c *gin.Context) {
	if h.deps.Files == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File serving is disabled"})
		return
	}
	p, err := h.deps.Files.Resolve(c.Param("path"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if st, err := os.Stat(p); err != nil || st.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	c.File(p)
}

// buildDownloadURL makes a relative audio URL absolute using the request host.
func (h *Handler) buildDownloadURL(c *gin.Context, j *job.Job) {
	if j.Result == nil || j.Result.AudioURL == "" {
		return
	}
	j.Result.AudioURL = h.absoluteURL(c, j.Result.AudioURL)
}

func (h *Handler) absoluteURL(c *gin.Context, u string) string {
	if !strings.HasPrefix(u, "/") {
		return u
	}
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	return strings.TrimSuffix(baseURL, "/") + u
}

// abortWithError writes {"error", "error_code"} with the status matching err.
func abortWithError(c *gin.Context, err error) {
	abortWithJobError(c, "", err)
}

func abortWithJobError(c *gin.Context, jobID string, err error) {
	body := gin.H{}
	if jobID != "" {
		body["job_id"] = jobID
	}
	var jerr *job.Error
	switch {
	case errors.As(err, &jerr):
		body["error"] = jerr.Detail()
		body["error_code"] = jerr.Code
		c.AbortWithStatusJSON(jerr.HTTPStatus(), body)
	case errors.Is(err, job.ErrNotFound):
		body["error"] = "Job not found"
		c.AbortWithStatusJSON(http.StatusNotFound, body)
	default:
		body["error"] = err.Error()
		body["error_code"] = job.CodeInternal
		c.AbortWithStatusJSON(http.StatusInternalServerError, body)
	}
}

// headerValue escapes s for use in a response header, keeping at most n runes.
func headerValue(s string, n int) string {
	if utf8.RuneCountInString(s) > n {
		s = string([]rune(s)[:n])
	}
	return url.PathEscape(s)
}
