package job

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusDownloading Status = "downloading"
	StatusExtracting  Status = "extracting"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusProcessing, StatusDownloading, StatusExtracting,
	StatusUploading, StatusCompleted, StatusFailed,
}

// Terminal reports whether no further transitions may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether a worker is (or will be) driving a job in status s.
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal()
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Origin classifies how a job was submitted.
type Origin string

const (
	OriginAPI             Origin = "api"
	OriginWeb             Origin = "web"
	OriginUpload          Origin = "upload"
	OriginUploadStreaming Origin = "upload-streaming"
)

var Origins = []Origin{OriginAPI, OriginWeb, OriginUpload, OriginUploadStreaming}

func (o Origin) Valid() bool {
	for _, v := range Origins {
		if v == o {
			return true
		}
	}
	return false
}

type Format string

const (
	FormatMP3  Format = "mp3"
	FormatM4A  Format = "m4a"
	FormatWAV  Format = "wav"
	FormatOpus Format = "opus"
)

// ParseFormat accepts a case-insensitive format name; empty means mp3.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatMP3, nil
	case FormatMP3, FormatM4A, FormatWAV, FormatOpus:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format %q (expected mp3, m4a, wav or opus)", s)
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatM4A:
		return "audio/mp4"
	case FormatWAV:
		return "audio/wav"
	case FormatOpus:
		return "audio/opus"
	default:
		return "audio/mpeg"
	}
}

// Quality is an output bitrate in kbps.
type Quality string

const (
	QualityLow    Quality = "128"
	QualityMedium Quality = "192"
	QualityHigh   Quality = "256"
	QualityBest   Quality = "320"
)

// ParseQuality accepts "192", "192k" or "192kbps"; empty means 192.
func ParseQuality(s string) (Quality, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimSuffix(strings.TrimSuffix(v, "kbps"), "k")
	switch q := Quality(strings.TrimSpace(v)); q {
	case "":
		return QualityMedium, nil
	case QualityLow, QualityMedium, QualityHigh, QualityBest:
		return q, nil
	default:
		return "", fmt.Errorf("unsupported quality %q (expected 128, 192, 256 or 320)", s)
	}
}

// Metadata describes the source media. Empty fields mean "unknown".
type Metadata struct {
	ID              string `json:"id,omitempty"`
	Title           string `json:"title,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	Thumbnail       string `json:"thumbnail,omitempty"`
	Channel         string `json:"channel,omitempty"`
	Source          string `json:"source,omitempty"`
}

func (m *Metadata) DurationFormatted() string {
	if m == nil || m.DurationSeconds <= 0 {
		return "unknown"
	}
	return FormatDuration(m.DurationSeconds)
}

func (m *Metadata) empty() bool {
	return m == nil || *m == Metadata{}
}

// merge copies every non-empty field of src over m.
func (m *Metadata) merge(src *Metadata) {
	if src == nil {
		return
	}
	if src.ID != "" {
		m.ID = src.ID
	}
	if src.Title != "" {
		m.Title = src.Title
	}
	if src.DurationSeconds > 0 {
		m.DurationSeconds = src.DurationSeconds
	}
	if src.Thumbnail != "" {
		m.Thumbnail = src.Thumbnail
	}
	if src.Channel != "" {
		m.Channel = src.Channel
	}
	if src.Source != "" {
		m.Source = src.Source
	}
}

// Result is the terminal payload of a job.
type Result struct {
	Success           bool    `json:"success"`
	AudioURL          string  `json:"audio_url,omitempty"`
	Filename          string  `json:"filename,omitempty"`
	FileSize          int64   `json:"file_size,omitempty"`
	FileSizeFormatted string  `json:"file_size_formatted,omitempty"`
	Format            string  `json:"format,omitempty"`
	Quality           string  `json:"quality,omitempty"`
	ErrorCode         Code    `json:"error_code,omitempty"`
	Error             string  `json:"error,omitempty"`
	ProcessingTime    float64 `json:"processing_time"`
}

type Job struct {
	ID        string    `json:"job_id"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Stage     string    `json:"message"`
	Source    string    `json:"source"`
	Format    Format    `json:"format"`
	Quality   Quality   `json:"quality"`
	Origin    Origin    `json:"origin"`
	Metadata  *Metadata `json:"video_info,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j *Job) clone() *Job {
	c := *j
	if j.Metadata != nil {
		m := *j.Metadata
		c.Metadata = &m
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}

// Patch is a partial update; nil fields keep their stored value.
type Patch struct {
	Status   *Status
	Progress *int
	Stage    *string
	// Metadata is merged field by field; empty fields never erase stored values.
	Metadata *Metadata
	// ClearMetadata drops stored metadata before Metadata is merged.
	ClearMetadata bool
	Result        *Result
}

func (p Patch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, *p.Status)
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidPatch, *p.Progress)
	}
	terminal := p.Status != nil && p.Status.Terminal()
	if p.Result != nil && !terminal {
		return fmt.Errorf("%w: result requires a terminal status", ErrInvalidPatch)
	}
	if terminal && p.Result == nil {
		return fmt.Errorf("%w: terminal status requires a result", ErrInvalidPatch)
	}
	return nil
}

// Apply merges p into j and refreshes UpdatedAt. The patch must be valid and j non-terminal.
func (p Patch) Apply(j *Job, now time.Time) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Progress != nil {
		j.Progress = *p.Progress
	}
	if p.Stage != nil {
		j.Stage = *p.Stage
	}
	if p.ClearMetadata {
		j.Metadata = nil
	}
	if !p.Metadata.empty() {
		if j.Metadata == nil {
			j.Metadata = &Metadata{}
		}
		j.Metadata.merge(p.Metadata)
	}
	if p.Result != nil {
		r := *p.Result
		j.Result = &r
	}
	j.UpdatedAt = now
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Status Status
	Origin Origin
}

func (f Filter) match(j *Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Origin != "" && j.Origin != f.Origin {
		return false
	}
	return true
}

type Stats struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	ByStatus map[Status]int `json:"by_status"`
	ByOrigin map[Origin]int `json:"by_origin"`
}

func newStats() Stats {
	s := Stats{ByStatus: map[Status]int{}, ByOrigin: map[Origin]int{}}
	for _, st := range Statuses {
		s.ByStatus[st] = 0
	}
	for _, o := range Origins {
		s.ByOrigin[o] = 0
	}
	return s
}

func (s *Stats) add(status Status, origin Origin, n int) {
	s.Total += n
	s.ByStatus[status] += n
	s.ByOrigin[origin] += n
	if status.Active() {
		s.Active += n
	}
}

func StatusPtr(s Status) *Status { return &s }
func IntPtr(i int) *int          { return &i }
func StringPtr(s string) *string { return &s }

// FormatDuration renders seconds as M:SS or H:MM:SS.
func FormatDuration(seconds int) string {
	if seconds <= 0 {
		return "0:00"
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
