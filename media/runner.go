package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"vid2audio/config"
	"vid2audio/job"
)

type Runner struct {
	cfg       *config.Config
	tempDir   string
	ytdlpArgs []string
	ffArgs    []string
	remote    chan struct{}
	client    *http.Client
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create temp directory: %w", err)
	}

	ytArgs, err := SplitArgs(cfg.YtDlpExtraArgs)
	if err == nil {
		err = ValidateArgs(ytArgs)
	}
	if err != nil {
		return nil, fmt.Errorf("YTDLP_EXTRA_ARGS: %w", err)
	}
	ffArgs, err := SplitArgs(cfg.FFExtraArgs)
	if err == nil {
		err = ValidateArgs(ffArgs)
	}
	if err != nil {
		return nil, fmt.Errorf("FF_EXTRA_ARGS: %w", err)
	}

	slots := cfg.MaxRemoteDownloads
	if slots <= 0 {
		slots = 2
	}
	log.Info().Str("temp_dir", cfg.TempDir).Int("remote_slots", slots).Msg("media runner ready")

	return &Runner{
		cfg:       cfg,
		tempDir:   cfg.TempDir,
		ytdlpArgs: ytArgs,
		ffArgs:    ffArgs,
		remote:    make(chan struct{}, slots),
		client:    &http.Client{},
	}, nil
}

// CheckBinaries verifies that every external tool is on PATH.
func (r *Runner) CheckBinaries() error {
	var missing []string
	for _, bin := range []string{r.cfg.YtDlpBin, r.cfg.FFBin, r.cfg.FFProbeBin} {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("binaries not found or not in PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (r *Runner) TempDir() string { return r.tempDir }

func (r *Runner) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.ExtractTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.ExtractTimeout)
}

// Extract fetches a remote source and writes exactly one audio file into the scratch dir.
func (r *Runner) Extract(ctx context.Context, req Request, progress chan<- Progress) (out *Output, err error) {
	src, err := Classify(req.Locator)
	if err != nil {
		return nil, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	em := newEmitter(ctx, progress)

	defer func() {
		if err != nil {
			r.removeScratch(req.Token)
			err = classify(ctx, err)
		}
	}()

	if src.Kind == KindDirect {
		input, err := r.downloadDirect(ctx, src.URL.String(), req, em)
		if err != nil {
			return nil, err
		}
		defer os.Remove(input)
		return r.transcode(ctx, input, req, em)
	}

	select {
	case r.remote <- struct{}{}:
		defer func() { <-r.remote }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := r.checkResources(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}

	path, err := r.runYtDlp(ctx, req, src, em)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: output missing: %v", ErrExtractionFailed, err)
	}
	duration, perr := r.probeDuration(ctx, path)
	if perr != nil {
		log.Warn().Err(perr).Str("path", path).Msg("could not measure output duration")
	}
	if err := checkLimits(duration, st.Size(), req); err != nil {
		return nil, err
	}
	return &Output{
		Path:     path,
		Size:     st.Size(),
		Metadata: &job.Metadata{DurationSeconds: int(duration.Seconds()), Source: src.Platform},
	}, nil
}

// Transcode converts a local video file. The input file is left in place.
func (r *Runner) Transcode(ctx context.Context, inputPath string, req Request, progress chan<- Progress) (*Output, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	out, err := r.transcode(ctx, inputPath, req, newEmitter(ctx, progress))
	if err != nil {
		return nil, classify(ctx, err)
	}
	return out, nil
}

// classify maps context expiry onto ErrTimeout and leaves classified errors alone.
func classify(ctx context.Context, err error) error {
	for _, known := range []error{ErrTimeout, ErrTooLong, ErrFileTooLarge, ErrBusy, ErrInvalidInput, ErrUnsupported, ErrNotFound} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, ErrExtractionFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
}

// removeScratch deletes every scratch file written under token.
func (r *Runner) removeScratch(token string) {
	if token == "" {
		return
	}
	matches, _ := filepath.Glob(filepath.Join(r.tempDir, token+"_*"))
	for _, m := range matches {
		os.Remove(m)
	}
}

// SweepScratch removes scratch files older than maxAge and returns how many were removed.
// Files for which keep returns true are left alone; keep may be nil.
func (r *Runner) SweepScratch(maxAge time.Duration, keep func(name string) bool) (int, error) {
	entries, err := os.ReadDir(r.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if keep != nil && keep(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(r.tempDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// checkResources verifies that the system has enough free resources to start a new extraction.
func (r *Runner) checkResources() error {
	if r.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Warn().Err(err).Msg("could not get CPU usage")
		} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.cfg.ThrottleCPU)
		}
	}

	if r.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Warn().Err(err).Msg("could not get memory usage")
		} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.cfg.ThrottleFreeMem)
		}
	}

	if r.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(r.tempDir)
		if err != nil {
			log.Warn().Err(err).Str("dir", r.tempDir).Msg("could not get disk usage")
		} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}

type Resources struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemAvailable uint64  `json:"memory_available"`
	MemPercent   float64 `json:"memory_percent"`
	DiskFree     uint64  `json:"disk_free"`
}

// Resources samples current usage without blocking.
func (r *Runner) Resources() Resources {
	var res Resources
	if p, err := cpu.Percent(0, false); err == nil && len(p) > 0 {
		res.CPUPercent = p[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		res.MemAvailable = vm.Available
		res.MemPercent = vm.UsedPercent
	}
	if d, err := disk.Usage(r.tempDir); err == nil {
		res.DiskFree = d.Free
	}
	return res
}
