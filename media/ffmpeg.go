package media

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"vid2audio/job"
	"vid2audio/storage"
)

// codecArgs selects the encoder for a target format.
func codecArgs(f job.Format, q job.Quality) []string {
	bitrate := string(q) + "k"
	switch f {
	case job.FormatM4A:
		return []string{"-acodec", "aac", "-b:a", bitrate}
	case job.FormatWAV:
		return []string{"-acodec", "pcm_s16le"}
	case job.FormatOpus:
		return []string{"-acodec", "libopus", "-b:a", bitrate}
	default:
		return []string{"-acodec", "libmp3lame", "-b:a", bitrate}
	}
}

func (r *Runner) outputPath(req Request, inputPath string) string {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	stem = strings.TrimPrefix(stem, req.Token+"_")
	stem = storage.SanitizeFilename(stem)
	if len(stem) > 50 {
		stem = stem[:50]
	}
	return filepath.Join(r.tempDir, fmt.Sprintf("%s_%s.%s", req.Token, stem, req.Format))
}

func (r *Runner) transcode(ctx context.Context, inputPath string, req Request, em *emitter) (*Output, error) {
	duration, err := r.probeDuration(ctx, inputPath)
	if err != nil {
		log.Warn().Err(err).Str("path", inputPath).Msg("could not measure input duration")
	}
	if err := checkLimits(duration, 0, req); err != nil {
		return nil, err
	}
	if err := r.checkResources(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}

	out := r.outputPath(req, inputPath)
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", inputPath, "-vn"}
	args = append(args, codecArgs(req.Format, req.Quality)...)
	args = append(args, r.ffArgs...)
	args = append(args, "-progress", "pipe:1", "-nostats", out)

	cmd := exec.CommandContext(ctx, r.cfg.FFBin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	log.Debug().Str("token", req.Token).Str("cmd", strings.Join(cmd.Args, " ")).Msg("executing ffmpeg")
	em.send(PhaseExtracting, 0)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if pct, ok := parseFFProgress(scanner.Text(), duration); ok {
			em.send(PhaseExtracting, pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		os.Remove(out)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrExtractionFailed, err, stderr.lastLine())
	}

	st, err := os.Stat(out)
	if err != nil {
		return nil, fmt.Errorf("%w: output missing: %v", ErrExtractionFailed, err)
	}
	if err := checkLimits(0, st.Size(), req); err != nil {
		os.Remove(out)
		return nil, err
	}
	em.send(PhaseExtracting, 100)

	return &Output{
		Path:     out,
		Size:     st.Size(),
		Metadata: &job.Metadata{DurationSeconds: int(duration.Seconds())},
	}, nil
}

// parseFFProgress turns an `-progress` key=value line into a percent of total.
func parseFFProgress(line string, total time.Duration) (float64, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}
	switch key {
	case "progress":
		return 100, value == "end"
	case "out_time_us", "out_time_ms":
		if total <= 0 {
			return 0, false
		}
		// Both keys carry microseconds.
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return 0, false
		}
		return min(100, float64(us)/float64(total.Microseconds())*100), true
	}
	return 0, false
}

const ffprobeTimeout = 30 * time.Second

func (r *Runner) probeDuration(ctx context.Context, path string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, ffprobeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.cfg.FFProbeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseDuration(string(out))
}

func parseDuration(s string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration %q: %w", strings.TrimSpace(s), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) lastLine() string {
	lines := strings.Split(strings.TrimSpace(string(t.buf)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
