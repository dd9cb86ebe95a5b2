package media

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"vid2audio/job"
)

var progressRe = regexp.MustCompile(`\[download\]\s+(\d+\.?\d*)%`)

// infoJSON is the subset of yt-dlp --dump-json output we use.
type infoJSON struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
	Channel   string  `json:"channel"`
	Uploader  string  `json:"uploader"`
}

const probeTimeout = 60 * time.Second

// Probe resolves metadata without downloading the media body.
func (r *Runner) Probe(ctx context.Context, locator string) (*job.Metadata, error) {
	src, err := Classify(locator)
	if err != nil {
		return nil, err
	}
	if src.Kind == KindDirect {
		return &job.Metadata{
			ID:     path.Base(src.URL.Path),
			Title:  strings.TrimSuffix(path.Base(src.URL.Path), path.Ext(src.URL.Path)),
			Source: src.Platform,
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := []string{"--dump-json", "--skip-download", "--no-warnings", "--no-playlist"}
	if r.cfg.CookiesFile != "" {
		args = append(args, "--cookies", r.cfg.CookiesFile)
	}
	args = append(args, r.ytdlpArgs...)
	args = append(args, "--", src.URL.String())

	cmd := exec.CommandContext(ctx, r.cfg.YtDlpBin, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: probe %s", ErrTimeout, locator)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, lastErrorLine(stderr.String(), err))
	}

	info, err := parseInfo(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	md := info.metadata()
	md.Source = src.Platform
	return md, nil
}

func parseInfo(out []byte) (*infoJSON, error) {
	var info infoJSON
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("parse info: %w", err)
	}
	return &info, nil
}

func (i *infoJSON) metadata() *job.Metadata {
	channel := i.Channel
	if channel == "" {
		channel = i.Uploader
	}
	return &job.Metadata{
		ID:              i.ID,
		Title:           i.Title,
		DurationSeconds: int(i.Duration),
		Thumbnail:       i.Thumbnail,
		Channel:         channel,
	}
}

func lastErrorLine(stderr string, err error) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); strings.HasPrefix(l, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(l, "ERROR:"))
		}
	}
	return err.Error()
}

// parseYtDlpLine reports the phase and percent announced by one line of --newline output.
func parseYtDlpLine(line string) (Phase, float64, bool) {
	if m := progressRe.FindStringSubmatch(line); len(m) == 2 {
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return "", 0, false
		}
		return PhaseDownloading, pct, true
	}
	if strings.Contains(line, "[ExtractAudio]") {
		return PhaseExtracting, 0, true
	}
	return "", 0, false
}

func (r *Runner) ytdlpArgsFor(req Request, src *Source) []string {
	args := []string{
		"-x",
		"--audio-format", string(req.Format),
		"--audio-quality", string(req.Quality) + "K",
		"--newline",
		"--progress",
		"--no-warnings",
		"--no-playlist",
		"--restrict-filenames",
		"--no-simulate",
		"--print", "after_move:filepath",
		"-o", filepath.Join(r.tempDir, req.Token+"_%(title).50s.%(ext)s"),
	}
	if r.cfg.CookiesFile != "" {
		args = append(args, "--cookies", r.cfg.CookiesFile)
	}
	args = append(args, r.ytdlpArgs...)
	return append(args, "--", src.URL.String())
}

// runYtDlp downloads and converts in one go and returns the output path.
func (r *Runner) runYtDlp(ctx context.Context, req Request, src *Source, em *emitter) (string, error) {
	cmd := exec.CommandContext(ctx, r.cfg.YtDlpBin, r.ytdlpArgsFor(req, src)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	log.Debug().Str("token", req.Token).Str("cmd", strings.Join(cmd.Args, " ")).Msg("executing yt-dlp")
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start yt-dlp: %w", err)
	}

	var lastError, output string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if phase, pct, ok := parseYtDlpLine(line); ok {
			em.send(phase, pct)
			continue
		}
		switch {
		case strings.HasPrefix(line, "ERROR:"):
			lastError = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		case filepath.IsAbs(line) && strings.HasPrefix(filepath.Base(line), req.Token+"_"):
			output = line
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if lastError != "" {
			return "", fmt.Errorf("%w: %s", ErrExtractionFailed, lastError)
		}
		return "", fmt.Errorf("%w: yt-dlp exit: %v", ErrExtractionFailed, err)
	}

	if output == "" {
		matches, _ := filepath.Glob(filepath.Join(r.tempDir, req.Token+"_*."+string(req.Format)))
		if len(matches) != 1 {
			return "", fmt.Errorf("%w: expected one output file, found %d", ErrExtractionFailed, len(matches))
		}
		output = matches[0]
	}
	em.send(PhaseDownloading, 100)
	em.send(PhaseExtracting, 100)
	return output, nil
}
