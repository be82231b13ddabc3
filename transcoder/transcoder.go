package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/Coding-for-Machine/video-transcoder/metrics"
	"github.com/Coding-for-Machine/video-transcoder/models"
)

const stderrTail = 2048

type Options struct {
	FFmpegPath     string
	FFprobePath    string
	HWAccel        Accel
	VaapiDevice    string
	SegmentSeconds int
}

// EncodeRequest describes one quality variant to produce.
type EncodeRequest struct {
	Input     string
	OutputDir string
	Quality   models.Quality
	Duration  float64
}

// Adapter runs ffmpeg/ffprobe for a single job and tracks every subprocess
// it starts.
type Adapter struct {
	opts Options
	log  zerolog.Logger

	processMu sync.Mutex
	processes map[*exec.Cmd]string
	killed    bool

	hardware func(ctx context.Context) Hardware
}

func New(opts Options, log zerolog.Logger) *Adapter {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = 6
	}
	a := &Adapter{
		opts:      opts,
		log:       log.With().Str("component", "transcoder").Logger(),
		processes: make(map[*exec.Cmd]string),
	}
	a.hardware = func(ctx context.Context) Hardware {
		return DetectHardware(ctx, opts.FFmpegPath, opts.HWAccel, opts.VaapiDevice)
	}
	return a
}

// IsAvailable reports whether both binaries are on PATH.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(a.opts.FFmpegPath); err != nil {
		return false
	}
	_, err := exec.LookPath(a.opts.FFprobePath)
	return err == nil
}

// Version returns the first line of `ffmpeg -version`.
func (a *Adapter) Version(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, a.opts.FFmpegPath, "-version").Output()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}

// ExtractMetadata runs a single ffprobe JSON call against path.
func (a *Adapter) ExtractMetadata(ctx context.Context, path string) (*models.VideoMetadata, error) {
	stdout, stderr, err := a.run(ctx, a.opts.FFprobePath, probeArgs(path)...)
	if err != nil {
		return nil, &models.MetadataError{Path: path, Err: withStderr(err, stderr)}
	}

	meta, err := ParseProbe(stdout)
	if err != nil {
		return nil, &models.MetadataError{Path: path, Err: err}
	}
	if meta.FileSize <= 0 {
		if fi, statErr := os.Stat(path); statErr == nil {
			meta.FileSize = fi.Size()
		}
	}
	return meta, nil
}

// GenerateThumbnail writes one JPEG frame to outPath. A non-positive offset
// selects the default position.
func (a *Adapter) GenerateThumbnail(ctx context.Context, path, outPath string, atSeconds float64) (string, error) {
	if atSeconds <= 0 {
		meta, err := a.ExtractMetadata(ctx, path)
		if err != nil {
			return "", &models.ThumbnailError{Err: err}
		}
		atSeconds = models.DefaultThumbnailOffset(meta.Duration)
	}

	_, stderr, err := a.run(ctx, a.opts.FFmpegPath, buildThumbnailArgs(path, outPath, atSeconds)...)
	if err != nil {
		return "", &models.ThumbnailError{Err: withStderr(err, stderr)}
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", &models.ThumbnailError{Err: fmt.Errorf("ffmpeg produced no frame: %w", err)}
	}
	return outPath, nil
}

// EncodeQuality produces one HLS variant in req.OutputDir. The hardware
// encoder is used when the probe found one; a failed hardware attempt is
// retried once on the software path.
func (a *Adapter) EncodeQuality(ctx context.Context, req EncodeRequest, onProgress func(models.EncodeProgress)) error {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return &models.EncodeError{Quality: req.Quality.Name, Err: err}
	}

	hw := a.hardware(ctx)
	start := time.Now()
	err := a.encode(ctx, req, hw, onProgress)

	if err != nil && hw.Available() && ctx.Err() == nil && !a.isKilled() {
		a.log.Warn().Err(err).
			Str("quality", req.Quality.Name).
			Str("encoder", hw.Encoder).
			Msg("hardware encode failed, falling back to libx264")
		removeHLSFiles(req.OutputDir)
		err = a.encode(ctx, req, software, onProgress)
	}

	metrics.QualityEncodeDuration.WithLabelValues(req.Quality.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QualityEncodesTotal.WithLabelValues(req.Quality.Name, "failed").Inc()
		return &models.EncodeError{Quality: req.Quality.Name, Err: err}
	}
	metrics.QualityEncodesTotal.WithLabelValues(req.Quality.Name, "ok").Inc()
	return nil
}

func (a *Adapter) encode(ctx context.Context, req EncodeRequest, hw Hardware, onProgress func(models.EncodeProgress)) error {
	args := buildEncodeArgs(req.Input, req.OutputDir, req.Quality, hw, a.opts.SegmentSeconds)
	cmd := exec.CommandContext(ctx, a.opts.FFmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := a.start(cmd, req.Quality.Name); err != nil {
		return err
	}
	defer a.forget(cmd)

	parser := newProgressParser(req.Quality.Name, req.Duration)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if ev, ok := parser.Feed(scanner.Text()); ok && onProgress != nil {
			onProgress(ev)
		}
	}

	if err := cmd.Wait(); err != nil {
		if a.isKilled() {
			return models.ErrCancelled
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return withStderr(err, stderr.Bytes())
	}
	if _, err := os.Stat(filepath.Join(req.OutputDir, VariantManifest)); err != nil {
		return fmt.Errorf("ffmpeg exited cleanly but wrote no playlist: %w", err)
	}
	return nil
}

// KillAll terminates every subprocess this adapter is tracking. Any later
// attempt to start a subprocess fails with models.ErrCancelled.
func (a *Adapter) KillAll() {
	a.processMu.Lock()
	defer a.processMu.Unlock()

	a.killed = true
	for cmd, label := range a.processes {
		if cmd.Process == nil {
			continue
		}
		a.log.Info().Str("process", label).Msg("killing ffmpeg process")
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			a.log.Warn().Err(err).Str("process", label).Msg("failed to kill process")
		}
	}
}

func (a *Adapter) isKilled() bool {
	a.processMu.Lock()
	defer a.processMu.Unlock()
	return a.killed
}

func (a *Adapter) start(cmd *exec.Cmd, label string) error {
	a.processMu.Lock()
	defer a.processMu.Unlock()

	if a.killed {
		return models.ErrCancelled
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", filepath.Base(cmd.Path), err)
	}
	a.processes[cmd] = label
	return nil
}

func (a *Adapter) forget(cmd *exec.Cmd) {
	a.processMu.Lock()
	delete(a.processes, cmd)
	a.processMu.Unlock()
}

// run executes a short-lived tracked command and returns its output.
func (a *Adapter) run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := a.start(cmd, filepath.Base(name)); err != nil {
		return nil, nil, err
	}
	defer a.forget(cmd)

	if err := cmd.Wait(); err != nil {
		if a.isKilled() {
			return nil, stderr.Bytes(), models.ErrCancelled
		}
		return nil, stderr.Bytes(), err
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func withStderr(err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return err
	}
	if len(msg) > stderrTail {
		cut := len(msg) - stderrTail
		for cut < len(msg) && !utf8.RuneStart(msg[cut]) {
			cut++
		}
		msg = msg[cut:]
	}
	return fmt.Errorf("%w: %s", err, msg)
}

// removeHLSFiles deletes variant output without touching the directory.
func removeHLSFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, ".ts") || strings.HasSuffix(name, ".m3u8") {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}
