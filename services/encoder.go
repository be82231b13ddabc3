// services/encoder.go
package services

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Coding-for-Machine/video-transcoder/models"
	"github.com/Coding-for-Machine/video-transcoder/transcoder"
)

const (
	MasterManifest = "master.m3u8"

	encodePhaseStart = 30
	encodePhaseEnd   = 80
)

// QualityEncoder fans one source out to every rung of a ladder at once.
type QualityEncoder struct {
	log zerolog.Logger
}

func NewQualityEncoder(log zerolog.Logger) *QualityEncoder {
	return &QualityEncoder{log: log.With().Str("component", "quality_encoder").Logger()}
}

// EncodeAll runs one encode per quality concurrently and waits for all of
// them to settle. Failed qualities are reported in the result, never as an
// error. The master manifest is written only when at least one succeeded.
func (e *QualityEncoder) EncodeAll(
	ctx context.Context,
	engine Engine,
	input, outRoot string,
	duration float64,
	ladder []models.Quality,
	progress ProgressReporter,
) *models.HLSEncodingResult {
	started := time.Now()
	tracker := newProgressTracker(ladder, progress)

	type settled struct {
		quality models.Quality
		dir     string
		err     error
	}
	results := make([]settled, len(ladder))

	var wg sync.WaitGroup
	for i, q := range ladder {
		wg.Add(1)
		go func(i int, q models.Quality) {
			defer wg.Done()
			dir, err := e.EncodeOne(ctx, engine, input, outRoot, duration, q, func(p models.EncodeProgress) {
				tracker.update(q.Name, p.Percent)
			})
			tracker.update(q.Name, 100)
			results[i] = settled{quality: q, dir: dir, err: err}
		}(i, q)
	}
	wg.Wait()

	res := &models.HLSEncodingResult{}
	for _, r := range results {
		if r.err != nil {
			res.Failed = append(res.Failed, models.VariantFailure{Quality: r.quality.Name, Err: r.err})
			continue
		}
		res.Succeeded = append(res.Succeeded, models.VariantOutput{
			Quality:      r.quality.Name,
			ManifestPath: filepath.Join(r.dir, transcoder.VariantManifest),
			SegmentDir:   r.dir,
		})
	}

	if len(res.Succeeded) > 0 {
		masterPath := filepath.Join(outRoot, MasterManifest)
		if err := WriteMasterManifest(masterPath, res.SucceededNames()); err != nil {
			e.log.Error().Err(err).Str("path", masterPath).Msg("failed to write master manifest")
		} else {
			res.MasterManifestPath = masterPath
		}
	}
	res.Elapsed = time.Since(started)

	e.log.Info().
		Strs("succeeded", res.SucceededNames()).
		Strs("failed", res.FailedNames()).
		Dur("elapsed", res.Elapsed).
		Msg("parallel encode settled")
	return res
}

// EncodeOne encodes a single quality into outRoot/<quality> and returns
// that directory.
func (e *QualityEncoder) EncodeOne(
	ctx context.Context,
	engine Engine,
	input, outRoot string,
	duration float64,
	q models.Quality,
	onProgress func(models.EncodeProgress),
) (string, error) {
	dir := filepath.Join(outRoot, q.Name)
	err := engine.EncodeQuality(ctx, transcoder.EncodeRequest{
		Input:     input,
		OutputDir: dir,
		Quality:   q,
		Duration:  duration,
	}, onProgress)
	if err != nil {
		e.log.Warn().Err(err).Str("quality", q.Name).Msg("quality encode failed")
		return dir, err
	}
	return dir, nil
}

// BuildMasterManifest lists the given qualities in ladder order. Unknown
// names are skipped.
func BuildMasterManifest(qualities []string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, name := range models.SortByLadder(qualities) {
		q, _ := models.QualityByName(name)
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,NAME=\"%s\"\n",
			q.Bandwidth, q.Width, q.Height, q.Name)
		fmt.Fprintf(&b, "%s/%s\n", q.Name, transcoder.VariantManifest)
	}
	return b.String()
}

func WriteMasterManifest(path string, qualities []string) error {
	return os.WriteFile(path, []byte(BuildMasterManifest(qualities)), 0o644)
}

// progressTracker maps per-quality percentages onto the 30-80 band of the
// job. Reported values never decrease.
type progressTracker struct {
	mu       sync.Mutex
	percents map[string]float64
	last     int
	out      ProgressReporter
}

func newProgressTracker(ladder []models.Quality, out ProgressReporter) *progressTracker {
	if out == nil {
		out = NoProgress{}
	}
	t := &progressTracker{
		percents: make(map[string]float64, len(ladder)),
		last:     encodePhaseStart,
		out:      out,
	}
	for _, q := range ladder {
		t.percents[q.Name] = 0
	}
	return t
}

func (t *progressTracker) update(quality string, percent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if percent > t.percents[quality] {
		t.percents[quality] = percent
	}
	overall := aggregateEncodeProgress(t.percents)
	if overall <= t.last {
		return
	}
	t.last = overall
	t.out.Report(overall)
}

// aggregateEncodeProgress is 30 + floor(0.5 * average), capped at 80.
func aggregateEncodeProgress(percents map[string]float64) int {
	if len(percents) == 0 {
		return encodePhaseStart
	}
	var sum float64
	for _, p := range percents {
		sum += p
	}
	avg := sum / float64(len(percents))
	overall := encodePhaseStart + int(math.Floor(0.5*avg))
	if overall > encodePhaseEnd {
		return encodePhaseEnd
	}
	return overall
}
