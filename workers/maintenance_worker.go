// workers/maintenance_worker.go
package workers

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Coding-for-Machine/video-transcoder/metrics"
)

type DelayedQueue interface {
	PromoteDue(ctx context.Context) (int, error)
	Depths(ctx context.Context) (map[string]int64, error)
}

// MaintenanceWorker moves due delayed jobs back onto their queue, exports
// queue depths and removes job working directories left behind by a crash.
type MaintenanceWorker struct {
	queue      DelayedQueue
	workDir    string
	workDirTTL time.Duration
	interval   time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

func NewMaintenanceWorker(queue DelayedQueue, workDir string, workDirTTL, interval time.Duration, log zerolog.Logger) *MaintenanceWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &MaintenanceWorker{
		queue:      queue,
		workDir:    workDir,
		workDirTTL: workDirTTL,
		interval:   interval,
		log:        log.With().Str("component", "maintenance_worker").Logger(),
		now:        time.Now,
	}
}

func (w *MaintenanceWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("maintenance worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			w.log.Info().Msg("maintenance worker stopped")
			return nil
		}
	}
}

func (w *MaintenanceWorker) tick(ctx context.Context) {
	n, err := w.queue.PromoteDue(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("promote delayed jobs")
	}
	if n > 0 {
		metrics.DelayedJobsPromoted.Add(float64(n))
		w.log.Info().Int("count", n).Msg("delayed jobs promoted")
	}

	depths, err := w.queue.Depths(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("queue depths")
	}
	for name, depth := range depths {
		metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
	}

	if removed := w.sweepWorkDirs(); removed > 0 {
		metrics.WorkDirsSwept.Add(float64(removed))
		w.log.Info().Int("count", removed).Msg("orphaned working directories removed")
	}
}

// sweepWorkDirs removes job directories older than the TTL. Only names that
// start with a video ID followed by a dash are considered, so unrelated
// entries of a shared temp directory are never touched.
func (w *MaintenanceWorker) sweepWorkDirs() int {
	if w.workDir == "" || w.workDirTTL <= 0 {
		return 0
	}
	entries, err := os.ReadDir(w.workDir)
	if err != nil {
		w.log.Warn().Err(err).Str("work_dir", w.workDir).Msg("read working directory")
		return 0
	}

	cutoff := w.now().Add(-w.workDirTTL)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !isJobDir(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(w.workDir, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			w.log.Warn().Err(err).Str("dir", dir).Msg("remove orphaned working directory")
			continue
		}
		removed++
	}
	return removed
}

func isJobDir(name string) bool {
	const idLen = 36
	if len(name) <= idLen || name[idLen] != '-' {
		return false
	}
	_, err := uuid.Parse(name[:idLen])
	return err == nil
}
