package watch

import (
	"context"
	"io/fs"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/kulesh/catsyphon-sub000/internal/ingest"
	"github.com/kulesh/catsyphon-sub000/internal/store"
)

// BackfillStats summarizes one backfill walk.
type BackfillStats struct {
	Files      int64
	Succeeded  int64
	Skipped    int64
	Failed     int64
	Duplicates int64
}

// Backfill walks dirs once and ingests every session log, at most workers
// files in flight. Per-file failures are counted, not fatal; only context
// cancellation aborts the walk.
func Backfill(ctx context.Context, logger *log.Logger, ingestor Ingestor, dirs []string, workspaceID, sourceType string, workers int, chunkLimit int) (BackfillStats, error) {
	if workers <= 0 {
		workers = 4
	}
	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	var stats BackfillStats

	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() || !isSessionLog(path) {
				return nil
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)

				atomic.AddInt64(&stats.Files, 1)
				outcome, err := ingestor.ProcessFile(ctx, path, workspaceID, sourceType, ingest.FileOptions{ChunkLimit: chunkLimit})
				if err != nil {
					atomic.AddInt64(&stats.Failed, 1)
					logger.Printf("backfill failed path=%s err=%v", path, err)
					return
				}
				switch outcome.Status {
				case store.JobSuccess:
					atomic.AddInt64(&stats.Succeeded, 1)
				case store.JobDuplicate:
					atomic.AddInt64(&stats.Duplicates, 1)
				case store.JobSkipped:
					atomic.AddInt64(&stats.Skipped, 1)
				default:
					atomic.AddInt64(&stats.Failed, 1)
				}
			}()
			return nil
		})
		if err != nil {
			wg.Wait()
			return stats, err
		}
	}

	wg.Wait()
	return stats, nil
}
