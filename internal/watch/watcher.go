package watch

import (
	"context"
	"io/fs"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/kulesh/catsyphon-sub000/internal/ingest"
)

// Ingestor is the slice of the ingestion service the watcher needs.
type Ingestor interface {
	ProcessFile(ctx context.Context, path, workspaceID, sourceType string, opts ingest.FileOptions) (ingest.Outcome, error)
}

const maxIngestAttempts = 3

// Options configures a Watcher.
type Options struct {
	Dirs         []string
	WorkspaceID  string
	SourceType   string
	PollInterval time.Duration
	// Debounce holds a changed file back until it has been stable for the
	// window, so half-written flushes are picked up in one pass.
	Debounce   time.Duration
	ChunkLimit int
}

// Watcher polls directories for session log files and feeds changed ones to
// the ingestion service. Polling rather than inotify: the logs live in home
// directories that may sit on NFS or be bind-mounted into containers.
type Watcher struct {
	logger   *log.Logger
	ingestor Ingestor
	opts     Options

	seen    map[string]fileStamp
	pending map[string]*pendingFile
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

type pendingFile struct {
	stamp    fileStamp
	stableAt time.Time
	attempts int
}

func New(logger *log.Logger, ingestor Ingestor, opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	return &Watcher{
		logger:   logger,
		ingestor: ingestor,
		opts:     opts,
		seen:     make(map[string]fileStamp),
		pending:  make(map[string]*pendingFile),
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		w.Poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll runs one scan-and-drain cycle. Exported so tests and the backfill
// command can drive the watcher without a real clock.
func (w *Watcher) Poll(ctx context.Context) {
	now := time.Now()
	for _, dir := range w.opts.Dirs {
		w.scanDir(dir, now)
	}
	w.drain(ctx, now)
}

func (w *Watcher) scanDir(dir string, now time.Time) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !isSessionLog(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stamp := fileStamp{size: info.Size(), modTime: info.ModTime()}

		if p, ok := w.pending[path]; ok {
			if p.stamp != stamp {
				// Still being written; restart the stability window.
				p.stamp = stamp
				p.stableAt = now.Add(w.opts.Debounce)
			}
			return nil
		}
		if last, ok := w.seen[path]; ok && last == stamp {
			return nil
		}
		w.pending[path] = &pendingFile{stamp: stamp, stableAt: now.Add(w.opts.Debounce)}
		return nil
	})
	if err != nil {
		w.logger.Printf("watch scan failed dir=%s err=%v", dir, err)
	}
}

func (w *Watcher) drain(ctx context.Context, now time.Time) {
	for path, p := range w.pending {
		if now.Before(p.stableAt) {
			continue
		}
		_, err := w.ingestor.ProcessFile(ctx, path, w.opts.WorkspaceID, w.opts.SourceType, ingest.FileOptions{ChunkLimit: w.opts.ChunkLimit})
		if err != nil {
			p.attempts++
			if p.attempts < maxIngestAttempts {
				// Leave it pending; the next poll retries.
				p.stableAt = now.Add(w.opts.PollInterval)
				continue
			}
			w.logger.Printf("watch giving up path=%s attempts=%d err=%v", path, p.attempts, err)
		}
		w.seen[path] = p.stamp
		delete(w.pending, path)
	}
}

func isSessionLog(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".jsonl")
}
