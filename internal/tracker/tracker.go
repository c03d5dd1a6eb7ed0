package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ccost/internal/aggregator"
	"ccost/internal/cache"
	"ccost/internal/model"
	"ccost/internal/parser"
	"ccost/internal/pricing"
)

// maxConcurrentScans bounds how many directories are parsed at once.
const maxConcurrentScans = 4

// Tracker wires the parse/dedup/aggregate pipeline to the directory cache.
// One directory is one project; each is scanned and cached independently so
// a failure in one never loses another's result.
type Tracker struct {
	table  *pricing.Table
	cache  *cache.Cache
	agg    *aggregator.Aggregator
	logger *slog.Logger
	now    func() time.Time
}

// New builds a tracker around an explicit pricing table and cache.
func New(table *pricing.Table, c *cache.Cache, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		table:  table,
		cache:  c,
		agg:    aggregator.New(table, nil),
		logger: logger,
		now:    time.Now,
	}
}

// ComputeUsage returns the usage aggregate for one project directory.
// monthOnly restricts the scan to the current UTC month and bypasses the
// cache in both directions: month-only aggregates are partial data and
// must never be stored or served as full-history results.
func (t *Tracker) ComputeUsage(ctx context.Context, dir string, monthOnly bool) (model.UsageResult, error) {
	if !monthOnly {
		if res, ok := t.cache.Get(dir); ok {
			return res, nil
		}
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		// A vanished project is zero usage, not a failure.
		return model.NewUsageResult(), nil
	}

	now := t.now().UTC()

	// Capture the fingerprint before parsing: a file appended mid-scan
	// leaves the stored fingerprint older than the directory, so the next
	// staleness check forces a re-scan rather than trusting partial data.
	var fp cache.Fingerprint
	if !monthOnly {
		var err error
		fp, err = cache.TakeFingerprint(dir, now)
		if err != nil {
			return model.UsageResult{}, fmt.Errorf("fingerprint %s: %w", dir, err)
		}
	}

	files, err := parser.ListFiles(dir)
	if err != nil {
		return model.UsageResult{}, fmt.Errorf("list transcripts in %s: %w", dir, err)
	}

	opts := parser.Options{ThinkingCharsPerToken: t.table.ThinkingCharsPerToken()}
	if monthOnly {
		opts.MonthStart = model.MonthStartUTC(now)
	}

	var records []model.LogRecord
	for _, file := range files {
		recs, err := parser.ParseFile(ctx, file, opts)
		if err != nil {
			// Abort this directory without touching the cache; the
			// caller can retry later.
			return model.UsageResult{}, fmt.Errorf("parse %s: %w", file, err)
		}
		records = append(records, recs...)
	}

	res := t.agg.Aggregate(parser.Deduplicate(records))

	if !monthOnly {
		if err := t.cache.Put(dir, fp, res); err != nil {
			t.logger.Warn("usage cache write failed", "dir", dir, "error", err)
		}
	}
	return res, nil
}

// ComputeAll scans several project directories with bounded concurrency.
// Per-directory failures are logged and skipped; they never abort sibling
// directories.
func (t *Tracker) ComputeAll(ctx context.Context, dirs []string, monthOnly bool) map[string]model.UsageResult {
	var (
		mu      sync.Mutex
		results = make(map[string]model.UsageResult, len(dirs))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentScans)
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			res, err := t.ComputeUsage(ctx, dir, monthOnly)
			if err != nil {
				t.logger.Warn("directory scan failed", "dir", dir, "error", err)
				return nil
			}
			mu.Lock()
			results[dir] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Invalidate drops a directory's cached aggregate.
func (t *Tracker) Invalidate(dir string) error {
	return t.cache.Invalidate(dir)
}

// EvictMissingDirectories removes cache entries for directories that no
// longer exist on disk.
func (t *Tracker) EvictMissingDirectories() (int, error) {
	return t.cache.EvictMissing()
}

// ProjectDirs lists the per-project subdirectories of a transcript root.
// Claude Code keeps one directory per project under ~/.claude/projects; a
// root with no subdirectories is treated as a single project itself.
func ProjectDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	if len(dirs) == 0 {
		return []string{root}, nil
	}
	sort.Strings(dirs)
	return dirs, nil
}
