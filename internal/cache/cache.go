package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ccost/internal/model"
)

// schemaVersion is bumped whenever the on-disk layout changes. A version
// mismatch on load is treated as an empty cache, never as an error.
const schemaVersion = 2

// Fingerprint captures the directory state a cache entry was computed at.
// Any component changing independently invalidates the entry: a newer file
// modification, a different file count, or a crossed month boundary.
type Fingerprint struct {
	LatestModification time.Time
	FileCount          int
	MonthKey           string
}

// TakeFingerprint walks dir's .jsonl files and returns the current
// fingerprint, with the month key derived from now.
func TakeFingerprint(dir string, now time.Time) (Fingerprint, error) {
	fp := Fingerprint{MonthKey: model.MonthKey(now)}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".jsonl" {
			return nil
		}
		fp.FileCount++
		if info.ModTime().After(fp.LatestModification) {
			fp.LatestModification = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return Fingerprint{}, err
	}
	return fp, nil
}

// modelTokens is the persisted per-model breakdown value.
type modelTokens struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens"`
}

// entry is one directory's persisted aggregate plus its fingerprint.
// Only full-scan results are stored; the day per-model breakdown is
// recomputed on every scan and not persisted.
type entry struct {
	LatestFileModification time.Time              `json:"latestFileModification"`
	FileCount              int                    `json:"fileCount"`
	MonthKey               string                 `json:"monthKey"`
	InputTokens            int64                  `json:"inputTokens"`
	OutputTokens           int64                  `json:"outputTokens"`
	CacheCreationTokens    int64                  `json:"cacheCreationTokens"`
	CacheReadTokens        int64                  `json:"cacheReadTokens"`
	IsBedrock              bool                   `json:"isBedrock"`
	IsClaudeAPI            bool                   `json:"isClaudeAPI"`
	CalculatedCost         float64                `json:"calculatedCost"`
	MonthlyInputTokens     int64                  `json:"monthlyInputTokens"`
	MonthlyOutputTokens    int64                  `json:"monthlyOutputTokens"`
	MonthlyCacheCreation   int64                  `json:"monthlyCacheCreationTokens"`
	MonthlyCacheRead       int64                  `json:"monthlyCacheReadTokens"`
	CalculatedMonthlyCost  float64                `json:"calculatedMonthlyCost"`
	DailyInputTokens       int64                  `json:"dailyInputTokens"`
	DailyOutputTokens      int64                  `json:"dailyOutputTokens"`
	DailyCacheCreation     int64                  `json:"dailyCacheCreationTokens"`
	DailyCacheRead         int64                  `json:"dailyCacheReadTokens"`
	CalculatedDailyCost    float64                `json:"calculatedDailyCost"`
	ModelUsage             map[string]modelTokens `json:"modelUsage"`
	MonthlyModelUsage      map[string]modelTokens `json:"monthlyModelUsage"`
}

// fileSchema is the versioned on-disk cache layout.
type fileSchema struct {
	Version     int              `json:"version"`
	Directories map[string]entry `json:"directories"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

// Cache persists one usage aggregate per scanned directory so repeat scans
// of unchanged data skip the parse entirely. The in-memory map and the
// on-disk file are mutated under one lock so they never diverge.
type Cache struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	dirs   map[string]entry
	now    func() time.Time
}

// Open loads the cache file at path. A missing, corrupt, or
// version-mismatched file starts an empty cache.
func Open(path string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		path:   path,
		logger: logger,
		dirs:   make(map[string]entry),
		now:    time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("usage cache unreadable, rebuilding", "path", path, "error", err)
		}
		return c
	}

	var file fileSchema
	if err := json.Unmarshal(data, &file); err != nil {
		logger.Warn("usage cache corrupt, rebuilding", "path", path, "error", err)
		return c
	}
	if file.Version != schemaVersion {
		logger.Info("usage cache schema changed, rebuilding",
			"path", path, "found", file.Version, "want", schemaVersion)
		return c
	}
	if file.Directories != nil {
		c.dirs = file.Directories
	}
	return c
}

// Stale reports whether dir needs a re-scan before its cached aggregate
// can be trusted.
func (c *Cache) Stale(dir string) bool {
	c.mu.Lock()
	e, ok := c.dirs[dir]
	c.mu.Unlock()
	if !ok {
		return true
	}
	return c.stale(e, dir)
}

func (c *Cache) stale(e entry, dir string) bool {
	current, err := TakeFingerprint(dir, c.now())
	if err != nil {
		return true
	}
	if e.MonthKey != current.MonthKey {
		return true
	}
	if e.FileCount != current.FileCount {
		return true
	}
	return current.LatestModification.After(e.LatestFileModification)
}

// Get returns the cached full-scan aggregate for dir, re-checking staleness
// so a stale entry is never handed out.
func (c *Cache) Get(dir string) (model.UsageResult, bool) {
	c.mu.Lock()
	e, ok := c.dirs[dir]
	c.mu.Unlock()
	if !ok || c.stale(e, dir) {
		return model.UsageResult{}, false
	}
	return e.toResult(), true
}

// Put stores a full-scan aggregate for dir under the given fingerprint and
// persists the cache. Month-only results must never be stored here.
func (c *Cache) Put(dir string, fp Fingerprint, res model.UsageResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs[dir] = newEntry(fp, res)
	return c.persist()
}

// Invalidate drops dir's entry so the next query forces a full scan.
func (c *Cache) Invalidate(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.dirs[dir]; !ok {
		return nil
	}
	delete(c.dirs, dir)
	return c.persist()
}

// EvictMissing removes entries whose directory no longer exists on disk,
// persisting only if anything was removed. Returns the eviction count.
func (c *Cache) EvictMissing() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for dir := range c.dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			delete(c.dirs, dir)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, c.persist()
}

// persist writes the cache file. Callers must hold c.mu.
func (c *Cache) persist() error {
	file := fileSchema{
		Version:     schemaVersion,
		Directories: c.dirs,
		LastUpdated: c.now().UTC(),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode usage cache: %w", err)
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("write usage cache: %w", err)
	}
	return nil
}

func newEntry(fp Fingerprint, res model.UsageResult) entry {
	return entry{
		LatestFileModification: fp.LatestModification,
		FileCount:              fp.FileCount,
		MonthKey:               fp.MonthKey,
		InputTokens:            res.AllTime.Usage.InputTokens,
		OutputTokens:           res.AllTime.Usage.OutputTokens,
		CacheCreationTokens:    res.AllTime.Usage.CacheCreationInputTokens,
		CacheReadTokens:        res.AllTime.Usage.CacheReadInputTokens,
		IsBedrock:              res.IsBedrock,
		IsClaudeAPI:            res.IsAPI,
		CalculatedCost:         res.AllTime.Cost,
		MonthlyInputTokens:     res.Month.Usage.InputTokens,
		MonthlyOutputTokens:    res.Month.Usage.OutputTokens,
		MonthlyCacheCreation:   res.Month.Usage.CacheCreationInputTokens,
		MonthlyCacheRead:       res.Month.Usage.CacheReadInputTokens,
		CalculatedMonthlyCost:  res.Month.Cost,
		DailyInputTokens:       res.Day.Usage.InputTokens,
		DailyOutputTokens:      res.Day.Usage.OutputTokens,
		DailyCacheCreation:     res.Day.Usage.CacheCreationInputTokens,
		DailyCacheRead:         res.Day.Usage.CacheReadInputTokens,
		CalculatedDailyCost:    res.Day.Cost,
		ModelUsage:             toModelTokens(res.AllTime.ByModel),
		MonthlyModelUsage:      toModelTokens(res.Month.ByModel),
	}
}

func (e entry) toResult() model.UsageResult {
	res := model.NewUsageResult()
	res.IsBedrock = e.IsBedrock
	res.IsAPI = e.IsClaudeAPI
	res.AllTime.Usage = model.TokenUsage{
		InputTokens:              e.InputTokens,
		OutputTokens:             e.OutputTokens,
		CacheCreationInputTokens: e.CacheCreationTokens,
		CacheReadInputTokens:     e.CacheReadTokens,
	}
	res.AllTime.Cost = e.CalculatedCost
	res.AllTime.ByModel = fromModelTokens(e.ModelUsage)
	res.Month.Usage = model.TokenUsage{
		InputTokens:              e.MonthlyInputTokens,
		OutputTokens:             e.MonthlyOutputTokens,
		CacheCreationInputTokens: e.MonthlyCacheCreation,
		CacheReadInputTokens:     e.MonthlyCacheRead,
	}
	res.Month.Cost = e.CalculatedMonthlyCost
	res.Month.ByModel = fromModelTokens(e.MonthlyModelUsage)
	res.Day.Usage = model.TokenUsage{
		InputTokens:              e.DailyInputTokens,
		OutputTokens:             e.DailyOutputTokens,
		CacheCreationInputTokens: e.DailyCacheCreation,
		CacheReadInputTokens:     e.DailyCacheRead,
	}
	res.Day.Cost = e.CalculatedDailyCost
	return res
}

func toModelTokens(byModel map[string]model.TokenUsage) map[string]modelTokens {
	out := make(map[string]modelTokens, len(byModel))
	for name, u := range byModel {
		out[name] = modelTokens{
			InputTokens:         u.InputTokens,
			OutputTokens:        u.OutputTokens,
			CacheCreationTokens: u.CacheCreationInputTokens,
			CacheReadTokens:     u.CacheReadInputTokens,
		}
	}
	return out
}

func fromModelTokens(stored map[string]modelTokens) map[string]model.TokenUsage {
	out := make(map[string]model.TokenUsage, len(stored))
	for name, u := range stored {
		out[name] = model.TokenUsage{
			InputTokens:              u.InputTokens,
			OutputTokens:             u.OutputTokens,
			CacheCreationInputTokens: u.CacheCreationTokens,
			CacheReadInputTokens:     u.CacheReadTokens,
		}
	}
	return out
}
