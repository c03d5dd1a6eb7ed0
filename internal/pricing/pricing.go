package pricing

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"ccost/internal/model"
)

//go:embed pricing.json
var defaultPricingJSON []byte

// Rates are USD per million tokens.
type Rates struct {
	InputPerMTok      float64 `json:"inputPerMTok"`
	OutputPerMTok     float64 `json:"outputPerMTok"`
	CacheWritePerMTok float64 `json:"cacheWritePerMTok"`
	CacheReadPerMTok  float64 `json:"cacheReadPerMTok"`
}

// Period is one date range of the versioned price history.
// To is nil for the open-ended current period.
type Period struct {
	From   time.Time
	To     *time.Time
	Models map[string]Rates
}

// Contains reports whether t falls inside [From, To).
func (p Period) Contains(t time.Time) bool {
	if t.Before(p.From) {
		return false
	}
	return p.To == nil || t.Before(*p.To)
}

// Table resolves per-model rates across calendar time. Anthropic reprices
// models occasionally, so historical records must be costed at the rate in
// effect on their own date, not today's.
type Table struct {
	periods         []Period // sorted by From ascending
	defaults        map[string]string
	thinkingDivisor float64
}

// tableFile is the on-disk pricing resource format.
type tableFile struct {
	LastUpdated           string            `json:"lastUpdated"`
	Source                string            `json:"source"`
	ThinkingCharsPerToken float64           `json:"thinkingCharsPerToken"`
	Defaults              map[string]string `json:"defaults"`
	History               []periodFile      `json:"history"`
}

type periodFile struct {
	From   string           `json:"from"`
	To     *string          `json:"to"`
	Models map[string]Rates `json:"models"`
}

// Parse decodes a pricing resource.
func Parse(data []byte) (*Table, error) {
	var file tableFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode pricing: %w", err)
	}
	if len(file.History) == 0 {
		return nil, fmt.Errorf("pricing: empty history")
	}

	t := &Table{
		defaults:        file.Defaults,
		thinkingDivisor: file.ThinkingCharsPerToken,
	}
	for _, p := range file.History {
		from, err := time.ParseInLocation("2006-01-02", p.From, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("pricing: bad period start %q: %w", p.From, err)
		}
		period := Period{From: from, Models: p.Models}
		if p.To != nil {
			to, err := time.ParseInLocation("2006-01-02", *p.To, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("pricing: bad period end %q: %w", *p.To, err)
			}
			period.To = &to
		}
		t.periods = append(t.periods, period)
	}
	sort.Slice(t.periods, func(i, j int) bool {
		return t.periods[i].From.Before(t.periods[j].From)
	})
	return t, nil
}

// Default returns the built-in pricing table.
func Default() *Table {
	t, err := Parse(defaultPricingJSON)
	if err != nil {
		panic(fmt.Sprintf("pricing: embedded table invalid: %v", err))
	}
	return t
}

// LoadOrDefault reads a pricing resource from path, falling back to the
// built-in table if the file is missing or corrupt. Pricing trouble must
// never fail a scan.
func LoadOrDefault(path string, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("pricing resource unreadable, using built-in table", "path", path, "error", err)
		}
		return Default()
	}
	t, err := Parse(data)
	if err != nil {
		logger.Warn("pricing resource invalid, using built-in table", "path", path, "error", err)
		return Default()
	}
	return t
}

// ThinkingCharsPerToken returns the configured estimate divisor.
func (t *Table) ThinkingCharsPerToken() float64 {
	if t.thinkingDivisor > 0 {
		return t.thinkingDivisor
	}
	return 2.5
}

// RateFor resolves the rates in effect for a model on a given date.
// A nil date resolves against the open-ended period. Unknown models get
// zero rates, so their cost contribution is zero rather than an error.
func (t *Table) RateFor(modelName string, at *time.Time) Rates {
	period := t.periodFor(at)
	if period == nil {
		return Rates{}
	}

	key, ok := t.resolveKey(*period, modelName)
	if !ok {
		return Rates{}
	}
	return period.Models[key]
}

// periodFor picks the period containing at, the open-ended period when no
// range matches (or at is nil), or the chronologically latest period.
func (t *Table) periodFor(at *time.Time) *Period {
	if len(t.periods) == 0 {
		return nil
	}
	if at != nil {
		for i := range t.periods {
			if t.periods[i].Contains(*at) {
				return &t.periods[i]
			}
		}
	}
	for i := range t.periods {
		if t.periods[i].To == nil {
			return &t.periods[i]
		}
	}
	return &t.periods[len(t.periods)-1]
}

// resolveKey maps a raw model string to a period's pricing key: exact match
// first, then the longest table key contained in the model string. When the
// match is an unversioned family key with a configured default, the default
// wins, mirroring how a bare model alias silently repoints to the newest
// release.
func (t *Table) resolveKey(p Period, modelName string) (string, bool) {
	best := ""
	if _, ok := p.Models[modelName]; ok {
		best = modelName
	} else {
		for key := range p.Models {
			if strings.Contains(modelName, key) && len(key) > len(best) {
				best = key
			}
		}
	}
	if best == "" {
		return "", false
	}
	if preferred, ok := t.defaults[best]; ok {
		if _, exists := p.Models[preferred]; exists {
			return preferred, true
		}
	}
	return best, true
}

// Cost prices one record's tokens at the given rates. The thinking estimate
// is billed at the output rate on top of the reported output tokens.
func Cost(r Rates, usage model.TokenUsage, thinkingTokens int64) float64 {
	cost := float64(usage.InputTokens) * r.InputPerMTok
	cost += float64(usage.OutputTokens+thinkingTokens) * r.OutputPerMTok
	cost += float64(usage.CacheCreationInputTokens) * r.CacheWritePerMTok
	cost += float64(usage.CacheReadInputTokens) * r.CacheReadPerMTok
	return cost / 1_000_000
}
