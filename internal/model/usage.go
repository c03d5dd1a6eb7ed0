package model

import "time"

// Origin classifies how a usage record is billed.
type Origin int

const (
	// OriginSubscription covers flat-rate plan usage. Tokens are counted
	// but never contribute to computed cost.
	OriginSubscription Origin = iota
	// OriginBedrock marks records routed through the AWS Bedrock gateway,
	// identified by the msg_bdrk_ message ID prefix.
	OriginBedrock
	// OriginAPI marks direct pay-per-token Anthropic API usage,
	// identified by the absence of a service_tier marker.
	OriginAPI
)

// Metered reports whether records of this origin contribute to cost.
func (o Origin) Metered() bool {
	return o == OriginBedrock || o == OriginAPI
}

// TokenUsage holds the token counts reported on a Claude API response.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Add accumulates u into t.
func (t *TokenUsage) Add(u TokenUsage) {
	t.InputTokens += u.InputTokens
	t.OutputTokens += u.OutputTokens
	t.CacheCreationInputTokens += u.CacheCreationInputTokens
	t.CacheReadInputTokens += u.CacheReadInputTokens
}

// Total returns the sum of all token counts.
func (t TokenUsage) Total() int64 {
	return t.InputTokens + t.OutputTokens + t.CacheCreationInputTokens + t.CacheReadInputTokens
}

// LogRecord is one assistant response decoded from a transcript line.
// The same MessageID can appear on several physical lines as the response
// is incrementally rewritten; Deduplicate folds those into one record.
type LogRecord struct {
	MessageID string
	Model     string
	Origin    Origin
	// Timestamp is nil when the line carries no parseable timestamp.
	// Such records count toward all-time totals but never toward the
	// month or day windows.
	Timestamp *time.Time
	Usage     TokenUsage
	// ThinkingTokens is the estimated token count of extended-thinking
	// content blocks, which the upstream output_tokens field under-reports.
	ThinkingTokens int64
}

// Window is one aggregation window (all-time, month-to-date, day-to-date).
type Window struct {
	Usage TokenUsage
	Cost  float64
	// ByModel breaks the window down per raw model string.
	ByModel map[string]TokenUsage
}

// NewWindow returns an empty window with an initialized breakdown map.
func NewWindow() Window {
	return Window{ByModel: make(map[string]TokenUsage)}
}

// Add accumulates one record's usage and cost into the window.
func (w *Window) Add(model string, u TokenUsage, cost float64) {
	w.Usage.Add(u)
	w.Cost += cost
	if w.ByModel == nil {
		w.ByModel = make(map[string]TokenUsage)
	}
	m := w.ByModel[model]
	m.Add(u)
	w.ByModel[model] = m
}

// UsageResult is the multi-window aggregate for one project directory.
type UsageResult struct {
	IsBedrock bool
	IsAPI     bool
	AllTime   Window
	Month     Window
	Day       Window
}

// NewUsageResult returns a zero result with initialized windows.
func NewUsageResult() UsageResult {
	return UsageResult{
		AllTime: NewWindow(),
		Month:   NewWindow(),
		Day:     NewWindow(),
	}
}

// Priced reports whether any metered usage was seen.
func (r UsageResult) Priced() bool {
	return r.IsBedrock || r.IsAPI
}

// MonthStartUTC returns the first instant of t's UTC month.
func MonthStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// DayStartUTC returns the first instant of t's UTC day.
func DayStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthKey formats t's UTC month as used in the cache fingerprint.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
