package aggregator

import (
	"time"

	"ccost/internal/model"
	"ccost/internal/pricing"
)

// Aggregator folds canonical records into the three-window usage result.
type Aggregator struct {
	table *pricing.Table
	now   func() time.Time
}

// New returns an aggregator pricing against table. A nil now defaults to
// time.Now; tests pin it to fix the month and day window boundaries.
func New(table *pricing.Table, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{table: table, now: now}
}

// Aggregate computes the all-time, month-to-date, and day-to-date windows
// for a set of deduplicated records. Each record is priced at the rate in
// effect on its own date. Unmetered records contribute tokens but no cost.
func (a *Aggregator) Aggregate(records []model.LogRecord) model.UsageResult {
	now := a.now().UTC()
	monthStart := model.MonthStartUTC(now)
	dayStart := model.DayStartUTC(now)

	res := model.NewUsageResult()
	for _, r := range records {
		var cost float64
		if r.Origin.Metered() {
			rates := a.table.RateFor(r.Model, r.Timestamp)
			cost = pricing.Cost(rates, r.Usage, r.ThinkingTokens)
		}

		switch r.Origin {
		case model.OriginBedrock:
			res.IsBedrock = true
		case model.OriginAPI:
			res.IsAPI = true
		}

		// Fold the thinking estimate into output tokens; the upstream
		// log under-reports them in output_tokens.
		usage := r.Usage
		usage.OutputTokens += r.ThinkingTokens

		res.AllTime.Add(r.Model, usage, cost)
		if r.Timestamp == nil {
			continue
		}
		if !r.Timestamp.Before(monthStart) {
			res.Month.Add(r.Model, usage, cost)
		}
		if !r.Timestamp.Before(dayStart) {
			res.Day.Add(r.Model, usage, cost)
		}
	}
	return res
}
