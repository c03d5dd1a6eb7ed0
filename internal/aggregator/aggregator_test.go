package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccost/internal/model"
	"ccost/internal/pricing"
)

const testTableJSON = `{
  "history": [
    {
      "from": "2024-01-01",
      "to": null,
      "models": {
        "claude-opus-4-5": {"inputPerMTok": 5, "outputPerMTok": 25, "cacheWritePerMTok": 6.25, "cacheReadPerMTok": 0.5},
        "claude-haiku-4-5": {"inputPerMTok": 1, "outputPerMTok": 5, "cacheWritePerMTok": 1.25, "cacheReadPerMTok": 0.1}
      }
    }
  ]
}`

var testNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func testAggregator(t *testing.T) *Aggregator {
	t.Helper()
	table, err := pricing.Parse([]byte(testTableJSON))
	require.NoError(t, err)
	return New(table, func() time.Time { return testNow })
}

func tsp(value time.Time) *time.Time { return &value }

func TestAggregate_MeteredVsUnmetered(t *testing.T) {
	agg := testAggregator(t)

	// E1: subscription usage with a thinking watermark; tokens count,
	// cost must stay zero. E2: bedrock usage priced at the model's rate.
	records := []model.LogRecord{
		{
			MessageID:      "msg_e1",
			Model:          "claude-opus-4-5",
			Origin:         model.OriginSubscription,
			Timestamp:      tsp(testNow.Add(-time.Hour)),
			Usage:          model.TokenUsage{InputTokens: 30},
			ThinkingTokens: 20,
		},
		{
			MessageID: "msg_bdrk_e2",
			Model:     "claude-opus-4-5",
			Origin:    model.OriginBedrock,
			Timestamp: tsp(testNow.Add(-2 * time.Hour)),
			Usage:     model.TokenUsage{InputTokens: 100, OutputTokens: 200},
		},
	}

	res := agg.Aggregate(records)

	assert.Equal(t, int64(130), res.AllTime.Usage.InputTokens)
	// E1's thinking watermark folds into output tokens.
	assert.Equal(t, int64(220), res.AllTime.Usage.OutputTokens)

	// Only E2 is priced: 100 input + 200 output at 5/25 per MTok.
	wantCost := (100*5.0 + 200*25.0) / 1_000_000
	assert.InDelta(t, wantCost, res.AllTime.Cost, 1e-12)

	assert.True(t, res.IsBedrock)
	assert.False(t, res.IsAPI)
	assert.True(t, res.Priced())
}

func TestAggregate_UnmeteredOnlyHasZeroCost(t *testing.T) {
	agg := testAggregator(t)

	res := agg.Aggregate([]model.LogRecord{{
		MessageID: "msg_01",
		Model:     "claude-opus-4-5",
		Origin:    model.OriginSubscription,
		Timestamp: tsp(testNow),
		Usage:     model.TokenUsage{InputTokens: 50_000_000, OutputTokens: 50_000_000},
	}})

	assert.Zero(t, res.AllTime.Cost)
	assert.Zero(t, res.Month.Cost)
	assert.False(t, res.Priced())
	assert.Equal(t, int64(50_000_000), res.AllTime.Usage.InputTokens)
}

func TestAggregate_WindowBucketing(t *testing.T) {
	agg := testAggregator(t)

	records := []model.LogRecord{
		// Today: lands in all three windows.
		{MessageID: "a", Model: "claude-opus-4-5", Origin: model.OriginAPI,
			Timestamp: tsp(time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)),
			Usage:     model.TokenUsage{InputTokens: 1}},
		// Earlier this month: all-time and month.
		{MessageID: "b", Model: "claude-opus-4-5", Origin: model.OriginAPI,
			Timestamp: tsp(time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)),
			Usage:     model.TokenUsage{InputTokens: 10}},
		// Last month: all-time only.
		{MessageID: "c", Model: "claude-opus-4-5", Origin: model.OriginAPI,
			Timestamp: tsp(time.Date(2026, 7, 31, 23, 59, 59, 0, time.UTC)),
			Usage:     model.TokenUsage{InputTokens: 100}},
		// No timestamp: all-time only.
		{MessageID: "d", Model: "claude-opus-4-5", Origin: model.OriginAPI,
			Usage: model.TokenUsage{InputTokens: 1000}},
	}

	res := agg.Aggregate(records)

	assert.Equal(t, int64(1111), res.AllTime.Usage.InputTokens)
	assert.Equal(t, int64(11), res.Month.Usage.InputTokens)
	assert.Equal(t, int64(1), res.Day.Usage.InputTokens)
}

func TestAggregate_PerModelBreakdownUsesRawModelString(t *testing.T) {
	agg := testAggregator(t)

	// Two versioned identifiers sharing one pricing family must stay
	// separate in the breakdown.
	records := []model.LogRecord{
		{MessageID: "a", Model: "claude-opus-4-5-20251101", Origin: model.OriginAPI,
			Timestamp: tsp(testNow), Usage: model.TokenUsage{InputTokens: 1}},
		{MessageID: "b", Model: "claude-opus-4-5", Origin: model.OriginAPI,
			Timestamp: tsp(testNow), Usage: model.TokenUsage{InputTokens: 2}},
	}

	res := agg.Aggregate(records)

	require.Len(t, res.AllTime.ByModel, 2)
	assert.Equal(t, int64(1), res.AllTime.ByModel["claude-opus-4-5-20251101"].InputTokens)
	assert.Equal(t, int64(2), res.AllTime.ByModel["claude-opus-4-5"].InputTokens)
}

func TestAggregate_Empty(t *testing.T) {
	res := testAggregator(t).Aggregate(nil)
	assert.Zero(t, res.AllTime.Usage.Total())
	assert.False(t, res.Priced())
	assert.NotNil(t, res.AllTime.ByModel)
}
