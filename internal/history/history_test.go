package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccost/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func testResult(input int64, cost float64) model.UsageResult {
	res := model.NewUsageResult()
	res.AllTime.Usage = model.TokenUsage{InputTokens: input, OutputTokens: input * 2}
	res.AllTime.Cost = cost
	res.Month.Cost = cost / 2
	return res
}

func TestRecordAndRecent(t *testing.T) {
	db := testDB(t)
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordScan("/p/alpha", at, testResult(100, 1.5)))
	require.NoError(t, db.RecordScan("/p/alpha", at.Add(time.Hour), testResult(200, 3.0)))
	require.NoError(t, db.RecordScan("/p/beta", at, testResult(10, 0.1)))

	snapshots, err := db.Recent("/p/alpha", 10)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	// Newest first.
	assert.Equal(t, int64(200), snapshots[0].Usage.InputTokens)
	assert.Equal(t, 3.0, snapshots[0].TotalCost)
	assert.Equal(t, 1.5, snapshots[0].MonthlyCost)
	assert.Equal(t, "2026-08", snapshots[0].MonthKey)
	assert.Equal(t, int64(100), snapshots[1].Usage.InputTokens)
}

func TestRecent_Limit(t *testing.T) {
	db := testDB(t)
	at := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, db.RecordScan("/p/alpha", at, testResult(int64(i), 0)))
	}

	snapshots, err := db.Recent("/p/alpha", 3)
	require.NoError(t, err)
	assert.Len(t, snapshots, 3)
}

func TestLatest_OnePerDirectory(t *testing.T) {
	db := testDB(t)
	at := time.Now()

	require.NoError(t, db.RecordScan("/p/alpha", at, testResult(1, 0)))
	require.NoError(t, db.RecordScan("/p/alpha", at, testResult(2, 0)))
	require.NoError(t, db.RecordScan("/p/beta", at, testResult(3, 0)))

	snapshots, err := db.Latest()
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, "/p/alpha", snapshots[0].Directory)
	assert.Equal(t, int64(2), snapshots[0].Usage.InputTokens)
	assert.Equal(t, "/p/beta", snapshots[1].Directory)
}

func TestRecent_EmptyDirectory(t *testing.T) {
	db := testDB(t)
	snapshots, err := db.Recent("/p/none", 10)
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}
