package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
	"github.com/HanTheDev/plugin-pay-gateway/internal/oracle"
)

func TestMemoryCallLogAnalytics(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	log := NewMemoryCallLog()

	entries := []models.CallLog{
		{PluginID: 1, Caller: "0xa", Cost: "100", Success: true, StatusCode: 200, ExecutionTimeMs: 30, CreatedAt: base},
		{PluginID: 1, Caller: "0xb", Cost: "100", Success: true, StatusCode: 200, ExecutionTimeMs: 10, CreatedAt: base.Add(time.Hour)},
		{PluginID: 1, Caller: "0xa", Success: false, StatusCode: 402, ErrorKind: "escrow", CreatedAt: base.Add(2 * time.Hour)},
		{PluginID: 2, Caller: "0xa", Cost: "5", Success: true, StatusCode: 200, CreatedAt: base},
		{PluginID: 1, Caller: "0xa", Cost: "100", Success: true, StatusCode: 200, CreatedAt: base.Add(48 * time.Hour)},
	}
	for i := range entries {
		require.NoError(t, log.LogCall(ctx, &entries[i]))
	}

	stats, err := log.PluginAnalytics(ctx, 1, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, &models.PluginAnalytics{
		PluginID:     1,
		TotalCalls:   3,
		SuccessCalls: 2,
		FailedCalls:  1,
		Revenue:      "200",
		AvgExecMs:    20,
	}, stats)

	empty, err := log.PluginAnalytics(ctx, 9, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "0", empty.Revenue)
	assert.Zero(t, empty.TotalCalls)
}

func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	database, err := NewDB(ctx, url)
	require.NoError(t, err)
	t.Cleanup(database.Close)
	require.NoError(t, database.Migrate(ctx))
	return database
}

func testTask(now time.Time) *models.ConsumptionTask {
	hash := "0x" + uuid.NewString()
	return oracle.NewTask(&models.Receipt{
		Hash:      hash,
		Signature: "0x01",
		JobID:     "0x02",
		Caller:    "0x00000000000000000000000000000000000000aa",
		PluginID:  1,
		Cost:      "1000",
		Timestamp: now.Unix(),
	}, now)
}

func TestPostgresOutbox(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	task := testTask(now)

	inserted, err := database.Enqueue(ctx, task)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = database.Enqueue(ctx, task)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := database.Get(ctx, task.ReceiptHash)
	require.NoError(t, err)
	assert.Equal(t, task.Receipt, got.Receipt)
	assert.Equal(t, models.ConsumptionPending, got.Status)

	claimed, err := database.ClaimDue(ctx, now.Add(time.Second), time.Minute, 1000)
	require.NoError(t, err)
	var found bool
	for _, c := range claimed {
		found = found || c.ReceiptHash == task.ReceiptHash
	}
	assert.True(t, found)

	require.NoError(t, database.MarkFailed(ctx, task.ReceiptHash, "boom", now.Add(time.Hour), true))
	got, _ = database.Get(ctx, task.ReceiptHash)
	assert.Equal(t, models.ConsumptionFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "boom", got.LastError)

	require.NoError(t, database.Retry(ctx, task.ReceiptHash, now))
	require.NoError(t, database.MarkSubmitted(ctx, task.ReceiptHash, "0xtx"))
	got, _ = database.Get(ctx, task.ReceiptHash)
	assert.Equal(t, models.ConsumptionSubmitted, got.Status)
	assert.Equal(t, "0xtx", got.TxHash)

	assert.ErrorIs(t, database.Retry(ctx, task.ReceiptHash, now), oracle.ErrAlreadySubmitted)
	assert.ErrorIs(t, database.Retry(ctx, "0xmissing", now), oracle.ErrTaskNotFound)
	_, err = database.Get(ctx, "0xmissing")
	assert.ErrorIs(t, err, oracle.ErrTaskNotFound)

	list, err := database.List(ctx, models.ConsumptionSubmitted, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, list)
}

func TestPostgresCallLog(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	pluginID := uint64(time.Now().UnixNano() % 1_000_000_000)

	require.NoError(t, database.LogCall(ctx, &models.CallLog{PluginID: pluginID, Caller: "0xa", Cost: "7", Success: true, StatusCode: 200, ExecutionTimeMs: 12}))
	require.NoError(t, database.LogCall(ctx, &models.CallLog{PluginID: pluginID, Caller: "0xa", Success: false, StatusCode: 500, ErrorKind: "dispatch"}))

	stats, err := database.PluginAnalytics(ctx, pluginID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalCalls)
	assert.Equal(t, int64(1), stats.SuccessCalls)
	assert.Equal(t, "7", stats.Revenue)
	assert.Equal(t, int64(12), stats.AvgExecMs)
}
