package db

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
)

func (db *DB) LogCall(ctx context.Context, entry *models.CallLog) error {
	query := `
        INSERT INTO call_logs (job_id, plugin_id, caller, cost, success, status_code, error_kind, execution_time_ms)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `

	_, err := db.Pool.Exec(ctx, query,
		entry.JobID,
		int64(entry.PluginID),
		entry.Caller,
		costOrZero(entry.Cost),
		entry.Success,
		entry.StatusCode,
		entry.ErrorKind,
		entry.ExecutionTimeMs,
	)

	return err
}

// PluginAnalytics aggregates call logs in [from, to). Revenue counts
// successful calls only.
func (db *DB) PluginAnalytics(ctx context.Context, pluginID uint64, from, to time.Time) (*models.PluginAnalytics, error) {
	query := `
        SELECT
            COUNT(*),
            COUNT(*) FILTER (WHERE success),
            COUNT(*) FILTER (WHERE NOT success),
            COALESCE(SUM(cost::numeric) FILTER (WHERE success), 0)::text,
            COALESCE(AVG(execution_time_ms) FILTER (WHERE success), 0)::bigint
        FROM call_logs
        WHERE plugin_id = $1 AND created_at >= $2 AND created_at < $3
    `

	stats := models.PluginAnalytics{PluginID: pluginID}
	err := db.Pool.QueryRow(ctx, query, int64(pluginID), from, to).Scan(
		&stats.TotalCalls,
		&stats.SuccessCalls,
		&stats.FailedCalls,
		&stats.Revenue,
		&stats.AvgExecMs,
	)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}

func costOrZero(cost string) string {
	if cost == "" {
		return "0"
	}
	return cost
}

// MemoryCallLog keeps call logs in process when no database is configured.
type MemoryCallLog struct {
	mu      sync.Mutex
	entries []models.CallLog
	now     func() time.Time
}

func NewMemoryCallLog() *MemoryCallLog {
	return &MemoryCallLog{now: time.Now}
}

func (m *MemoryCallLog) LogCall(_ context.Context, entry *models.CallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *entry
	e.ID = int64(len(m.entries) + 1)
	e.Cost = costOrZero(e.Cost)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryCallLog) PluginAnalytics(_ context.Context, pluginID uint64, from, to time.Time) (*models.PluginAnalytics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &models.PluginAnalytics{PluginID: pluginID}
	revenue := new(big.Int)
	var execTotal int64
	for _, e := range m.entries {
		if e.PluginID != pluginID || e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		stats.TotalCalls++
		if !e.Success {
			stats.FailedCalls++
			continue
		}
		stats.SuccessCalls++
		execTotal += e.ExecutionTimeMs
		if c, ok := new(big.Int).SetString(e.Cost, 10); ok {
			revenue.Add(revenue, c)
		}
	}
	if stats.SuccessCalls > 0 {
		stats.AvgExecMs = execTotal / stats.SuccessCalls
	}
	stats.Revenue = revenue.String()
	return stats, nil
}
