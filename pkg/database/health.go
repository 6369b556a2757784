package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolHealth is the health endpoint's view of Postgres: the ping outcome
// plus the pool counters that show whether requests are queueing on
// connections.
type PoolHealth struct {
	Status    string `json:"status"`
	PingMs    int64  `json:"ping_ms"`
	Open      int    `json:"open"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	MaxOpen   int    `json:"max_open"`
	WaitCount int64  `json:"wait_count"`
	WaitMs    int64  `json:"wait_ms"`
}

// Health pings the database and snapshots the pool statistics. A non-nil
// error always pairs with an "unhealthy" status.
func Health(ctx context.Context, db *sql.DB) (*PoolHealth, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &PoolHealth{
			Status: "unhealthy",
			PingMs: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &PoolHealth{
		Status:    "healthy",
		PingMs:    time.Since(start).Milliseconds(),
		Open:      stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
		MaxOpen:   stats.MaxOpenConnections,
		WaitCount: stats.WaitCount,
		WaitMs:    stats.WaitDuration.Milliseconds(),
	}, nil
}
