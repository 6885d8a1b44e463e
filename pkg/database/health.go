package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolHealth is the connectivity probe result surfaced on the health
// endpoint, carrying the pool counters that reveal saturation.
type PoolHealth struct {
	ResponseTime int64 `json:"response_time_ms"`
	Open         int   `json:"open_connections"`
	InUse        int   `json:"in_use"`
	Idle         int   `json:"idle"`
}

// Health pings the database and reports the pool state. The counters are
// valid even when the ping fails; the error describes the failure.
func Health(ctx context.Context, db *sql.DB) (PoolHealth, error) {
	start := time.Now()
	err := db.PingContext(ctx)

	stats := db.Stats()
	return PoolHealth{
		ResponseTime: time.Since(start).Milliseconds(),
		Open:         stats.OpenConnections,
		InUse:        stats.InUse,
		Idle:         stats.Idle,
	}, err
}
