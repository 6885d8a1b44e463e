package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekro-agent/relay/pkg/database"
)

func TestHealthReportsPoolState(t *testing.T) {
	db := Setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := database.Health(ctx, db)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pool.ResponseTime, int64(0))
	assert.Positive(t, pool.Open)
}

func TestHealthReportsPingFailure(t *testing.T) {
	db := Setup(t)
	require.NoError(t, db.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := database.Health(ctx, db)
	assert.Error(t, err)
}
