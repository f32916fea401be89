package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBLimiter_Allow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewDBLimiter(db, Config{Limit: 2, Window: time.Minute})
	ctx := context.Background()
	windowStart := time.Now()

	mock.ExpectQuery("INSERT INTO relay_rate_limits").
		WithArgs("container-a", time.Minute.Seconds()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "window_start"}).AddRow(1, windowStart))

	d, err := l.Allow(ctx, "container-a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.WithinDuration(t, windowStart.Add(time.Minute), d.Reset, time.Second)

	mock.ExpectQuery("INSERT INTO relay_rate_limits").
		WillReturnRows(sqlmock.NewRows([]string{"count", "window_start"}).AddRow(3, windowStart))

	d, err = l.Allow(ctx, "container-a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
}

func TestDBLimiter_Prune(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewDBLimiter(db, Config{Window: time.Minute})
	mock.ExpectExec("DELETE FROM relay_rate_limits").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := l.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
