package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetryRecoversFromDeadlock(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("storage: delete bucket: %w", &pgconn.PgError{Code: "40P01"})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnNonRetriable(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return ErrConflict
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, attempts, "non-retriable errors must not be retried")
}

func TestWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	serialization := &pgconn.PgError{Code: "40001"}
	err := WithRetry(context.Background(), 2, time.Millisecond, func() error {
		attempts++
		return serialization
	})

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "40001", pgErr.Code)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
}

func TestWithRetryHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := WithRetry(ctx, 5, 10*time.Millisecond, func() error {
		attempts++
		return &pgconn.PgError{Code: "40P01"}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isRetriable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isRetriable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isRetriable(errors.New("plain")))
	assert.False(t, isRetriable(nil))
}
