package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWithRetryRecoversFromColdDatabase(t *testing.T) {
	want := &DB{}
	attempts := 0
	db, err := newWithRetry(context.Background(), "dsn", discardLogger(), 5, time.Millisecond,
		func(context.Context, string, *slog.Logger) (*DB, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("connection refused")
			}
			return want, nil
		})
	require.NoError(t, err)
	assert.Same(t, want, db)
	assert.Equal(t, 3, attempts)
}

func TestNewWithRetryGivesUp(t *testing.T) {
	dialErr := errors.New("connection refused")
	attempts := 0
	_, err := newWithRetry(context.Background(), "dsn", discardLogger(), 2, time.Millisecond,
		func(context.Context, string, *slog.Logger) (*DB, error) {
			attempts++
			return nil, dialErr
		})
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 2, attempts)
}

func TestNewWithRetryHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	_, err := newWithRetry(ctx, "dsn", discardLogger(), 5, 10*time.Millisecond,
		func(context.Context, string, *slog.Logger) (*DB, error) {
			attempts++
			return nil, errors.New("connection refused")
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
