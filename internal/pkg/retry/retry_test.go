package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
	errExpired   = errors.New("token expired")
)

func zeroPolicy(attempts int) Policy {
	return Policy{
		Name:        "test",
		MaxAttempts: attempts,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := zeroPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := zeroPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoHonoursRetryable(t *testing.T) {
	p := zeroPolicy(5)
	p.Retryable = func(err error) bool { return !errors.Is(err, errFatal) }

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errFatal
	})
	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDoRefreshesBeforeRetry(t *testing.T) {
	p := zeroPolicy(3)
	p.NeedsRefresh = func(err error) bool { return errors.Is(err, errExpired) }
	refreshed := 0
	token := "old"
	p.Refresh = func(ctx context.Context) error {
		refreshed++
		token = "new"
		return nil
	}

	err := p.Do(context.Background(), func(ctx context.Context) error {
		if token == "old" {
			return errExpired
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)
}

func TestDoRefreshFailureIsPermanent(t *testing.T) {
	p := zeroPolicy(3)
	p.NeedsRefresh = func(err error) bool { return true }
	p.Refresh = func(ctx context.Context) error { return errors.New("refresh denied") }

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errExpired
	})
	require.ErrorIs(t, err, errExpired)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := zeroPolicy(5).Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
