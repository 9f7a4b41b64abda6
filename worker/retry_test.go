package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilot.mailarchive.org/common"
)

func TestRetryConfigDefaults(t *testing.T) {
	cfg := RetryConfig{}.withDefaults()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.InitialInterval)
	assert.Equal(t, 60*time.Second, cfg.MaxInterval)

	// Explicit values survive.
	cfg = RetryConfig{MaxAttempts: 7, InitialInterval: time.Second, MaxInterval: time.Minute}.withDefaults()
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialInterval)
	assert.Equal(t, time.Minute, cfg.MaxInterval)
}

func TestRetryWithBackoffStopsAtAttemptCeiling(t *testing.T) {
	boom := errors.New("backend down")
	attempts := 0
	var notified []int
	cfg := RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		OnRetry: func(attempt int, err error, next time.Duration) {
			notified = append(notified, attempt)
		},
	}

	err := RetryWithBackoff(context.Background(), cfg, func() error {
		attempts++
		return common.Transient("embed batch", boom)
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 3, attempts, "max attempts includes the first try")
	assert.Equal(t, []int{1, 2}, notified, "the hook fires only for attempts that will be retried")
}

func TestRetryWithBackoffPermanentShortCircuits(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	err := RetryWithBackoff(context.Background(), cfg, func() error {
		attempts++
		return common.Permanent("summarize thread", errors.New("model does not exist"))
	})

	require.Error(t, err)
	assert.True(t, common.IsPermanent(err))
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoffEventualSuccess(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	err := RetryWithBackoff(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return common.Transient("embed batch", errors.New("timeout"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoffCanceledContextAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialInterval: time.Hour, MaxInterval: time.Hour}

	err := RetryWithBackoff(ctx, cfg, func() error {
		attempts++
		return common.Transient("embed batch", errors.New("timeout"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a canceled context must not wait out the backoff")
}
