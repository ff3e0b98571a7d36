package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func fastConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		return errTransient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, attempts)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	cfg := fastConfig()
	cfg.NonRetryableErrors = []error{errFatal}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, attempts)
}

func TestRetry_PredicateDistinguishesErrors(t *testing.T) {
	cfg := fastConfig()
	cfg.Retryable = func(err error) bool { return errors.Is(err, errTransient) }

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts == 1 {
			return errTransient
		}
		return errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 2, attempts)
}

func TestRetry_ContextCancelled(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Retry(ctx, cfg, func() error { return errTransient })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetry_Disabled(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errTransient
	})

	assert.Same(t, errTransient, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastConfig(), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", errTransient
		}
		return "share_1", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "share_1", got)
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 0))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(cfg, 2))
	assert.Equal(t, time.Second, calculateDelay(cfg, 10))

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		d := calculateDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}
