package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("throttled")
var errPermanent = errors.New("permission denied")

func classify(err error) Class {
	if errors.Is(err, errPermanent) {
		return Terminal
	}
	return Retryable
}

func TestRun_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	cfg := Config{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	err := Run(context.Background(), cfg, classify, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRun_TerminalFailsImmediately(t *testing.T) {
	attempts := 0
	cfg := Config{InitialInterval: time.Millisecond}
	err := Run(context.Background(), cfg, classify, func(ctx context.Context) error {
		attempts++
		return errPermanent
	})
	require.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, attempts)
}

func TestRun_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{InitialInterval: time.Millisecond}
	err := Run(ctx, cfg, classify, func(ctx context.Context) error {
		return errTransient
	})
	require.ErrorIs(t, err, ErrCancelled)
}

func TestRunWithDeadline_TimesOut(t *testing.T) {
	cfg := Config{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	err := RunWithDeadline(context.Background(), 20*time.Millisecond, cfg, classify, func(ctx context.Context) error {
		return errTransient
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
