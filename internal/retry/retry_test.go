package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(attempts int) *Config {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Config{
		Operation:       "test",
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Strategy:        StrategyFixed,
		Logger:          logger,
	}
}

func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(3), func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	cfg := testConfig(5)
	var failed []int
	recovered := ""
	cfg.OnAttempt = func(op string, attempt int) { failed = append(failed, attempt) }
	cfg.OnRecovered = func(op string) { recovered = op }

	attempts := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, failed)
	assert.Equal(t, "test", recovered)
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(3), func(ctx context.Context) error {
		attempts++
		return errors.New("persistent error")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max attempts")
}

// TestDo_FatalArtifactErrors 制品类错误不重试
func TestDo_FatalArtifactErrors(t *testing.T) {
	for _, sentinel := range []error{domain.ErrArtifactNotFound, domain.ErrArtifactCorrupt, domain.ErrUnsupportedArtifact} {
		attempts := 0
		err := Do(context.Background(), testConfig(5), func(ctx context.Context) error {
			attempts++
			return fmt.Errorf("%w: app.apk", sentinel)
		})

		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, attempts, sentinel.Error())
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, testConfig(3), func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, attempts)
}

func TestDo_CanceledDuringWait(t *testing.T) {
	cfg := testConfig(3)
	cfg.InitialInterval = time.Hour
	cfg.MaxInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, cfg, func(ctx context.Context) error {
		cancel()
		return errors.New("boom")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "during wait")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("dial tcp: refused"), true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"corrupt", fmt.Errorf("open: %w", domain.ErrArtifactCorrupt), false},
		{"tool unavailable", domain.ErrExternalToolUnavailable, true},
		{"explicit non-retryable", NewNonRetryableError(errors.New("bad config")), false},
		{"explicit retryable", NewRetryableError(context.Canceled), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestNonRetryableError_Unwrap(t *testing.T) {
	err := NewNonRetryableError(domain.ErrPartialManifest)
	assert.ErrorIs(t, err, domain.ErrPartialManifest)
}

func TestCalculateNextInterval(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, initial, calculateNextInterval(StrategyFixed, initial, max, 3))
	assert.Equal(t, 300*time.Millisecond, calculateNextInterval(StrategyLinear, initial, max, 3))
	assert.Equal(t, 400*time.Millisecond, calculateNextInterval(StrategyExponential, initial, max, 3))
	assert.Equal(t, max, calculateNextInterval(StrategyExponential, initial, max, 10))
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	got, err := DoWithResult(context.Background(), testConfig(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	_, err = DoWithResult(context.Background(), testConfig(2), func(ctx context.Context) (int, error) {
		return 0, errors.New("always")
	})
	assert.Error(t, err)
}
