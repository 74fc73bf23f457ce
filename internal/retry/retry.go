// Package retry 带退避的重试，用于队列发布和数据库连接
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/sirupsen/logrus"
)

// Strategy 重试策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Config 重试配置
type Config struct {
	Operation       string // 日志和指标中的操作名
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Timeout         time.Duration // 总超时，0 表示不限制
	Logger          *logrus.Logger

	// OnAttempt 每次失败后调用（attempt 从 1 开始）
	OnAttempt func(operation string, attempt int)
	// OnRecovered 失败过至少一次后成功时调用
	OnRecovered func(operation string)
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         5 * time.Minute,
		Logger:          logrus.New(),
	}
}

// RetryableError 可显式声明是否重试的错误
type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	error
	retryable bool
}

func (e *retryableError) IsRetryable() bool { return e.retryable }

func (e *retryableError) Unwrap() error { return e.error }

// NewRetryableError 标记为可重试
func NewRetryableError(err error) error {
	return &retryableError{error: err, retryable: true}
}

// NewNonRetryableError 标记为不可重试
func NewNonRetryableError(err error) error {
	return &retryableError{error: err, retryable: false}
}

// IsRetryable 判断错误是否可重试
// 制品缺失、损坏、类型不支持的错误重试也不会成功
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	switch {
	case domain.IsFatal(err):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Func 可重试的函数
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	log := config.Logger.WithField("operation", config.Operation)

	var lastErr error
	interval := config.InitialInterval

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		start := time.Now()
		err := fn(ctx)
		duration := time.Since(start)

		if err == nil {
			if attempt > 1 {
				log.WithFields(logrus.Fields{
					"attempt":  attempt,
					"duration": duration,
				}).Info("Operation succeeded after retry")
				if config.OnRecovered != nil {
					config.OnRecovered(config.Operation)
				}
			}
			return nil
		}

		lastErr = err
		if config.OnAttempt != nil {
			config.OnAttempt(config.Operation, attempt)
		}

		log.WithFields(logrus.Fields{
			"attempt":  attempt,
			"max":      config.MaxAttempts,
			"duration": duration,
			"error":    err.Error(),
		}).Warn("Operation failed")

		if !IsRetryable(err) {
			log.WithError(err).Warn("Error is not retryable, aborting")
			return fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt >= config.MaxAttempts {
			break
		}

		interval = calculateNextInterval(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)

		log.WithFields(logrus.Fields{
			"next_attempt": attempt + 1,
			"wait":         interval,
		}).Info("Waiting before retry")

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", config.MaxAttempts, lastErr)
}

// calculateNextInterval 第 attempt 次失败后的等待时间
func calculateNextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration

	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}

	if max > 0 && next > max {
		next = max
	}
	return next
}

// DoWithResult 执行带重试的操作并返回结果
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
