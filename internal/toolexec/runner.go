// Package toolexec 以超时和进程组为边界执行可选的外部工具
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	// ProbeTimeout 内省类工具（readelf / aapt2 / apksigner）
	ProbeTimeout = 30 * time.Second
	// DecompileTimeout 完整反编译工具（apktool / jadx）
	DecompileTimeout = 600 * time.Second

	waitDelay = 5 * time.Second
)

// Result 子进程输出
type Result struct {
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Observer 子进程结束回调（用于指标）
type Observer func(tool string, outcome string, duration time.Duration)

// Outcome 取值
const (
	OutcomeOK       = "ok"
	OutcomeMissing  = "missing"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

// Executor 各阶段依赖的执行接口，测试中可替换
type Executor interface {
	Run(ctx context.Context, timeout time.Duration, tool string, args ...string) (*Result, error)
}

var _ Executor = (*Runner)(nil)

// Runner 外部工具执行器
type Runner struct {
	logger   *logrus.Logger
	observer Observer
}

// NewRunner 创建执行器
func NewRunner(logger *logrus.Logger) *Runner {
	return &Runner{logger: logger}
}

// WithObserver 设置结束回调
func (r *Runner) WithObserver(o Observer) *Runner {
	r.observer = o
	return r
}

// Run 执行外部工具，超时或取消时杀掉整个进程组
// 工具缺失、失败、超时都返回包装了 ErrExternalToolUnavailable 的错误
func (r *Runner) Run(ctx context.Context, timeout time.Duration, tool string, args ...string) (*Result, error) {
	if tool == "" {
		return nil, fmt.Errorf("%w: tool not configured", domain.ErrExternalToolUnavailable)
	}

	path, err := exec.LookPath(tool)
	if err != nil {
		r.observe(tool, OutcomeMissing, 0)
		return nil, fmt.Errorf("%w: %s not found: %v", domain.ErrExternalToolUnavailable, tool, err)
	}

	if timeout <= 0 {
		timeout = ProbeTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: duration,
	}

	fields := logrus.Fields{
		"tool":        tool,
		"args":        args,
		"duration_ms": duration.Milliseconds(),
	}

	if runCtx.Err() != nil {
		outcome := OutcomeTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			outcome = OutcomeCanceled
		}
		r.observe(tool, outcome, duration)
		r.logger.WithFields(fields).Warn("External tool did not finish, process group killed")
		return result, fmt.Errorf("%w: %s %s after %s", domain.ErrExternalToolUnavailable, tool, outcome, timeout)
	}

	if err != nil {
		r.observe(tool, OutcomeFailed, duration)
		r.logger.WithError(err).WithFields(fields).Debug("External tool failed")
		return result, fmt.Errorf("%w: %s failed: %w", domain.ErrExternalToolUnavailable, tool, err)
	}

	r.observe(tool, OutcomeOK, duration)
	r.logger.WithFields(fields).Debug("External tool finished")
	return result, nil
}

func (r *Runner) observe(tool, outcome string, d time.Duration) {
	if r.observer != nil {
		r.observer(tool, outcome, d)
	}
}
