package decompiler

import (
	"time"

	"github.com/apk-analysis/appsec-engine/internal/domain"
)

// 运行状态
const (
	StatusSuccess = "success" // 无告警
	StatusPartial = "partial" // 有告警的降级结果
	StatusFailed  = "failed"  // 致命错误
)

// Recorder 流水线指标回调
type Recorder interface {
	StageDuration(stage string, d time.Duration)
	RunFinished(binaryType domain.BinaryType, status string, d time.Duration)
	FindingsRecorded(counts map[domain.Severity]int)
}

type noopRecorder struct{}

func (noopRecorder) StageDuration(string, time.Duration)                  {}
func (noopRecorder) RunFinished(domain.BinaryType, string, time.Duration) {}
func (noopRecorder) FindingsRecorded(map[domain.Severity]int)             {}
