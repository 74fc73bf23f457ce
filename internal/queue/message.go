package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/retry"
)

// ScanMessage 扫描任务消息
type ScanMessage struct {
	ScanID       string    `json:"scan_id"`
	ArtifactPath string    `json:"artifact_path"`
	OutputDir    string    `json:"output_dir,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Validate 检查必填字段和制品类型
func (m *ScanMessage) Validate() error {
	if m.ScanID == "" {
		return errors.New("scan_id is required")
	}
	if m.ArtifactPath == "" {
		return errors.New("artifact_path is required")
	}
	if _, err := domain.BinaryTypeFromPath(m.ArtifactPath); err != nil {
		return err
	}
	return nil
}

// DecodeScanMessage 解析消息体；格式错误的消息重投也无法处理，标记为不可重试
func DecodeScanMessage(body []byte) (*ScanMessage, error) {
	var msg ScanMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, retry.NewNonRetryableError(fmt.Errorf("unmarshal scan message: %w", err))
	}
	if err := msg.Validate(); err != nil {
		return nil, retry.NewNonRetryableError(fmt.Errorf("invalid scan message: %w", err))
	}
	return &msg, nil
}
