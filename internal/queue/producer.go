package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apk-analysis/appsec-engine/internal/retry"
	"github.com/sirupsen/logrus"
)

// publisher 发布原始消息体，RabbitMQ 实现
type publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 扫描任务生产者
type Producer struct {
	pub    publisher
	retry  *retry.Config
	logger *logrus.Logger
}

// NewProducer 创建生产者；rc 为 nil 时使用默认重试策略
func NewProducer(pub publisher, rc *retry.Config, logger *logrus.Logger) *Producer {
	if rc == nil {
		rc = retry.DefaultConfig()
		rc.Logger = logger
	}
	if rc.Operation == "" {
		rc.Operation = "rabbitmq_publish"
	}
	return &Producer{pub: pub, retry: rc, logger: logger}
}

// PublishScan 校验并发布扫描消息，发布失败按退避重试
func (p *Producer) PublishScan(ctx context.Context, msg *ScanMessage) error {
	if err := msg.Validate(); err != nil {
		return retry.NewNonRetryableError(fmt.Errorf("invalid scan message: %w", err))
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := retry.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.pub.Publish(ctx, body)
	}); err != nil {
		p.logger.WithError(err).WithField("scan_id", msg.ScanID).Error("Failed to publish scan")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"scan_id":  msg.ScanID,
		"artifact": msg.ArtifactPath,
	}).Info("Scan published to queue")
	return nil
}
