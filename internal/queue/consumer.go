package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ScanHandler 处理一条扫描消息；返回可重试错误时消息重新入队一次
type ScanHandler func(ctx context.Context, msg *ScanMessage) error

// source Consumer 依赖的队列能力，RabbitMQ 实现
type source interface {
	Consume() (<-chan amqp.Delivery, error)
	WatchConnection()
	ReconnectChan() <-chan struct{}
	Reconnect(ctx context.Context) error
}

// Consumer 扫描任务消费者
type Consumer struct {
	src           source
	logger        *logrus.Logger
	handler       ScanHandler
	workers       int
	workerWg      sync.WaitGroup
	activeWorkers int32

	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(src source, handler ScanHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		src:     src,
		logger:  logger,
		handler: handler,
		workers: workers,
	}
}

// Start 启动 worker 并监听断线重连
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.src.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true

	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}
	c.src.WatchConnection()

	c.logger.WithField("workers", c.workers).Info("Consumer started")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Message channel closed")
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage 处理单条消息并确认
// 可重试的失败只在首次投递时重新入队，避免无限循环
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	start := time.Now()

	msg, err := DecodeScanMessage(delivery.Body)
	if err != nil {
		c.logger.WithError(err).Error("Dropping malformed scan message")
		c.nack(delivery, false)
		return
	}

	fields := logrus.Fields{
		"worker_id": workerID,
		"scan_id":   msg.ScanID,
		"artifact":  msg.ArtifactPath,
	}
	c.logger.WithFields(fields).Info("Processing scan")

	if err := c.handler(ctx, msg); err != nil {
		requeue := retry.IsRetryable(err) && !delivery.Redelivered
		c.logger.WithError(err).WithFields(fields).WithField("requeue", requeue).Error("Scan processing failed")
		c.nack(delivery, requeue)
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.WithError(err).Error("Failed to acknowledge message")
	}

	c.logger.WithFields(fields).WithField("duration_ms", time.Since(start).Milliseconds()).Info("Scan completed")
}

func (c *Consumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.WithError(err).Error("Failed to nack message")
	}
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.src.ReconnectChan():
			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.stopWorkers()

			if err := c.src.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect to RabbitMQ")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 取消 worker 并等待在途消息处理完（最多 30 秒）
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for workers to stop")
	}
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// ActiveWorkers 活跃 worker 数量
func (c *Consumer) ActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// IsRunning 是否在消费
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
