// Package queue RabbitMQ 扫描任务队列
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/config"
	"github.com/apk-analysis/appsec-engine/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var errChannelClosed = errors.New("rabbitmq channel is not open")

// RabbitMQ RabbitMQ 客户端，断线后由 Consumer 驱动重连
type RabbitMQ struct {
	cfg           config.RabbitMQConfig
	logger        *logrus.Logger
	prefetchCount int
	heartbeat     time.Duration

	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
	reconnect     chan struct{}
}

// NewRabbitMQ 连接并声明持久化队列；prefetchCount 应与 worker 数一致
func NewRabbitMQ(cfg config.RabbitMQConfig, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	mq := &RabbitMQ{
		cfg:           cfg,
		logger:        logger,
		prefetchCount: prefetchCount,
		heartbeat:     10 * time.Second,
		reconnect:     make(chan struct{}, 1),
	}
	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// AMQPURL 由配置拼出连接串，用户名和密码做转义
func AMQPURL(cfg config.RabbitMQConfig) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + url.PathEscape(cfg.VHost),
	}
	if cfg.VHost == "/" || cfg.VHost == "" {
		u.Path = "/"
	}
	return u.String()
}

func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(AMQPURL(mq.cfg), amqp.Config{
		Heartbeat: mq.heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(mq.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.cfg.Host,
		"port":           mq.cfg.Port,
		"queue":          mq.cfg.Queue,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")
	return nil
}

// WatchConnection 监听连接和 Channel 关闭事件，发出重连信号
func (mq *RabbitMQ) WatchConnection() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify, channelNotify := mq.connNotify, mq.channelNotify
			mq.mu.RUnlock()

			var err *amqp.Error
			select {
			case err = <-connNotify:
			case err = <-channelNotify:
			}

			mq.mu.RLock()
			closed := mq.closed
			mq.mu.RUnlock()
			if closed {
				return
			}

			if err != nil {
				mq.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}

			select {
			case mq.reconnect <- struct{}{}:
			default:
			}
			return
		}
	}()
}

// ReconnectChan 重连信号
func (mq *RabbitMQ) ReconnectChan() <-chan struct{} {
	return mq.reconnect
}

// Reconnect 关闭旧连接后按退避重试
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	rc := retry.DefaultConfig()
	rc.Operation = "rabbitmq_reconnect"
	rc.MaxAttempts = 10
	rc.Timeout = 0
	rc.Logger = mq.logger
	return retry.Do(ctx, rc, func(ctx context.Context) error {
		return mq.connect()
	})
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

func (mq *RabbitMQ) openChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil || mq.channel.IsClosed() {
		return nil, errChannelClosed
	}
	return mq.channel, nil
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.openChannel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", mq.cfg.Queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.openChannel()
	if err != nil {
		return nil, err
	}
	msgs, err := ch.Consume(mq.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待消费的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	ch, err := mq.openChannel()
	if err != nil {
		return 0, err
	}
	q, err := ch.QueueDeclarePassive(mq.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Close 关闭连接，之后不再重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
