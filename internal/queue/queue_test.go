package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/config"
	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeAck 记录确认结果
type fakeAck struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func delivery(t *testing.T, ack *fakeAck, tag uint64, msg any, redelivered bool) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body, Redelivered: redelivered}
}

func TestDecodeScanMessage(t *testing.T) {
	msg, err := DecodeScanMessage([]byte(`{"scan_id":"s1","artifact_path":"/in/app.apk"}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", msg.ScanID)

	for _, body := range []string{
		`not json`,
		`{"artifact_path":"/in/app.apk"}`,
		`{"scan_id":"s1"}`,
		`{"scan_id":"s1","artifact_path":"/in/notes.txt"}`,
	} {
		_, err := DecodeScanMessage([]byte(body))
		require.Error(t, err, body)
		assert.False(t, retry.IsRetryable(err), body)
	}
}

func TestConsumer_ProcessMessage(t *testing.T) {
	valid := ScanMessage{ScanID: "s1", ArtifactPath: "/in/app.apk"}

	tests := []struct {
		name        string
		handlerErr  error
		redelivered bool
		body        any
		wantAck     bool
		wantRequeue bool
	}{
		{name: "success", body: valid, wantAck: true},
		{name: "malformed", body: "garbage"},
		{name: "fatal artifact error", body: valid, handlerErr: fmt.Errorf("%w: gone", domain.ErrArtifactNotFound)},
		{name: "transient first delivery", body: valid, handlerErr: errors.New("database is locked"), wantRequeue: true},
		{name: "transient redelivered", body: valid, handlerErr: errors.New("database is locked"), redelivered: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *ScanMessage
			c := NewConsumer(nil, func(ctx context.Context, msg *ScanMessage) error {
				got = msg
				return tt.handlerErr
			}, 1, quietLogger())

			ack := &fakeAck{}
			c.processMessage(context.Background(), 0, delivery(t, ack, 7, tt.body, tt.redelivered))

			if tt.wantAck {
				assert.Equal(t, []uint64{7}, ack.acked)
				assert.Empty(t, ack.nacked)
				require.NotNil(t, got)
				assert.Equal(t, "s1", got.ScanID)
				return
			}
			assert.Empty(t, ack.acked)
			assert.Equal(t, []uint64{7}, ack.nacked)
			assert.Equal(t, []bool{tt.wantRequeue}, ack.requeue)
		})
	}
}

// fakeSource 内存中的消息源
type fakeSource struct {
	msgs      chan amqp.Delivery
	reconnect chan struct{}
}

func (f *fakeSource) Consume() (<-chan amqp.Delivery, error) { return f.msgs, nil }
func (f *fakeSource) WatchConnection()                       {}
func (f *fakeSource) ReconnectChan() <-chan struct{}         { return f.reconnect }
func (f *fakeSource) Reconnect(ctx context.Context) error    { return nil }

func TestConsumer_StartStop(t *testing.T) {
	src := &fakeSource{msgs: make(chan amqp.Delivery, 4), reconnect: make(chan struct{})}

	handled := make(chan string, 4)
	c := NewConsumer(src, func(ctx context.Context, msg *ScanMessage) error {
		handled <- msg.ScanID
		return nil
	}, 2, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsRunning())

	ack := &fakeAck{}
	src.msgs <- delivery(t, ack, 1, ScanMessage{ScanID: "a", ArtifactPath: "a.apk"}, false)
	src.msgs <- delivery(t, ack, 2, ScanMessage{ScanID: "b", ArtifactPath: "b.ipa"}, false)

	var ids []string
	for i := 0; i < 2; i++ {
		select {
		case id := <-handled:
			ids = append(ids, id)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler")
		}
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	c.Stop()
	assert.False(t, c.IsRunning())
	assert.Zero(t, c.ActiveWorkers())
}

// fakePublisher 前 failures 次失败
type fakePublisher struct {
	failures int
	calls    int
	bodies   [][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, body []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("channel closed")
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func fastRetry() *retry.Config {
	return &retry.Config{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Strategy:        retry.StrategyFixed,
		Logger:          quietLogger(),
	}
}

func TestProducer_PublishScan(t *testing.T) {
	pub := &fakePublisher{failures: 2}
	p := NewProducer(pub, fastRetry(), quietLogger())

	msg := &ScanMessage{ScanID: "s1", ArtifactPath: "/in/app.aab", SubmittedAt: time.Unix(0, 0).UTC()}
	require.NoError(t, p.PublishScan(context.Background(), msg))
	assert.Equal(t, 3, pub.calls)
	require.Len(t, pub.bodies, 1)

	decoded, err := DecodeScanMessage(pub.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, *msg, *decoded)
}

func TestProducer_PublishScanFailures(t *testing.T) {
	pub := &fakePublisher{failures: 10}
	p := NewProducer(pub, fastRetry(), quietLogger())

	err := p.PublishScan(context.Background(), &ScanMessage{ScanID: "s1", ArtifactPath: "app.apk"})
	assert.Error(t, err)
	assert.Equal(t, 3, pub.calls)

	pub = &fakePublisher{}
	p = NewProducer(pub, fastRetry(), quietLogger())
	err = p.PublishScan(context.Background(), &ScanMessage{ScanID: "s1", ArtifactPath: "notes.txt"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedArtifact)
	assert.Zero(t, pub.calls)
}

func TestAMQPURL(t *testing.T) {
	cfg := config.RabbitMQConfig{Host: "mq", Port: 5672, User: "scan", Password: "p@ss/word", VHost: "/"}
	assert.Equal(t, "amqp://scan:p%40ss%2Fword@mq:5672/", AMQPURL(cfg))

	cfg.VHost = "appsec"
	assert.Equal(t, "amqp://scan:p%40ss%2Fword@mq:5672/appsec", AMQPURL(cfg))
}
