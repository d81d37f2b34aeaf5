package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
)

type fakeReader struct {
	messages chan kafkaGo.Message
	errs     chan error
	closed   bool
	mu       sync.Mutex
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		messages: make(chan kafkaGo.Message, 10),
		errs:     make(chan error, 10),
	}
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafkaGo.Message, error) {
	select {
	case err := <-f.errs:
		return kafkaGo.Message{}, err
	default:
	}
	select {
	case m := <-f.messages:
		return m, nil
	case err := <-f.errs:
		return kafkaGo.Message{}, err
	case <-ctx.Done():
		return kafkaGo.Message{}, ctx.Err()
	}
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type mockResetter struct {
	mu    sync.Mutex
	users []string
}

func (m *mockResetter) ResetUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, userID)
	return 1
}

func (m *mockResetter) reset() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.users...)
}

func orderMessage(t *testing.T, eventType string, payload any) kafkaGo.Message {
	t.Helper()
	value, err := json.Marshal(payload)
	require.NoError(t, err)
	m := kafkaGo.Message{Key: []byte("order"), Value: value}
	if eventType != "" {
		m.Headers = []kafkaGo.Header{{Key: "event_type", Value: []byte(eventType)}}
	}
	return m
}

func TestPoller_ResetsUserOnOrderCreated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := newFakeReader()
	carts := &mockResetter{}
	p := NewPollerWithReader(carts, reader, zerolog.Nop())

	reader.messages <- orderMessage(t, EventOrderCreated, map[string]any{"user_id": 42, "order_id": 7})
	reader.messages <- orderMessage(t, "", map[string]any{"user_id": "lan"})

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(carts.reset()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"42", "lan"}, carts.reset())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_SkipsOtherAndInvalidEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := newFakeReader()
	carts := &mockResetter{}
	p := NewPollerWithReader(carts, reader, zerolog.Nop())

	reader.messages <- orderMessage(t, "order_cancelled", map[string]any{"user_id": 1})
	reader.messages <- kafkaGo.Message{Value: []byte("{not json")}
	reader.messages <- orderMessage(t, EventOrderCreated, map[string]any{"order_id": 3})
	reader.messages <- orderMessage(t, EventOrderCreated, map[string]any{"user_id": 9})

	go p.Run(ctx)

	require.Eventually(t, func() bool {
		return len(carts.reset()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"9"}, carts.reset())
}

func TestPoller_KeepsRunningAfterReadError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := newFakeReader()
	carts := &mockResetter{}
	p := NewPollerWithReader(carts, reader, zerolog.Nop())

	reader.errs <- errors.New("broker unavailable")
	reader.messages <- orderMessage(t, EventOrderCreated, map[string]any{"user_id": "5"})

	go p.Run(ctx)

	require.Eventually(t, func() bool {
		return len(carts.reset()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoller_Close(t *testing.T) {
	reader := newFakeReader()
	p := NewPollerWithReader(&mockResetter{}, reader, zerolog.Nop())
	p.Close()
	assert.True(t, reader.closed)
}

func setupKafka(t *testing.T) string {
	ctx := context.Background()

	kafkaContainer, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers, "broker address should not be empty")
	return brokers[0]
}

func createTopic(t *testing.T, brokerAddr, topic string) {
	conn, err := kafkaGo.Dial("tcp", brokerAddr)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkaGo.Dial("tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	require.NoError(t, err)
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkaGo.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		t.Logf("topic creation error (may already exist): %v", err)
	}
}

func TestPoller_Kafka(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka container test in short mode")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := setupKafka(t)
	createTopic(t, broker, DefaultTopic)

	carts := &mockResetter{}
	p := NewPoller(carts, zerolog.Nop(), Config{Brokers: []string{broker}})
	defer p.Close()

	w := &kafkaGo.Writer{
		Addr:                   kafkaGo.TCP(broker),
		Topic:                  DefaultTopic,
		Balancer:               &kafkaGo.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	err := w.WriteMessages(ctx, orderMessage(t, EventOrderCreated, map[string]any{"user_id": 123, "order_id": 1}))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	go p.Run(ctx)
	require.Eventually(t, func() bool {
		return len(carts.reset()) == 1
	}, 15*time.Second, 500*time.Millisecond)
	assert.Equal(t, []string{"123"}, carts.reset())
}
