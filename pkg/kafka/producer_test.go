package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter records written messages in memory.
type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// --- Event tests ---

func TestNewEvent_Fields(t *testing.T) {
	type deadLetter struct {
		Type     string `json:"type"`
		Attempts int    `json:"attempts"`
	}

	data := deadLetter{Type: "page_view", Attempts: 10}
	event, err := NewEvent("activity.dead_lettered", "summit-agent", data)
	require.NoError(t, err)

	assert.NotEmpty(t, event.EventID, "EventID should be a non-empty UUID")
	assert.Equal(t, "activity.dead_lettered", event.EventType)
	assert.Equal(t, "summit-agent", event.Source)
	assert.Equal(t, 1, event.Version)
	assert.WithinDuration(t, time.Now().UTC(), event.OccurredAt, 2*time.Second)
	assert.NotNil(t, event.Metadata)

	var got deadLetter
	require.NoError(t, event.UnmarshalData(&got))
	assert.Equal(t, data, got)
}

func TestNewEvent_InvalidData(t *testing.T) {
	_, err := NewEvent("activity.dead_lettered", "summit-agent", make(chan int))
	require.Error(t, err)
}

func TestEvent_Chaining(t *testing.T) {
	event, err := NewEvent("activity.dead_lettered", "summit-agent", nil)
	require.NoError(t, err)

	result := event.WithSubject("user-1", "company-1").
		WithCorrelationID("corr-xyz").
		WithMetadata("reason", "VALIDATION_ERROR")

	assert.Same(t, event, result)
	assert.Equal(t, "user-1", event.UserID)
	assert.Equal(t, "company-1", event.CompanyID)
	assert.Equal(t, "corr-xyz", event.CorrelationID)
	assert.Equal(t, "VALIDATION_ERROR", event.Metadata["reason"])
}

func TestEvent_WithMetadata_NilMetadataMap(t *testing.T) {
	event := &Event{EventID: "evt-1"}
	event.WithMetadata("key", "value")
	assert.Equal(t, "value", event.Metadata["key"])
}

func TestEvent_Key(t *testing.T) {
	event := &Event{EventID: "evt-1"}
	assert.Equal(t, []byte("evt-1"), event.Key(), "anonymous events are keyed by id")

	event.WithSubject("user-9", "")
	assert.Equal(t, []byte("user-9"), event.Key(), "events of one user share a partition")
}

func TestUnmarshalEvent_InvalidJSON(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{broken json`))
	require.Error(t, err)
}

// --- Topic tests ---

func TestTopic(t *testing.T) {
	assert.Equal(t, "summit.activity.dead_lettered", Topic("activity", "dead_lettered"))
	assert.Equal(t, "summit", TopicPrefix)
}

// --- Producer tests ---

func TestDefaultProducerConfig(t *testing.T) {
	brokers := []string{"broker1:9092", "broker2:9092"}
	cfg := DefaultProducerConfig(brokers)

	assert.Equal(t, brokers, cfg.Brokers)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.BatchTimeout)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.False(t, cfg.Async)
}

func TestNewProducer_CreatesInstance(t *testing.T) {
	// No connection is made until the first publish.
	p := NewProducer(DefaultProducerConfig([]string{"localhost:19092"}), nil)
	require.NotNil(t, p)
	assert.Equal(t, []string{"localhost:19092"}, p.brokers)
	assert.NoError(t, p.Close())
}

func TestPublish_WritesMessage(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, nil, nil)

	event, err := NewEvent("activity.dead_lettered", "summit-agent", map[string]string{"type": "link_click"})
	require.NoError(t, err)
	event.WithSubject("user-1", "company-1").WithCorrelationID("corr-1")

	require.NoError(t, p.Publish(context.Background(), "summit.activity.dead_lettered", event))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "summit.activity.dead_lettered", msg.Topic)
	assert.Equal(t, []byte("user-1"), msg.Key)
	assert.Equal(t, "activity.dead_lettered", header(msg, "event_type"))
	assert.Equal(t, "summit-agent", header(msg, "source"))
	assert.Equal(t, "corr-1", header(msg, "correlation_id"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.EventID, decoded["event_id"])
}

func TestPublish_OmitsEmptyCorrelationHeader(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, nil, nil)

	event, err := NewEvent("activity.dead_lettered", "summit-agent", nil)
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), "t", event))

	assert.Empty(t, header(w.messages[0], "correlation_id"))
}

func TestPublish_WrapsWriterError(t *testing.T) {
	cause := errors.New("broker down")
	p := NewProducerWithWriter(&fakeWriter{err: cause}, nil, nil)

	event, err := NewEvent("activity.dead_lettered", "summit-agent", nil)
	require.NoError(t, err)

	err = p.Publish(context.Background(), "summit.activity.dead_lettered", event)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "summit.activity.dead_lettered")
}

func TestProducer_Close(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, NewProducerWithWriter(w, nil, nil).Close())
	assert.True(t, w.closed)
}

func TestPingBrokers_NoBrokers(t *testing.T) {
	err := PingBrokers(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no brokers configured")
}
