package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homewatch/netguard/internal/model"
)

func TestPublishDeliversInOrderPerTopic(t *testing.T) {
	eventBus := New(16)

	var mutex sync.Mutex
	var receivedValues []float64

	subscribeError := eventBus.Subscribe(model.TopicDeviceOnline, "test-subscriber", func(event model.Event) {
		mutex.Lock()
		receivedValues = append(receivedValues, event.Value)
		mutex.Unlock()
	})
	require.NoError(t, subscribeError)

	for i := 0; i < 10; i++ {
		eventBus.Publish(model.Event{
			Topic: model.TopicDeviceOnline,
			Value: float64(i),
		})
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eventBus.Close(closeCtx))

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, receivedValues, 10)
	for i := 0; i < 10; i++ {
		assert.Equal(t, float64(i), receivedValues[i])
	}
}

func TestPanickingSubscriberDoesNotBreakDelivery(t *testing.T) {
	eventBus := New(16)

	var mutex sync.Mutex
	var healthyCount int

	require.NoError(t, eventBus.Subscribe(model.TopicMotionDetected, "panicking", func(event model.Event) {
		panic("boom")
	}))
	require.NoError(t, eventBus.Subscribe(model.TopicMotionDetected, "healthy", func(event model.Event) {
		mutex.Lock()
		healthyCount++
		mutex.Unlock()
	}))

	eventBus.Publish(model.Event{Topic: model.TopicMotionDetected})
	eventBus.Publish(model.Event{Topic: model.TopicMotionDetected})

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eventBus.Close(closeCtx))

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 2, healthyCount)
}

func TestSubscribeRejectsUnknownTopicAndNilHandler(t *testing.T) {
	eventBus := New(8)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eventBus.Close(closeCtx)
	}()

	assert.Error(t, eventBus.Subscribe(model.Topic("NOT_A_TOPIC"), "x", func(event model.Event) {}))
	assert.Error(t, eventBus.Subscribe(model.TopicDeviceOnline, "x", nil))
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	eventBus := New(8)

	var mutex sync.Mutex
	var deliveredCount int
	require.NoError(t, eventBus.Subscribe(model.TopicDeviceOffline, "counter", func(event model.Event) {
		mutex.Lock()
		deliveredCount++
		mutex.Unlock()
	}))

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eventBus.Close(closeCtx))

	// Must not panic, must not deliver.
	eventBus.Publish(model.Event{Topic: model.TopicDeviceOffline})

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 0, deliveredCount)
}

func TestCloseIsIdempotent(t *testing.T) {
	eventBus := New(8)

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eventBus.Close(closeCtx))
	require.NoError(t, eventBus.Close(closeCtx))
}

func TestZeroTimestampIsStamped(t *testing.T) {
	eventBus := New(8)

	var mutex sync.Mutex
	var receivedTimestamp time.Time
	require.NoError(t, eventBus.Subscribe(model.TopicRecordingComplete, "stamp", func(event model.Event) {
		mutex.Lock()
		receivedTimestamp = event.Timestamp
		mutex.Unlock()
	}))

	eventBus.Publish(model.Event{Topic: model.TopicRecordingComplete})

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eventBus.Close(closeCtx))

	mutex.Lock()
	defer mutex.Unlock()
	assert.False(t, receivedTimestamp.IsZero())
}
