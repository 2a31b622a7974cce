// Package bus implements the in-process publish/subscribe backbone that
// connects the discovery worker, usage tracker, quota enforcer and alert
// manager.
//
// Guarantees:
//   - For a single topic, subscribers receive events in publish order: each
//     topic owns exactly one dispatch goroutine feeding from one channel.
//   - No ordering is guaranteed across different topics.
//   - Delivery is at-least-once to every currently registered subscriber.
//   - A subscriber that panics while handling an event is isolated; the
//     failure is logged and delivery continues to other subscribers and
//     subsequent events.
//
// The bus provides no durability: events published after Close, or still
// queued when the process dies, are lost. Durable history is the
// persistence collaborator's concern, not the bus's.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
)

// Handler consumes one event. Handlers for one topic run sequentially in
// publish order; a handler must not block indefinitely.
type Handler func(event model.Event)

// Bus is the publish/subscribe interface exposed to all components and to
// external observers (UI, camera source).
type Bus interface {
	// Subscribe registers a handler for one topic. The subscriber name is
	// used only for diagnostics.
	Subscribe(topic model.Topic, subscriberName string, handler Handler) error

	// Publish enqueues an event for delivery on its topic. A zero event
	// timestamp is replaced with the current time. Publishing after Close
	// drops the event with a log line.
	Publish(event model.Event)

	// Close stops all topic dispatchers after draining queued events,
	// bounded by the given context.
	Close(ctx context.Context) error
}

type subscription struct {
	name    string
	handler Handler
}

// busImpl pre-creates one dispatch channel and goroutine per topic from
// the fixed enumeration in model.AllTopics.
type busImpl struct {
	mutexForSubscribers sync.RWMutex
	subscribersByTopic  map[model.Topic][]subscription

	// mutexForState guards only the closed flag so publishers and Close
	// never contend with dispatchers delivering events.
	mutexForState sync.RWMutex
	closed        bool

	channelsByTopic map[model.Topic]chan model.Event
	dispatchersDone chan struct{}
}

// New creates a Bus with the given per-topic queue depth. Depth <= 0
// falls back to a default suitable for a household-scale event rate.
func New(queueDepth int) Bus {
	if queueDepth <= 0 {
		queueDepth = 64
	}

	instance := &busImpl{
		subscribersByTopic: make(map[model.Topic][]subscription),
		channelsByTopic:    make(map[model.Topic]chan model.Event),
		dispatchersDone:    make(chan struct{}),
	}

	topics := model.AllTopics()
	var waitGroup sync.WaitGroup
	waitGroup.Add(len(topics))

	for _, topic := range topics {
		channel := make(chan model.Event, queueDepth)
		instance.channelsByTopic[topic] = channel

		go func(topic model.Topic, channel chan model.Event) {
			defer waitGroup.Done()
			instance.dispatchLoop(topic, channel)
		}(topic, channel)
	}

	go func() {
		waitGroup.Wait()
		close(instance.dispatchersDone)
	}()

	logger.BusLog.Infof("event bus started with %d topics, queueDepth=%d", len(topics), queueDepth)
	return instance
}

// Subscribe implements Bus.Subscribe.
func (instance *busImpl) Subscribe(
	topic model.Topic,
	subscriberName string,
	handler Handler,
) error {
	if !model.IsValidTopic(string(topic)) {
		return fmt.Errorf("unknown topic %q", topic)
	}
	if handler == nil {
		return fmt.Errorf("subscriber %q registered a nil handler", subscriberName)
	}

	instance.mutexForSubscribers.Lock()
	defer instance.mutexForSubscribers.Unlock()

	instance.subscribersByTopic[topic] = append(instance.subscribersByTopic[topic], subscription{
		name:    subscriberName,
		handler: handler,
	})

	logger.BusLog.Debugf("subscriber %q registered on topic=%s", subscriberName, topic)
	return nil
}

// Publish implements Bus.Publish.
func (instance *busImpl) Publish(event model.Event) {
	channel, exists := instance.channelsByTopic[event.Topic]
	if !exists {
		logger.BusLog.Warnf("dropping event with unknown topic=%q", event.Topic)
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	instance.mutexForState.RLock()
	defer instance.mutexForState.RUnlock()

	if instance.closed {
		logger.BusLog.Debugf("bus closed, dropping event topic=%s", event.Topic)
		return
	}

	channel <- event
}

// Close implements Bus.Close.
func (instance *busImpl) Close(ctx context.Context) error {
	instance.mutexForState.Lock()
	if instance.closed {
		instance.mutexForState.Unlock()
		return nil
	}
	instance.closed = true
	for _, channel := range instance.channelsByTopic {
		close(channel)
	}
	instance.mutexForState.Unlock()

	select {
	case <-instance.dispatchersDone:
		logger.BusLog.Info("event bus stopped")
		return nil
	case <-ctx.Done():
		logger.BusLog.Warnf("event bus close timed out: %v", ctx.Err())
		return ctx.Err()
	}
}

// dispatchLoop delivers queued events for one topic until the channel is
// closed and drained.
func (instance *busImpl) dispatchLoop(topic model.Topic, channel chan model.Event) {
	for event := range channel {
		instance.mutexForSubscribers.RLock()
		subscribers := instance.subscribersByTopic[topic]
		instance.mutexForSubscribers.RUnlock()

		for _, subscriber := range subscribers {
			instance.deliver(topic, subscriber, event)
		}
	}
}

// deliver invokes one subscriber with panic isolation.
func (instance *busImpl) deliver(topic model.Topic, subscriber subscription, event model.Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.BusLog.Errorf(
				"subscriber %q panicked on topic=%s: %v",
				subscriber.name, topic, recovered,
			)
		}
	}()

	subscriber.handler(event)
}
