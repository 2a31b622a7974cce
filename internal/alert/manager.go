// Package alert evaluates configured alert rules against bus events,
// applies per-rule cooldown, persists every qualifying occurrence and
// delivers non-suppressed alerts to notification channels.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/homewatch/netguard/internal/bus"
	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
	"github.com/homewatch/netguard/internal/notify"
	"github.com/homewatch/netguard/internal/store"
	"github.com/homewatch/netguard/pkg/factory"
)

// Manager is the alert pipeline. Rule evaluation and cooldown decisions
// run synchronously on the bus dispatcher so occurrences on one topic
// are judged in order; notification delivery runs in the background.
type Manager struct {
	eventBus        bus.Bus
	historyStore    store.Store
	sender          notify.NotificationSender
	policyStore     factory.PolicyStore
	maxSendAttempts int

	mutexForRules sync.Mutex
	rulesByTopic  map[model.Topic][]model.AlertRule
	lastFiredAt   map[string]time.Time
}

// NewManager creates an alert manager with the given initial rule set.
func NewManager(
	eventBus bus.Bus,
	historyStore store.Store,
	sender notify.NotificationSender,
	policyStore factory.PolicyStore,
	maxSendAttempts int,
) *Manager {
	if maxSendAttempts <= 0 {
		maxSendAttempts = 3
	}

	manager := &Manager{
		eventBus:        eventBus,
		historyStore:    historyStore,
		sender:          sender,
		policyStore:     policyStore,
		maxSendAttempts: maxSendAttempts,
		rulesByTopic:    make(map[model.Topic][]model.AlertRule),
		lastFiredAt:     make(map[string]time.Time),
	}
	manager.SetRules(policyStore.AlertRules())
	return manager
}

// Subscribe attaches the manager to every topic on the bus.
func (manager *Manager) Subscribe() error {
	for _, topic := range model.AllTopics() {
		if subscribeError := manager.eventBus.Subscribe(topic, "alert-manager", manager.HandleEvent); subscribeError != nil {
			return subscribeError
		}
	}
	return nil
}

// SetRules replaces the active rule set. Cooldown timestamps survive the
// swap so a reload does not re-fire rules that are still cooling down.
func (manager *Manager) SetRules(rules []model.AlertRule) {
	rulesByTopic := make(map[model.Topic][]model.AlertRule)
	enabledCount := 0
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		rulesByTopic[rule.Topic] = append(rulesByTopic[rule.Topic], rule)
		enabledCount++
	}

	manager.mutexForRules.Lock()
	manager.rulesByTopic = rulesByTopic
	manager.mutexForRules.Unlock()

	logger.AlertLog.Infof("alert rule set loaded: %d enabled rule(s)", enabledCount)
}

// HandleEvent evaluates all rules on the event's topic.
func (manager *Manager) HandleEvent(event model.Event) {
	manager.mutexForRules.Lock()
	matchingRules := manager.rulesByTopic[event.Topic]

	type decision struct {
		rule       model.AlertRule
		suppressed bool
	}
	decisions := make([]decision, 0, len(matchingRules))

	for _, rule := range matchingRules {
		if rule.Threshold > 0 && event.Value < rule.Threshold {
			continue
		}

		suppressed := false
		if rule.Cooldown > 0 {
			if firedAt, fired := manager.lastFiredAt[rule.Name]; fired {
				if event.Timestamp.Sub(firedAt) < rule.Cooldown {
					suppressed = true
				}
			}
		}
		if !suppressed {
			manager.lastFiredAt[rule.Name] = event.Timestamp
		}
		decisions = append(decisions, decision{rule: rule, suppressed: suppressed})
	}
	manager.mutexForRules.Unlock()

	for _, d := range decisions {
		manager.processOccurrence(d.rule, event, d.suppressed)
	}
}

// processOccurrence persists the occurrence and, unless suppressed,
// hands it to the notification channel and re-announces it on the bus.
func (manager *Manager) processOccurrence(rule model.AlertRule, event model.Event, suppressed bool) {
	alertEvent := model.AlertEvent{
		CorrelationID: uuid.NewString(),
		RuleName:      rule.Name,
		Topic:         event.Topic,
		Timestamp:     event.Timestamp,
		Message:       describeEvent(rule, event),
		Priority:      rule.Priority,
		Suppressed:    suppressed,
	}

	recordCtx, cancelRecord := context.WithTimeout(context.Background(), 5*time.Second)
	if recordError := manager.historyStore.RecordAlertEvent(recordCtx, alertEvent); recordError != nil {
		logger.AlertLog.Errorf("failed to persist alert occurrence rule=%s: %v", rule.Name, recordError)
	}
	cancelRecord()

	if suppressed {
		logger.AlertLog.Debugf("alert suppressed by cooldown rule=%s correlationId=%s",
			rule.Name, alertEvent.CorrelationID)
		return
	}

	logger.AlertLog.Infof("alert fired rule=%s topic=%s priority=%d correlationId=%s",
		rule.Name, rule.Topic, rule.Priority, alertEvent.CorrelationID)

	go manager.deliver(rule, alertEvent)

	// Firings observed on ALERT_TRIGGERED itself are not re-announced;
	// doing so would feed the pipeline its own output.
	if event.Topic != model.TopicAlertTriggered {
		manager.eventBus.Publish(model.Event{
			Topic:     model.TopicAlertTriggered,
			Timestamp: event.Timestamp,
			Payload:   alertEvent,
		})
	}
}

// deliver pushes one alert to its configured channel with bounded retry.
func (manager *Manager) deliver(rule model.AlertRule, alertEvent model.AlertEvent) {
	if rule.Channel == "" {
		return
	}

	channelURL, channelKnown := manager.policyStore.ChannelURL(rule.Channel)
	if !channelKnown {
		logger.AlertLog.Warnf("rule %s references unknown channel %q, alert recorded but not delivered",
			rule.Name, rule.Channel)
		return
	}

	deliverCtx, cancelDeliver := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelDeliver()

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = 500 * time.Millisecond
	exponential.MaxElapsedTime = 0

	retryPolicy := backoff.WithContext(
		backoff.WithMaxRetries(exponential, uint64(manager.maxSendAttempts-1)),
		deliverCtx,
	)

	sendError := backoff.Retry(func() error {
		return manager.sender.Send(deliverCtx, channelURL, alertEvent)
	}, retryPolicy)

	if sendError != nil {
		logger.AlertLog.Errorf(
			"alert delivery failed rule=%s channel=%s attempts=%d: %v",
			rule.Name, rule.Channel, manager.maxSendAttempts, sendError,
		)
		return
	}

	logger.AlertLog.Debugf("alert delivered rule=%s channel=%s correlationId=%s",
		rule.Name, rule.Channel, alertEvent.CorrelationID)
}

// describeEvent builds a human-readable alert message from the event
// payload.
func describeEvent(rule model.AlertRule, event model.Event) string {
	switch payload := event.Payload.(type) {
	case model.DevicePayload:
		return fmt.Sprintf("%s: device %s (%s)", event.Topic, payload.HardwareAddr, payload.IPAddr)
	case model.LimitPayload:
		return fmt.Sprintf("%s: device %s exceeded %s limit (%.0f of %.0f)",
			event.Topic, payload.HardwareAddr, payload.Kind, payload.Used, payload.Limit)
	case model.CameraPayload:
		if payload.Message != "" {
			return fmt.Sprintf("%s: %s", event.Topic, payload.Message)
		}
		return fmt.Sprintf("%s from %s", event.Topic, payload.Source)
	case model.AlertEvent:
		return fmt.Sprintf("%s: %s", event.Topic, payload.Message)
	default:
		if event.Value != 0 {
			return fmt.Sprintf("%s (value=%.2f) matched rule %s", event.Topic, event.Value, rule.Name)
		}
		return fmt.Sprintf("%s matched rule %s", event.Topic, rule.Name)
	}
}
