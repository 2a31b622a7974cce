// Package usage samples traffic counters for present devices, maintains
// their daily counters and sessions through the registry, and publishes
// INTERNET_LIMIT_EXCEEDED when a configured policy limit is crossed.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/homewatch/netguard/internal/bus"
	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
	"github.com/homewatch/netguard/internal/probe"
	"github.com/homewatch/netguard/internal/registry"
	"github.com/homewatch/netguard/internal/store"
	"github.com/homewatch/netguard/pkg/factory"
)

// Tracker performs one sampling cycle per invocation. The scheduler
// drives the cycle at the configured interval.
type Tracker struct {
	deviceRegistry registry.Registry
	trafficProbe   probe.TrafficProbe
	eventBus       bus.Bus
	historyStore   store.Store
	policyStore    factory.PolicyStore

	mutexForState sync.Mutex
	stateByAddr   map[string]*deviceState
}

// deviceState is the tracker's private per-device sampling state. The
// registry holds the authoritative counters; this struct only remembers
// the previous cumulative sample and the per-day notification marks.
type deviceState struct {
	baseline     probe.Sample
	hasBaseline  bool
	lastSampleAt time.Time

	// sessionID pins the baseline to one usage session. When the open
	// session changes between samples, the device was away (or the day
	// rolled over) and the gap must not be attributed as usage.
	sessionID string

	// Day keys for which a notification already went out, so the limit
	// event fires at most once per device per day per limit kind.
	timeLimitNotifiedDay string
	byteLimitNotifiedDay string
	warnLoggedDay        string
}

// NewTracker creates a usage tracker.
func NewTracker(
	deviceRegistry registry.Registry,
	trafficProbe probe.TrafficProbe,
	eventBus bus.Bus,
	historyStore store.Store,
	policyStore factory.PolicyStore,
) *Tracker {
	return &Tracker{
		deviceRegistry: deviceRegistry,
		trafficProbe:   trafficProbe,
		eventBus:       eventBus,
		historyStore:   historyStore,
		policyStore:    policyStore,
		stateByAddr:    make(map[string]*deviceState),
	}
}

// RunCycle executes one sampling cycle over all present devices. Probe
// failures for one device never prevent sampling of the others.
func (tracker *Tracker) RunCycle(ctx context.Context) error {
	now := time.Now()

	tracker.mutexForState.Lock()
	defer tracker.mutexForState.Unlock()

	for _, deviceView := range tracker.deviceRegistry.Snapshot() {
		if !deviceView.Present() {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tracker.sampleDeviceLocked(ctx, deviceView, now)
	}

	return nil
}

// sampleDeviceLocked handles rollover, sampling and policy evaluation
// for one device. It assumes mutexForState is held.
func (tracker *Tracker) sampleDeviceLocked(ctx context.Context, deviceView model.DeviceView, now time.Time) {
	hardwareAddr := deviceView.HardwareAddr

	state, exists := tracker.stateByAddr[hardwareAddr]
	if !exists {
		state = &deviceState{}
		tracker.stateByAddr[hardwareAddr] = state
	}

	// Daily rollover happens before the new sample is attributed, so the
	// first bytes of a new day are never double-counted against yesterday.
	if deviceView.UsageDay != "" && deviceView.UsageDay != model.DayKey(now) {
		closedSession, rolloverError := tracker.deviceRegistry.RolloverDay(hardwareAddr, now)
		if rolloverError != nil {
			logger.UsageLog.Errorf("daily rollover failed hw=%s: %v", hardwareAddr, rolloverError)
			return
		}
		if closedSession != nil {
			tracker.persistSession(ctx, *closedSession)
		}
		refreshedView, found := tracker.deviceRegistry.Get(hardwareAddr)
		if !found {
			return
		}
		deviceView = refreshedView
	}

	sample, bound, sampleError := tracker.trafficProbe.SampleDevice(ctx, hardwareAddr)
	if sampleError != nil {
		logger.UsageLog.Errorf("traffic sample failed hw=%s: %v", hardwareAddr, sampleError)
		return
	}
	if !bound {
		return
	}

	openSession, hasSession := tracker.deviceRegistry.OpenSession(hardwareAddr)
	if !hasSession {
		return
	}

	if !state.hasBaseline || openSession.ID != state.sessionID {
		// First sample of a fresh session: the device just appeared or
		// reappeared. Bytes counted and time passed since the previous
		// session belong to the gap, not to the device's online usage.
		state.baseline = sample
		state.hasBaseline = true
		state.sessionID = openSession.ID
		state.lastSampleAt = now
		return
	}

	// A counter going backwards means the counter source restarted. The
	// session is restarted and the new totals become the baseline; no
	// usage is attributed for this cycle and none goes negative.
	if sample.BytesSent < state.baseline.BytesSent || sample.BytesReceived < state.baseline.BytesReceived {
		closedSession, restartError := tracker.deviceRegistry.RestartSession(hardwareAddr, now)
		if restartError != nil {
			logger.UsageLog.Errorf("session restart failed hw=%s: %v", hardwareAddr, restartError)
		} else if closedSession != nil {
			tracker.persistSession(ctx, *closedSession)
		}
		if newSession, hasNew := tracker.deviceRegistry.OpenSession(hardwareAddr); hasNew {
			state.sessionID = newSession.ID
		}
		state.baseline = sample
		state.lastSampleAt = now
		return
	}

	sentDelta := sample.BytesSent - state.baseline.BytesSent
	receivedDelta := sample.BytesReceived - state.baseline.BytesReceived
	activeDelta := now.Sub(state.lastSampleAt)

	state.baseline = sample
	state.lastSampleAt = now

	updatedView, addError := tracker.deviceRegistry.AddUsage(
		hardwareAddr, sentDelta, receivedDelta, activeDelta, now,
	)
	if addError != nil {
		logger.UsageLog.Errorf("failed to record usage hw=%s: %v", hardwareAddr, addError)
		return
	}

	tracker.evaluatePolicyLocked(state, updatedView, now)
}

// evaluatePolicyLocked compares the device's daily counters against its
// profile's policy and publishes at most one limit event per device, day
// and limit kind. It assumes mutexForState is held.
func (tracker *Tracker) evaluatePolicyLocked(state *deviceState, deviceView model.DeviceView, now time.Time) {
	policy, hasPolicy := tracker.policyStore.PolicyForDevice(deviceView.HardwareAddr)
	if !hasPolicy || !policy.Enabled {
		return
	}

	dayKey := model.DayKey(now)
	usedBytes := deviceView.DailyBytesSent + deviceView.DailyBytesReceived
	usedTime := time.Duration(deviceView.DailyActiveSecs) * time.Second

	if policy.DailyByteLimit > 0 && usedBytes >= policy.DailyByteLimit {
		if state.byteLimitNotifiedDay != dayKey {
			state.byteLimitNotifiedDay = dayKey
			tracker.publishLimitExceeded(deviceView, policy, model.LimitKindBytes,
				float64(usedBytes), float64(policy.DailyByteLimit), now)
		}
	}

	if policy.DailyTimeLimit > 0 && usedTime >= policy.DailyTimeLimit {
		if state.timeLimitNotifiedDay != dayKey {
			state.timeLimitNotifiedDay = dayKey
			tracker.publishLimitExceeded(deviceView, policy, model.LimitKindTime,
				usedTime.Seconds(), policy.DailyTimeLimit.Seconds(), now)
		}
	}

	// Early warning once per day when usage passes the warn threshold of
	// either limit, so a parent can intervene before the hard cutoff.
	if policy.WarnPercent > 0 && state.warnLoggedDay != dayKey {
		warnFraction := float64(policy.WarnPercent) / 100.0
		byteWarn := policy.DailyByteLimit > 0 &&
			float64(usedBytes) >= warnFraction*float64(policy.DailyByteLimit)
		timeWarn := policy.DailyTimeLimit > 0 &&
			usedTime.Seconds() >= warnFraction*policy.DailyTimeLimit.Seconds()
		if byteWarn || timeWarn {
			state.warnLoggedDay = dayKey
			logger.UsageLog.Warnf(
				"usage warning hw=%s profile=%s usedBytes=%d usedActiveSec=%.0f warnPercent=%d",
				deviceView.HardwareAddr, policy.ProfileID,
				usedBytes, usedTime.Seconds(), policy.WarnPercent,
			)
		}
	}
}

func (tracker *Tracker) publishLimitExceeded(
	deviceView model.DeviceView,
	policy model.UsagePolicy,
	kind model.LimitKind,
	used float64,
	limit float64,
	now time.Time,
) {
	logger.UsageLog.Infof(
		"daily %s limit exceeded hw=%s profile=%s used=%.0f limit=%.0f",
		kind, deviceView.HardwareAddr, policy.ProfileID, used, limit,
	)

	tracker.eventBus.Publish(model.Event{
		Topic:     model.TopicInternetLimitExceeded,
		Timestamp: now,
		Value:     used,
		Payload: model.LimitPayload{
			HardwareAddr: deviceView.HardwareAddr,
			ProfileID:    policy.ProfileID,
			Kind:         kind,
			Used:         used,
			Limit:        limit,
		},
	})
}

func (tracker *Tracker) persistSession(ctx context.Context, session model.UsageSession) {
	if saveError := tracker.historyStore.RecordUsageSession(ctx, session); saveError != nil {
		logger.UsageLog.Errorf(
			"failed to persist closed session hw=%s: %v",
			session.HardwareAddr, saveError,
		)
	}
}
