// Package enforcer turns limit-exceeded events into block commands on
// the network gateway. Blocking is retried with exponential backoff and
// is idempotent per device; an explicit unblock cancels any in-flight
// retry loop and any pending timed unblock.
package enforcer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/homewatch/netguard/internal/bus"
	"github.com/homewatch/netguard/internal/gateway"
	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
	"github.com/homewatch/netguard/internal/registry"
)

// State is the per-device enforcement state.
type State string

const (
	// StateAllowed means no enforcement action is pending or active.
	StateAllowed State = "ALLOWED"
	// StateBlocking means a block attempt is in flight.
	StateBlocking State = "BLOCKING"
	// StateBlocked means the gateway confirmed the block.
	StateBlocked State = "BLOCKED"
	// StateWarned means blocking failed after all retries; the condition
	// was surfaced as an alert instead.
	StateWarned State = "WARNED"
)

// Options carries the enforcement tuning knobs from configuration.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BlockDuration, when positive, automatically lifts each block after
	// the given duration. Zero means blocks last until explicit unblock.
	BlockDuration time.Duration
}

// Enforcer owns the block/unblock lifecycle for all devices.
type Enforcer struct {
	networkGateway gateway.NetworkGateway
	deviceRegistry registry.Registry
	eventBus       bus.Bus
	options        Options

	mutexForDevices sync.Mutex
	devicesByAddr   map[string]*deviceEnforcement

	rootCtx    context.Context
	rootCancel context.CancelFunc
	attemptsWG sync.WaitGroup
}

// deviceEnforcement is the mutable per-device record, guarded by
// mutexForDevices.
type deviceEnforcement struct {
	state         State
	cancelAttempt context.CancelFunc
	unblockTimer  *time.Timer
}

// New creates an Enforcer. Call Subscribe to attach it to the bus and
// Stop to cancel all in-flight attempts on shutdown.
func New(
	networkGateway gateway.NetworkGateway,
	deviceRegistry registry.Registry,
	eventBus bus.Bus,
	options Options,
) *Enforcer {
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = 5
	}
	if options.InitialBackoff <= 0 {
		options.InitialBackoff = 500 * time.Millisecond
	}
	if options.MaxBackoff <= 0 {
		options.MaxBackoff = 30 * time.Second
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())

	return &Enforcer{
		networkGateway: networkGateway,
		deviceRegistry: deviceRegistry,
		eventBus:       eventBus,
		options:        options,
		devicesByAddr:  make(map[string]*deviceEnforcement),
		rootCtx:        rootCtx,
		rootCancel:     rootCancel,
	}
}

// Subscribe attaches the enforcer to the limit-exceeded topic.
func (enforcer *Enforcer) Subscribe() error {
	return enforcer.eventBus.Subscribe(
		model.TopicInternetLimitExceeded,
		"quota-enforcer",
		enforcer.HandleLimitExceeded,
	)
}

// HandleLimitExceeded reacts to one INTERNET_LIMIT_EXCEEDED event. A
// device already blocked, or with a block attempt in flight, is left
// alone so repeated events never produce duplicate gateway commands.
func (enforcer *Enforcer) HandleLimitExceeded(event model.Event) {
	limitPayload, ok := event.Payload.(model.LimitPayload)
	if !ok {
		logger.EnforcerLog.Warnf("limit event with unexpected payload type %T, ignoring", event.Payload)
		return
	}

	hardwareAddr := registry.NormalizeHardwareAddr(limitPayload.HardwareAddr)
	if hardwareAddr == "" {
		return
	}

	enforcer.mutexForDevices.Lock()
	defer enforcer.mutexForDevices.Unlock()

	record := enforcer.recordLocked(hardwareAddr)
	switch record.state {
	case StateBlocked, StateBlocking:
		logger.EnforcerLog.Debugf("block already %s hw=%s, ignoring repeat event",
			record.state, hardwareAddr)
		return
	case StateAllowed, StateWarned:
		// fall through to start a new attempt
	}

	attemptCtx, cancelAttempt := context.WithCancel(enforcer.rootCtx)
	record.state = StateBlocking
	record.cancelAttempt = cancelAttempt

	logger.EnforcerLog.Infof("starting block attempt hw=%s kind=%s used=%.0f limit=%.0f",
		hardwareAddr, limitPayload.Kind, limitPayload.Used, limitPayload.Limit)

	enforcer.attemptsWG.Add(1)
	go enforcer.attemptBlock(attemptCtx, hardwareAddr)
}

// attemptBlock retries the gateway block command with exponential
// backoff until it succeeds, the retry budget is exhausted, or the
// attempt context is cancelled by an unblock or shutdown.
func (enforcer *Enforcer) attemptBlock(attemptCtx context.Context, hardwareAddr string) {
	defer enforcer.attemptsWG.Done()

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = enforcer.options.InitialBackoff
	exponential.MaxInterval = enforcer.options.MaxBackoff
	exponential.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	retryPolicy := backoff.WithContext(
		backoff.WithMaxRetries(exponential, uint64(enforcer.options.MaxAttempts-1)),
		attemptCtx,
	)

	blockError := backoff.Retry(func() error {
		callError := enforcer.networkGateway.Block(attemptCtx, hardwareAddr)
		if callError != nil {
			logger.EnforcerLog.Warnf("block attempt failed hw=%s: %v", hardwareAddr, callError)
		}
		return callError
	}, retryPolicy)

	if blockError == nil {
		enforcer.finishBlockSuccess(hardwareAddr)
		return
	}

	if attemptCtx.Err() != nil {
		// Cancelled by unblock or shutdown; the canceller owns the state.
		logger.EnforcerLog.Infof("block attempt cancelled hw=%s", hardwareAddr)
		return
	}

	enforcer.finishBlockExhausted(hardwareAddr, blockError)
}

func (enforcer *Enforcer) finishBlockSuccess(hardwareAddr string) {
	enforcer.mutexForDevices.Lock()
	record := enforcer.recordLocked(hardwareAddr)
	if record.state != StateBlocking {
		// An unblock raced the final gateway confirmation; leave the
		// state the canceller set.
		enforcer.mutexForDevices.Unlock()
		return
	}
	record.state = StateBlocked
	record.cancelAttempt = nil
	if enforcer.options.BlockDuration > 0 {
		record.unblockTimer = time.AfterFunc(enforcer.options.BlockDuration, func() {
			logger.EnforcerLog.Infof("timed block expired hw=%s", hardwareAddr)
			if unblockError := enforcer.Unblock(context.Background(), hardwareAddr); unblockError != nil {
				logger.EnforcerLog.Errorf("timed unblock failed hw=%s: %v", hardwareAddr, unblockError)
			}
		})
	}
	enforcer.mutexForDevices.Unlock()

	deviceView, setError := enforcer.deviceRegistry.SetBlocked(hardwareAddr, true)
	if setError != nil {
		logger.EnforcerLog.Errorf("failed to record block hw=%s: %v", hardwareAddr, setError)
		if fallbackView, found := enforcer.deviceRegistry.Get(hardwareAddr); found {
			deviceView = fallbackView
		}
	}

	logger.EnforcerLog.Infof("block confirmed hw=%s", hardwareAddr)

	enforcer.eventBus.Publish(model.Event{
		Topic: model.TopicDeviceShutdown,
		Payload: model.DevicePayload{
			HardwareAddr: hardwareAddr,
			IPAddr:       deviceView.IPAddr,
			Hostname:     deviceView.Hostname,
		},
	})
}

func (enforcer *Enforcer) finishBlockExhausted(hardwareAddr string, blockError error) {
	enforcer.mutexForDevices.Lock()
	record := enforcer.recordLocked(hardwareAddr)
	if record.state == StateBlocking {
		record.state = StateWarned
		record.cancelAttempt = nil
	}
	enforcer.mutexForDevices.Unlock()

	logger.EnforcerLog.Errorf(
		"block attempts exhausted hw=%s attempts=%d: %v",
		hardwareAddr, enforcer.options.MaxAttempts, blockError,
	)

	// The failure is surfaced as an alert so it is visible even though
	// enforcement did not take effect.
	enforcer.eventBus.Publish(model.Event{
		Topic: model.TopicAlertTriggered,
		Payload: model.CameraPayload{
			Source: "quota-enforcer",
			Message: fmt.Sprintf(
				"failed to block device %s after %d attempts: %v",
				hardwareAddr, enforcer.options.MaxAttempts, blockError,
			),
		},
	})
}

// Unblock restores access for one device. It cancels any in-flight block
// attempt and any pending timed unblock before issuing the gateway
// command, and only reports success once the gateway confirmed it.
func (enforcer *Enforcer) Unblock(ctx context.Context, hardwareAddr string) error {
	hardwareAddr = registry.NormalizeHardwareAddr(hardwareAddr)
	if hardwareAddr == "" {
		return errors.New("hardwareAddr must not be empty")
	}

	enforcer.mutexForDevices.Lock()
	record := enforcer.recordLocked(hardwareAddr)
	if record.cancelAttempt != nil {
		record.cancelAttempt()
		record.cancelAttempt = nil
	}
	if record.unblockTimer != nil {
		record.unblockTimer.Stop()
		record.unblockTimer = nil
	}
	previousState := record.state
	record.state = StateAllowed
	enforcer.mutexForDevices.Unlock()

	// The gateway command is issued regardless of the local state, so a
	// device blocked out-of-band can still be restored from here.
	if unblockError := enforcer.networkGateway.Unblock(ctx, hardwareAddr); unblockError != nil {
		return errors.Wrapf(unblockError, "gateway unblock failed for %s", hardwareAddr)
	}

	if _, setError := enforcer.deviceRegistry.SetBlocked(hardwareAddr, false); setError != nil {
		logger.EnforcerLog.Warnf("failed to record unblock hw=%s: %v", hardwareAddr, setError)
	}

	logger.EnforcerLog.Infof("unblock confirmed hw=%s previousState=%s", hardwareAddr, previousState)
	return nil
}

// StateOf returns the enforcement state for one device.
func (enforcer *Enforcer) StateOf(hardwareAddr string) State {
	enforcer.mutexForDevices.Lock()
	defer enforcer.mutexForDevices.Unlock()

	record, exists := enforcer.devicesByAddr[registry.NormalizeHardwareAddr(hardwareAddr)]
	if !exists {
		return StateAllowed
	}
	return record.state
}

// Stop cancels all in-flight block attempts and pending timers, waiting
// for attempt goroutines bounded by ctx.
func (enforcer *Enforcer) Stop(ctx context.Context) error {
	enforcer.rootCancel()

	enforcer.mutexForDevices.Lock()
	for _, record := range enforcer.devicesByAddr {
		if record.unblockTimer != nil {
			record.unblockTimer.Stop()
			record.unblockTimer = nil
		}
	}
	enforcer.mutexForDevices.Unlock()

	doneChannel := make(chan struct{})
	go func() {
		enforcer.attemptsWG.Wait()
		close(doneChannel)
	}()

	select {
	case <-doneChannel:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for block attempts to stop")
	}
}

// recordLocked returns the per-device record, creating it on first use.
// It assumes mutexForDevices is held.
func (enforcer *Enforcer) recordLocked(hardwareAddr string) *deviceEnforcement {
	record, exists := enforcer.devicesByAddr[hardwareAddr]
	if !exists {
		record = &deviceEnforcement{state: StateAllowed}
		enforcer.devicesByAddr[hardwareAddr] = record
	}
	return record
}
