// Package app wires together all major components of the engine:
//   - configuration and logging
//   - event bus
//   - device registry and history store
//   - discovery worker and usage tracker under the scheduler
//   - quota enforcer and alert manager as bus subscribers
//   - administrative HTTP server and camera event receiver.
//
// The App implementation is intentionally small and procedural, so that
// cmd/main.go can simply create an App from the loaded Config and call
// Start/Stop without knowing internal details.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/homewatch/netguard/internal/alert"
	"github.com/homewatch/netguard/internal/bus"
	"github.com/homewatch/netguard/internal/discovery"
	"github.com/homewatch/netguard/internal/enforcer"
	"github.com/homewatch/netguard/internal/gateway"
	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
	"github.com/homewatch/netguard/internal/notify"
	"github.com/homewatch/netguard/internal/probe"
	"github.com/homewatch/netguard/internal/registry"
	"github.com/homewatch/netguard/internal/sbi"
	"github.com/homewatch/netguard/internal/scheduler"
	"github.com/homewatch/netguard/internal/store"
	"github.com/homewatch/netguard/internal/usage"
	"github.com/homewatch/netguard/pkg/factory"
)

// App is the high-level interface implemented by the engine. It hides
// wiring, HTTP server startup and scheduler lifecycle from cmd/main.go.
type App interface {
	// Start brings the whole engine online: bus subscriptions, the
	// administrative HTTP server and the periodic workers.
	Start(ctx context.Context) error

	// Stop attempts a graceful shutdown: workers first so no new events
	// are produced, then the enforcer's in-flight attempts, then the bus
	// and the HTTP server, each bounded by ctx.
	Stop(ctx context.Context) error
}

// appImpl is the concrete implementation of App.
type appImpl struct {
	config *factory.Config

	eventBus       bus.Bus
	deviceRegistry registry.Registry
	historyStore   store.Store
	policyStore    factory.PolicyStore
	networkGateway gateway.NetworkGateway
	trafficProbe   probe.TrafficProbe

	discoveryWorker *discovery.Worker
	usageTracker    *usage.Tracker
	quotaEnforcer   *enforcer.Enforcer
	alertManager    *alert.Manager
	workerScheduler scheduler.Scheduler

	adminServer    *sbi.AdminServer
	cameraReceiver *sbi.CameraReceiver

	startStopMutex sync.Mutex
	started        bool
}

// NewApp constructs a new App from a validated configuration. It creates
// the internal components but does not start any network listeners yet;
// that is handled by Start().
func NewApp(config *factory.Config, configPath string) (App, error) {
	if config == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	// Initialise logging according to configuration. It is safe if main()
	// calls InitLog again; InitLog is idempotent w.r.t logger instances and
	// updates only the level and reportCaller flag.
	if initError := logger.InitLog(config.Logging.Level, config.Logging.ReportCaller); initError != nil {
		logger.MainLog.Warnf("InitLog failed with level=%s, using fallback: %v",
			config.Logging.Level, initError)
	}

	logger.MainLog.Infof(
		"starting netguard version=%s description=%q",
		config.Info.Version, config.Info.Description,
	)

	policyStore := factory.NewPolicyStore(configPath, config)

	eventBus := bus.New(config.Bus.QueueDepth)

	historyStore := store.NewMemoryStore(config.History.MaxItems, config.History.TTLSec)

	deviceRegistry := registry.New(policyStore.ProfileForDevice)

	networkGateway := gateway.NewHTTPGateway(
		config.Gateway.BaseURL,
		time.Duration(config.Gateway.TimeoutSec)*time.Second,
	)

	probeBindings := make([]probe.InterfaceBinding, 0, len(config.Probe.Interfaces))
	for _, binding := range config.Probe.Interfaces {
		probeBindings = append(probeBindings, probe.InterfaceBinding{
			NIC:          binding.NIC,
			HardwareAddr: binding.HardwareAddr,
		})
	}
	trafficProbe := probe.NewNICProbe(probeBindings)

	notificationSender := notify.NewHTTPSender()

	discoveryWorker := discovery.NewWorker(
		networkGateway, deviceRegistry, eventBus, historyStore,
		config.Discovery.OfflineThreshold,
	)

	usageTracker := usage.NewTracker(
		deviceRegistry, trafficProbe, eventBus, historyStore, policyStore,
	)

	quotaEnforcer := enforcer.New(networkGateway, deviceRegistry, eventBus, enforcer.Options{
		MaxAttempts:    config.Enforcement.MaxAttempts,
		InitialBackoff: time.Duration(config.Enforcement.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(config.Enforcement.MaxBackoffSec) * time.Second,
		BlockDuration:  time.Duration(config.Enforcement.BlockDurationMin) * time.Minute,
	})

	alertManager := alert.NewManager(
		eventBus, historyStore, notificationSender, policyStore,
		config.Notifications.MaxAttempts,
	)

	workers := []scheduler.Worker{
		{
			Name:     "discovery",
			Interval: time.Duration(config.Discovery.IntervalSec) * time.Second,
			Run:      discoveryWorker.RunCycle,
		},
		{
			Name:     "usage-tracker",
			Interval: time.Duration(config.Usage.IntervalSec) * time.Second,
			Run:      usageTracker.RunCycle,
		},
		{
			Name:     "history-vacuum",
			Interval: time.Minute,
			Run:      historyStore.Vacuum,
		},
	}
	workerScheduler := scheduler.NewScheduler(workers)

	application := &appImpl{
		config:          config,
		eventBus:        eventBus,
		deviceRegistry:  deviceRegistry,
		historyStore:    historyStore,
		policyStore:     policyStore,
		networkGateway:  networkGateway,
		trafficProbe:    trafficProbe,
		discoveryWorker: discoveryWorker,
		usageTracker:    usageTracker,
		quotaEnforcer:   quotaEnforcer,
		alertManager:    alertManager,
		workerScheduler: workerScheduler,
		cameraReceiver:  sbi.NewCameraReceiver(eventBus),
	}
	application.adminServer = sbi.NewAdminServer(application)

	return application, nil
}

// Start implements App.Start.
func (app *appImpl) Start(ctx context.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if app.started {
		logger.MainLog.Warn("App.Start called more than once; ignoring subsequent call")
		return nil
	}

	// Bus subscriptions come first so no event is dropped while the
	// workers spin up.
	if subscribeError := app.quotaEnforcer.Subscribe(); subscribeError != nil {
		return fmt.Errorf("failed to subscribe quota enforcer: %w", subscribeError)
	}
	if subscribeError := app.alertManager.Subscribe(); subscribeError != nil {
		return fmt.Errorf("failed to subscribe alert manager: %w", subscribeError)
	}

	// Administrative HTTP server, shared mux with the camera receiver.
	mux := http.NewServeMux()
	app.cameraReceiver.Routes(mux)
	app.adminServer.Start(app.config.Admin.ListenAddr, mux)

	if schedulerError := app.workerScheduler.Start(ctx); schedulerError != nil {
		return fmt.Errorf("failed to start scheduler: %w", schedulerError)
	}

	app.started = true
	logger.MainLog.Infof("netguard successfully started")
	return nil
}

// Stop implements App.Stop.
func (app *appImpl) Stop(ctx context.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if !app.started {
		return nil
	}

	logger.MainLog.Infof("netguard shutdown requested")

	// Stop the workers first so no new events are produced while the bus
	// drains.
	if schedulerError := app.workerScheduler.Stop(ctx); schedulerError != nil {
		logger.MainLog.Warnf("scheduler stop returned error: %v", schedulerError)
	}

	if enforcerError := app.quotaEnforcer.Stop(ctx); enforcerError != nil {
		logger.MainLog.Warnf("enforcer stop returned error: %v", enforcerError)
	}

	if busError := app.eventBus.Close(ctx); busError != nil {
		logger.MainLog.Warnf("bus close returned error: %v", busError)
	}

	if serverError := app.adminServer.Stop(ctx); serverError != nil {
		logger.MainLog.Warnf("administrative server stop returned error: %v", serverError)
	}

	app.started = false
	logger.MainLog.Infof("netguard shutdown completed")
	return nil
}

// -----------------------------------------------------------------------------
// sbi.AdminBackend implementation
// -----------------------------------------------------------------------------

// Devices implements sbi.AdminBackend.
func (app *appImpl) Devices() []model.DeviceView {
	return app.deviceRegistry.Snapshot()
}

// PromoteDevice implements sbi.AdminBackend.
func (app *appImpl) PromoteDevice(hardwareAddr string) (model.DeviceView, error) {
	return app.deviceRegistry.Promote(hardwareAddr)
}

// UnblockDevice implements sbi.AdminBackend.
func (app *appImpl) UnblockDevice(ctx context.Context, hardwareAddr string) error {
	return app.quotaEnforcer.Unblock(ctx, hardwareAddr)
}

// ReloadPolicies implements sbi.AdminBackend. The new rule set is handed
// to the alert manager only after the reload validated successfully.
func (app *appImpl) ReloadPolicies() error {
	if reloadError := app.policyStore.Reload(); reloadError != nil {
		return reloadError
	}
	app.alertManager.SetRules(app.policyStore.AlertRules())
	logger.MainLog.Infof("policy configuration reloaded")
	return nil
}

// Alerts implements sbi.AdminBackend.
func (app *appImpl) Alerts(ctx context.Context, ruleName string, limit int) ([]model.AlertEvent, error) {
	return app.historyStore.QueryAlertEvents(ctx, store.AlertQuery{
		RuleName: ruleName,
		Limit:    limit,
	})
}

// Sessions implements sbi.AdminBackend.
func (app *appImpl) Sessions(ctx context.Context, hardwareAddr string, limit int) ([]model.UsageSession, error) {
	return app.historyStore.QueryUsageSessions(ctx, store.SessionQuery{
		HardwareAddr: hardwareAddr,
		Limit:        limit,
	})
}
