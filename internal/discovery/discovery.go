// Package discovery periodically scans the network through the gateway
// and reconciles the scan result against the device registry. It is the
// only writer of device presence and status.
package discovery

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/homewatch/netguard/internal/bus"
	"github.com/homewatch/netguard/internal/gateway"
	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
	"github.com/homewatch/netguard/internal/registry"
	"github.com/homewatch/netguard/internal/store"
)

// Worker performs one full scan-and-reconcile cycle per invocation. The
// scheduler drives the cycle at the configured interval.
type Worker struct {
	networkGateway   gateway.NetworkGateway
	deviceRegistry   registry.Registry
	eventBus         bus.Bus
	historyStore     store.Store
	offlineThreshold int
}

// NewWorker creates a discovery worker. offlineThreshold is the number
// of consecutive missed scans after which a device is declared offline.
func NewWorker(
	networkGateway gateway.NetworkGateway,
	deviceRegistry registry.Registry,
	eventBus bus.Bus,
	historyStore store.Store,
	offlineThreshold int,
) *Worker {
	if offlineThreshold <= 0 {
		offlineThreshold = 3
	}
	return &Worker{
		networkGateway:   networkGateway,
		deviceRegistry:   deviceRegistry,
		eventBus:         eventBus,
		historyStore:     historyStore,
		offlineThreshold: offlineThreshold,
	}
}

// RunCycle executes one discovery cycle. A failed scan leaves the
// registry untouched: absent devices do not accumulate missed scans for
// a cycle that never produced a host table.
func (worker *Worker) RunCycle(ctx context.Context) error {
	hosts, scanError := worker.networkGateway.ListActiveHosts(ctx)
	if scanError != nil {
		return errors.Wrap(scanError, "network scan failed")
	}

	now := time.Now()
	seenAddrs := worker.reconcileSightings(hosts, now)
	worker.reconcileAbsences(ctx, seenAddrs, now)

	return nil
}

// reconcileSightings applies the scan result to the registry and returns
// the set of hardware addresses sighted this cycle, conflicted ones
// included.
func (worker *Worker) reconcileSightings(hosts []model.Host, now time.Time) map[string]bool {
	seenAddrs := make(map[string]bool, len(hosts))
	hostsByIP := make(map[string][]model.Host)

	for _, host := range hosts {
		normalizedAddr := registry.NormalizeHardwareAddr(host.HardwareAddr)
		if normalizedAddr == "" {
			continue
		}
		seenAddrs[normalizedAddr] = true
		if host.IPAddr != "" {
			hostsByIP[host.IPAddr] = append(hostsByIP[host.IPAddr], host)
		}
	}

	// One IP under two hardware ids in the same cycle indicates spoofing
	// or a stale lease. Flag those devices and leave their records alone.
	conflictedAddrs := make(map[string]bool)
	for ipAddr, sharingHosts := range hostsByIP {
		if len(sharingHosts) < 2 {
			continue
		}
		addrs := make([]string, 0, len(sharingHosts))
		for _, host := range sharingHosts {
			normalizedAddr := registry.NormalizeHardwareAddr(host.HardwareAddr)
			conflictedAddrs[normalizedAddr] = true
			addrs = append(addrs, normalizedAddr)
		}
		worker.deviceRegistry.MarkConflict(addrs, ipAddr)
	}

	for _, host := range hosts {
		normalizedAddr := registry.NormalizeHardwareAddr(host.HardwareAddr)
		if normalizedAddr == "" || conflictedAddrs[normalizedAddr] {
			continue
		}

		deviceView, transition := worker.deviceRegistry.ObserveHost(host, now)
		if transition == registry.TransitionNone {
			continue
		}

		worker.eventBus.Publish(model.Event{
			Topic:     model.TopicDeviceOnline,
			Timestamp: now,
			Payload: model.DevicePayload{
				HardwareAddr: deviceView.HardwareAddr,
				IPAddr:       deviceView.IPAddr,
				Hostname:     deviceView.Hostname,
			},
		})
	}

	return seenAddrs
}

// reconcileAbsences increments missed-scan counters for known present
// devices that did not appear this cycle, publishing DEVICE_OFFLINE and
// persisting the closed session when a device crosses the threshold.
func (worker *Worker) reconcileAbsences(ctx context.Context, seenAddrs map[string]bool, now time.Time) {
	for _, deviceView := range worker.deviceRegistry.Snapshot() {
		if seenAddrs[deviceView.HardwareAddr] {
			continue
		}
		if !deviceView.Present() {
			continue
		}

		updatedView, closedSession, wentOffline := worker.deviceRegistry.MarkMissed(
			deviceView.HardwareAddr, worker.offlineThreshold, now,
		)
		if !wentOffline {
			continue
		}

		if closedSession != nil {
			if saveError := worker.historyStore.RecordUsageSession(ctx, *closedSession); saveError != nil {
				logger.DiscoveryLog.Errorf(
					"failed to persist closed session hw=%s: %v",
					updatedView.HardwareAddr, saveError,
				)
			}
		}

		worker.eventBus.Publish(model.Event{
			Topic:     model.TopicDeviceOffline,
			Timestamp: now,
			Payload: model.DevicePayload{
				HardwareAddr: updatedView.HardwareAddr,
				IPAddr:       updatedView.IPAddr,
				Hostname:     updatedView.Hostname,
			},
		})
	}
}
