// Package registry holds the authoritative in-memory state for all known
// devices and their open usage sessions.
//
// Ownership discipline: presence, status and the missed-scan counter are
// written only by the discovery worker; daily byte counters and session
// totals only by the usage tracker; the sticky blocked flag only by the
// quota enforcer; promotion only by the administrative surface. All
// readers receive value snapshots so they never observe a half-updated
// device.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
)

// Transition describes what ObserveHost changed for a device.
type Transition int

const (
	// TransitionNone means the device was already present; only its
	// address, hostname and last-seen time were refreshed.
	TransitionNone Transition = iota
	// TransitionNew means a previously unknown hardware id was created
	// in PROVISIONAL state.
	TransitionNew
	// TransitionOnline means a known device reappeared after being
	// OFFLINE.
	TransitionOnline
)

// Registry provides concurrency-safe accessors to device and session
// state. All mutating methods are scoped to exactly one writer component.
type Registry interface {
	// ---- discovery worker ----

	// ObserveHost records one scan sighting. Unknown hardware ids are
	// created as PROVISIONAL; OFFLINE devices reappearing return to the
	// status their sticky flags dictate (BLOCKED, TRUSTED or
	// PROVISIONAL) and get a fresh usage session.
	ObserveHost(host model.Host, now time.Time) (model.DeviceView, Transition)

	// MarkMissed increments the missed-scan counter for a device absent
	// from the current cycle. When the counter reaches offlineThreshold
	// the device transitions to OFFLINE and its open session is closed;
	// the closed session and wentOffline=true are returned exactly once
	// per absence streak.
	MarkMissed(hardwareAddr string, offlineThreshold int, now time.Time) (model.DeviceView, *model.UsageSession, bool)

	// MarkConflict flags every listed device as conflicted (one network
	// address observed under two hardware ids in the same cycle). The
	// devices' statuses are left unchanged.
	MarkConflict(hardwareAddrs []string, ipAddr string)

	// ---- usage tracker ----

	// AddUsage adds sampled byte deltas and active time to the device's
	// daily counters and open session.
	AddUsage(hardwareAddr string, bytesSent, bytesReceived uint64, activeDelta time.Duration, now time.Time) (model.DeviceView, error)

	// RolloverDay resets the device's daily counters for a new calendar
	// day, closing the open session and opening a fresh one. The closed
	// session is returned for persistence.
	RolloverDay(hardwareAddr string, now time.Time) (*model.UsageSession, error)

	// RestartSession closes and reopens the device's session without
	// touching daily counters. Used when the traffic probe observes a
	// counter reset (device reconnect).
	RestartSession(hardwareAddr string, now time.Time) (*model.UsageSession, error)

	// ---- quota enforcer ----

	// SetBlocked records the enforcement state. Blocking a present
	// device moves it to BLOCKED; unblocking moves a BLOCKED device back
	// to TRUSTED. The flag is sticky across OFFLINE transitions.
	SetBlocked(hardwareAddr string, blocked bool) (model.DeviceView, error)

	// ---- administrative surface ----

	// Promote grants trust to a device. PROVISIONAL (or UNKNOWN)
	// devices move to TRUSTED immediately; an OFFLINE device keeps its
	// status and comes back TRUSTED on its next sighting. Only this
	// explicit action grants trust; discovery never does.
	Promote(hardwareAddr string) (model.DeviceView, error)

	// ---- readers ----

	// Get returns a snapshot of one device.
	Get(hardwareAddr string) (model.DeviceView, bool)

	// Snapshot returns value copies of all known devices.
	Snapshot() []model.DeviceView

	// OpenSession returns a copy of the device's open session, if any.
	OpenSession(hardwareAddr string) (model.UsageSession, bool)
}

// ProfileResolver maps a hardware address to its owning profile and a
// display name, both empty when the device is not assigned to anyone.
// The factory's policy store provides the production implementation.
type ProfileResolver func(hardwareAddr string) (profileID string, displayName string)

// registryImpl keeps all state in memory guarded by a single RWMutex so
// every returned view is internally consistent.
type registryImpl struct {
	mutexForDevices sync.RWMutex
	devicesByAddr   map[string]*model.Device
	sessionsByAddr  map[string]*model.UsageSession
	nextSessionSeq  uint64

	resolveProfile ProfileResolver
}

// New creates an empty Registry. The resolver may be nil, in which case
// devices remain unassigned until configuration maps them to a profile.
func New(resolveProfile ProfileResolver) Registry {
	return &registryImpl{
		devicesByAddr:  make(map[string]*model.Device),
		sessionsByAddr: make(map[string]*model.UsageSession),
		resolveProfile: resolveProfile,
	}
}

// NormalizeHardwareAddr lowercases a hardware address so lookups are
// case-insensitive regardless of how the gateway reports it.
func NormalizeHardwareAddr(hardwareAddr string) string {
	return strings.ToLower(strings.TrimSpace(hardwareAddr))
}

// -----------------------------------------------------------------------------
// Discovery worker
// -----------------------------------------------------------------------------

// ObserveHost implements Registry.ObserveHost.
func (registry *registryImpl) ObserveHost(host model.Host, now time.Time) (model.DeviceView, Transition) {
	hardwareAddr := NormalizeHardwareAddr(host.HardwareAddr)

	registry.mutexForDevices.Lock()
	defer registry.mutexForDevices.Unlock()

	device, exists := registry.devicesByAddr[hardwareAddr]
	if !exists {
		device = &model.Device{
			HardwareAddr: hardwareAddr,
			IPAddr:       host.IPAddr,
			Hostname:     host.Hostname,
			Status:       model.StatusProvisional,
			FirstSeen:    now,
			LastSeen:     now,
			UsageDay:     model.DayKey(now),
		}
		if registry.resolveProfile != nil {
			device.ProfileID, device.DisplayName = registry.resolveProfile(hardwareAddr)
		}
		registry.devicesByAddr[hardwareAddr] = device
		registry.openSessionLocked(hardwareAddr, now)

		logger.RegistryLog.Infof(
			"new device discovered hw=%s ip=%s hostname=%q status=%s",
			hardwareAddr, host.IPAddr, host.Hostname, device.Status,
		)
		return viewOf(device), TransitionNew
	}

	wasOffline := device.Status == model.StatusOffline || device.Status == model.StatusUnknown

	device.IPAddr = host.IPAddr
	if host.Hostname != "" {
		device.Hostname = host.Hostname
	}
	device.LastSeen = now
	device.MissedScans = 0
	device.Conflicted = false

	if !wasOffline {
		return viewOf(device), TransitionNone
	}

	switch {
	case device.Blocked:
		device.Status = model.StatusBlocked
	case device.Trusted:
		device.Status = model.StatusTrusted
	default:
		device.Status = model.StatusProvisional
	}
	if device.UsageDay == "" {
		device.UsageDay = model.DayKey(now)
	}
	registry.openSessionLocked(hardwareAddr, now)

	logger.RegistryLog.Infof(
		"device back online hw=%s ip=%s status=%s",
		hardwareAddr, host.IPAddr, device.Status,
	)
	return viewOf(device), TransitionOnline
}

// MarkMissed implements Registry.MarkMissed.
func (registry *registryImpl) MarkMissed(
	hardwareAddr string,
	offlineThreshold int,
	now time.Time,
) (model.DeviceView, *model.UsageSession, bool) {
	hardwareAddr = NormalizeHardwareAddr(hardwareAddr)

	registry.mutexForDevices.Lock()
	defer registry.mutexForDevices.Unlock()

	device, exists := registry.devicesByAddr[hardwareAddr]
	if !exists {
		return model.DeviceView{}, nil, false
	}

	// Already offline: keep silent so DEVICE_OFFLINE is published at
	// most once per uninterrupted absence streak.
	if device.Status == model.StatusOffline {
		return viewOf(device), nil, false
	}

	device.MissedScans++
	if offlineThreshold > 0 && device.MissedScans < offlineThreshold {
		return viewOf(device), nil, false
	}

	device.Status = model.StatusOffline
	closedSession := registry.closeSessionLocked(hardwareAddr, now)

	logger.RegistryLog.Infof(
		"device went offline hw=%s missedScans=%d threshold=%d",
		hardwareAddr, device.MissedScans, offlineThreshold,
	)
	return viewOf(device), closedSession, true
}

// MarkConflict implements Registry.MarkConflict.
func (registry *registryImpl) MarkConflict(hardwareAddrs []string, ipAddr string) {
	registry.mutexForDevices.Lock()
	defer registry.mutexForDevices.Unlock()

	for _, hardwareAddr := range hardwareAddrs {
		device, exists := registry.devicesByAddr[NormalizeHardwareAddr(hardwareAddr)]
		if !exists {
			continue
		}
		device.Conflicted = true
	}

	logger.RegistryLog.Warnf(
		"address conflict ip=%s hardware ids=%v flagged for administrative review",
		ipAddr, hardwareAddrs,
	)
}

// -----------------------------------------------------------------------------
// Usage tracker
// -----------------------------------------------------------------------------

// AddUsage implements Registry.AddUsage.
func (registry *registryImpl) AddUsage(
	hardwareAddr string,
	bytesSent uint64,
	bytesReceived uint64,
	activeDelta time.Duration,
	now time.Time,
) (model.DeviceView, error) {
	hardwareAddr = NormalizeHardwareAddr(hardwareAddr)

	registry.mutexForDevices.Lock()
	defer registry.mutexForDevices.Unlock()

	device, exists := registry.devicesByAddr[hardwareAddr]
	if !exists {
		return model.DeviceView{}, fmt.Errorf("unknown device %q", hardwareAddr)
	}

	device.DailyBytesSent += bytesSent
	device.DailyBytesReceived += bytesReceived
	if activeDelta > 0 {
		device.DailyActiveSecs += int64(activeDelta / time.Second)
	}

	if session, hasSession := registry.sessionsByAddr[hardwareAddr]; hasSession {
		session.BytesSent += bytesSent
		session.BytesReceived += bytesReceived
	}

	return viewOf(device), nil
}

// RolloverDay implements Registry.RolloverDay.
func (registry *registryImpl) RolloverDay(hardwareAddr string, now time.Time) (*model.UsageSession, error) {
	hardwareAddr = NormalizeHardwareAddr(hardwareAddr)

	registry.mutexForDevices.Lock()
	defer registry.mutexForDevices.Unlock()

	device, exists := registry.devicesByAddr[hardwareAddr]
	if !exists {
		return nil, fmt.Errorf("unknown device %q", hardwareAddr)
	}

	closedSession := registry.closeSessionLocked(hardwareAddr, now)

	previousDay := device.UsageDay
	device.UsageDay = model.DayKey(now)
	device.DailyBytesSent = 0
	device.DailyBytesReceived = 0
	device.DailyActiveSecs = 0

	// The reset closes any open session and opens a new one, but only
	// for devices that are still present.
	if statusIsPresent(device.Status) {
		registry.openSessionLocked(hardwareAddr, now)
	}

	logger.RegistryLog.Infof(
		"daily rollover hw=%s previousDay=%s newDay=%s",
		hardwareAddr, previousDay, device.UsageDay,
	)
	return closedSession, nil
}

// RestartSession implements Registry.RestartSession.
func (registry *registryImpl) RestartSession(hardwareAddr string, now time.Time) (*model.UsageSession, error) {
	hardwareAddr = NormalizeHardwareAddr(hardwareAddr)

	registry.mutexForDevices.Lock()
	defer registry.mutexForDevices.Unlock()

	device, exists := registry.devicesByAddr[hardwareAddr]
	if !exists {
		return nil, fmt.Errorf("unknown device %q", hardwareAddr)
	}

	closedSession := registry.closeSessionLocked(hardwareAddr, now)
	if statusIsPresent(device.Status) {
		registry.openSessionLocked(hardwareAddr, now)
	}

	logger.RegistryLog.Debugf("session restarted hw=%s (counter reset)", hardwareAddr)
	return closedSession, nil
}

// -----------------------------------------------------------------------------
// Quota enforcer / administrative surface
// -----------------------------------------------------------------------------

// SetBlocked implements Registry.SetBlocked.
func (registry *registryImpl) SetBlocked(hardwareAddr string, blocked bool) (model.DeviceView, error) {
	hardwareAddr = NormalizeHardwareAddr(hardwareAddr)

	registry.mutexForDevices.Lock()
	defer registry.mutexForDevices.Unlock()

	device, exists := registry.devicesByAddr[hardwareAddr]
	if !exists {
		return model.DeviceView{}, fmt.Errorf("unknown device %q", hardwareAddr)
	}

	device.Blocked = blocked
	if blocked && statusIsPresent(device.Status) {
		device.Status = model.StatusBlocked
	}
	if !blocked && device.Status == model.StatusBlocked {
		// An administrative unblock implies trust.
		device.Status = model.StatusTrusted
		device.Trusted = true
	}

	logger.RegistryLog.Infof("enforcement flag updated hw=%s blocked=%t status=%s",
		hardwareAddr, blocked, device.Status)
	return viewOf(device), nil
}

// Promote implements Registry.Promote.
func (registry *registryImpl) Promote(hardwareAddr string) (model.DeviceView, error) {
	hardwareAddr = NormalizeHardwareAddr(hardwareAddr)

	registry.mutexForDevices.Lock()
	defer registry.mutexForDevices.Unlock()

	device, exists := registry.devicesByAddr[hardwareAddr]
	if !exists {
		return model.DeviceView{}, fmt.Errorf("unknown device %q", hardwareAddr)
	}

	switch device.Status {
	case model.StatusProvisional, model.StatusUnknown:
		device.Status = model.StatusTrusted
	case model.StatusTrusted:
		// Promotion is idempotent for already-trusted devices.
	case model.StatusOffline:
		// Trust is granted while absent; the status stays OFFLINE and
		// the next sighting brings the device back as TRUSTED.
		if device.Blocked {
			return model.DeviceView{}, fmt.Errorf(
				"cannot promote device %q while it is blocked", hardwareAddr,
			)
		}
	default:
		return model.DeviceView{}, fmt.Errorf(
			"cannot promote device %q in status %s", hardwareAddr, device.Status,
		)
	}
	device.Trusted = true

	logger.RegistryLog.Infof("device promoted hw=%s status=%s", hardwareAddr, device.Status)
	return viewOf(device), nil
}

// -----------------------------------------------------------------------------
// Readers
// -----------------------------------------------------------------------------

// Get implements Registry.Get.
func (registry *registryImpl) Get(hardwareAddr string) (model.DeviceView, bool) {
	registry.mutexForDevices.RLock()
	defer registry.mutexForDevices.RUnlock()

	device, exists := registry.devicesByAddr[NormalizeHardwareAddr(hardwareAddr)]
	if !exists {
		return model.DeviceView{}, false
	}
	return viewOf(device), true
}

// Snapshot implements Registry.Snapshot.
func (registry *registryImpl) Snapshot() []model.DeviceView {
	registry.mutexForDevices.RLock()
	defer registry.mutexForDevices.RUnlock()

	result := make([]model.DeviceView, 0, len(registry.devicesByAddr))
	for _, device := range registry.devicesByAddr {
		if device == nil {
			continue
		}
		result = append(result, viewOf(device))
	}
	return result
}

// OpenSession implements Registry.OpenSession.
func (registry *registryImpl) OpenSession(hardwareAddr string) (model.UsageSession, bool) {
	registry.mutexForDevices.RLock()
	defer registry.mutexForDevices.RUnlock()

	session, exists := registry.sessionsByAddr[NormalizeHardwareAddr(hardwareAddr)]
	if !exists || session == nil {
		return model.UsageSession{}, false
	}
	return *session, true
}

// -----------------------------------------------------------------------------
// Internal helpers (lock held by caller)
// -----------------------------------------------------------------------------

// openSessionLocked creates a fresh open session for the device,
// replacing any existing one. It assumes mutexForDevices is held.
func (registry *registryImpl) openSessionLocked(hardwareAddr string, now time.Time) {
	registry.nextSessionSeq++
	registry.sessionsByAddr[hardwareAddr] = &model.UsageSession{
		ID:           fmt.Sprintf("ses-%d", registry.nextSessionSeq),
		HardwareAddr: hardwareAddr,
		StartedAt:    now,
	}
}

// closeSessionLocked closes and removes the device's open session,
// returning a copy, or nil when no session was open. It assumes
// mutexForDevices is held.
func (registry *registryImpl) closeSessionLocked(hardwareAddr string, now time.Time) *model.UsageSession {
	session, exists := registry.sessionsByAddr[hardwareAddr]
	if !exists || session == nil {
		return nil
	}

	endedAt := now
	session.EndedAt = &endedAt
	closedCopy := *session
	delete(registry.sessionsByAddr, hardwareAddr)

	return &closedCopy
}

func statusIsPresent(status model.DeviceStatus) bool {
	switch status {
	case model.StatusProvisional, model.StatusTrusted, model.StatusBlocked:
		return true
	default:
		return false
	}
}

func viewOf(device *model.Device) model.DeviceView {
	return model.DeviceView{
		HardwareAddr: device.HardwareAddr,
		IPAddr:       device.IPAddr,
		Hostname:     device.Hostname,
		DisplayName:  device.DisplayName,
		ProfileID:    device.ProfileID,
		Status:       device.Status,
		Blocked:      device.Blocked,
		Trusted:      device.Trusted,
		Conflicted:   device.Conflicted,
		MissedScans:  device.MissedScans,
		FirstSeen:    device.FirstSeen,
		LastSeen:     device.LastSeen,

		UsageDay:           device.UsageDay,
		DailyBytesSent:     device.DailyBytesSent,
		DailyBytesReceived: device.DailyBytesReceived,
		DailyActiveSecs:    device.DailyActiveSecs,
	}
}
