// Package model defines shared data structures for netguard, including:
// - Devices, usage sessions and usage policies tracked by the registry
// - Alert rules and alert events handled by the alert manager
// - Bus events and the fixed topic enumeration.
//
// All types here are intentionally free of dependencies on other internal
// packages to avoid circular imports.
package model

import "time"

// Topic enumerates the fixed set of event categories carried by the bus.
type Topic string

const (
	TopicDeviceOnline          Topic = "DEVICE_ONLINE"
	TopicDeviceOffline         Topic = "DEVICE_OFFLINE"
	TopicInternetLimitExceeded Topic = "INTERNET_LIMIT_EXCEEDED"
	TopicMotionDetected        Topic = "MOTION_DETECTED"
	TopicAlertTriggered        Topic = "ALERT_TRIGGERED"
	TopicRecordingComplete     Topic = "RECORDING_COMPLETE"
	TopicWebsiteBlocked        Topic = "WEBSITE_BLOCKED"
	TopicDeviceShutdown        Topic = "DEVICE_SHUTDOWN"
)

// AllTopics returns the complete topic set. The bus pre-creates one
// dispatcher per topic from this list; there is no wildcard matching.
func AllTopics() []Topic {
	return []Topic{
		TopicDeviceOnline,
		TopicDeviceOffline,
		TopicInternetLimitExceeded,
		TopicMotionDetected,
		TopicAlertTriggered,
		TopicRecordingComplete,
		TopicWebsiteBlocked,
		TopicDeviceShutdown,
	}
}

// IsValidTopic reports whether the given string names a known topic.
func IsValidTopic(candidate string) bool {
	for _, topic := range AllTopics() {
		if string(topic) == candidate {
			return true
		}
	}
	return false
}

// DeviceStatus is the lifecycle status of a tracked device.
type DeviceStatus string

const (
	StatusUnknown     DeviceStatus = "UNKNOWN"
	StatusProvisional DeviceStatus = "PROVISIONAL"
	StatusTrusted     DeviceStatus = "TRUSTED"
	StatusBlocked     DeviceStatus = "BLOCKED"
	StatusOffline     DeviceStatus = "OFFLINE"
)

// Host is a single observation returned by a network scan.
type Host struct {
	IPAddr       string `json:"ipAddr"`
	HardwareAddr string `json:"hardwareAddr"`
	Hostname     string `json:"hostname,omitempty"`
}

// Device is the authoritative record for one network-attached host,
// keyed by hardware address. It is owned by the registry; presence and
// status fields are written only by the discovery worker, byte counters
// only by the usage tracker, and the blocked flag only by the enforcer.
type Device struct {
	HardwareAddr string       `json:"hardwareAddr"`
	IPAddr       string       `json:"ipAddr,omitempty"`
	Hostname     string       `json:"hostname,omitempty"`
	DisplayName  string       `json:"displayName,omitempty"`
	ProfileID    string       `json:"profileId,omitempty"`
	Status       DeviceStatus `json:"status"`

	// Blocked is a sticky enforcement flag. It survives OFFLINE
	// transitions so a blocked device that reappears stays BLOCKED.
	Blocked bool `json:"blocked"`

	// Trusted is a sticky administrative flag set by promotion. It
	// survives OFFLINE transitions so a trusted device that reappears
	// goes back to TRUSTED rather than PROVISIONAL.
	Trusted bool `json:"trusted"`

	// Conflicted marks that this device was last seen sharing its IP
	// address with another hardware id; cleared on a clean sighting.
	Conflicted bool `json:"conflicted,omitempty"`

	MissedScans int       `json:"missedScans"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`

	// Daily counters, reset exactly once per local calendar day.
	UsageDay           string `json:"usageDay,omitempty"` // "2006-01-02" local-day key
	DailyBytesSent     uint64 `json:"dailyBytesSent"`
	DailyBytesReceived uint64 `json:"dailyBytesReceived"`
	DailyActiveSecs    int64  `json:"dailyActiveSecs"`
}

// DeviceView is an immutable copy of a Device handed to readers so they
// never observe a half-updated record.
type DeviceView struct {
	HardwareAddr string
	IPAddr       string
	Hostname     string
	DisplayName  string
	ProfileID    string
	Status       DeviceStatus
	Blocked      bool
	Trusted      bool
	Conflicted   bool
	MissedScans  int
	FirstSeen    time.Time
	LastSeen     time.Time

	UsageDay           string
	DailyBytesSent     uint64
	DailyBytesReceived uint64
	DailyActiveSecs    int64
}

// Present reports whether the device counts as online for sampling and
// session purposes.
func (view DeviceView) Present() bool {
	switch view.Status {
	case StatusProvisional, StatusTrusted, StatusBlocked:
		return true
	default:
		return false
	}
}

// UsageSession is a contiguous interval during which a device was
// continuously online. Exactly one open session exists per online device.
type UsageSession struct {
	ID            string     `json:"id"`
	HardwareAddr  string     `json:"hardwareAddr"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	BytesSent     uint64     `json:"bytesSent"`
	BytesReceived uint64     `json:"bytesReceived"`
}

// Open reports whether the session has not been closed yet.
func (session UsageSession) Open() bool {
	return session.EndedAt == nil
}

// UsagePolicy is a configured daily usage limit tied to a profile.
// Policies are immutable during a run except via explicit reload.
type UsagePolicy struct {
	ProfileID      string        `json:"profileId"`
	DisplayName    string        `json:"displayName,omitempty"`
	DailyTimeLimit time.Duration `json:"dailyTimeLimit"` // 0 means no time limit
	DailyByteLimit uint64        `json:"dailyByteLimit"` // 0 means no byte limit
	WarnPercent    int           `json:"warnPercent"`    // early-warning threshold, 0 disables
	Enabled        bool          `json:"enabled"`
}

// LimitKind names which part of a policy was exceeded.
type LimitKind string

const (
	LimitKindTime  LimitKind = "time"
	LimitKindBytes LimitKind = "bytes"
)

// AlertRule is configuration data, read-only to the alert manager.
// Threshold == 0 means the rule is a boolean trigger: any event on the
// topic qualifies. Threshold > 0 requires the event's numeric value to
// be >= the threshold.
type AlertRule struct {
	Name      string        `json:"name"`
	Topic     Topic         `json:"topic"`
	Threshold float64       `json:"threshold"`
	Cooldown  time.Duration `json:"cooldown"`
	Priority  int           `json:"priority"`
	Channel   string        `json:"channel"`
	Enabled   bool          `json:"enabled"`
}

// AlertEvent is one qualifying occurrence of an alert rule. Every
// occurrence is handed to the persistence collaborator, including those
// suppressed by cooldown.
type AlertEvent struct {
	CorrelationID string    `json:"correlationId"`
	RuleName      string    `json:"ruleName"`
	Topic         Topic     `json:"topic"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
	Priority      int       `json:"priority"`
	Suppressed    bool      `json:"suppressed"`
}

// Event is one message on the bus. Value carries an optional numeric
// metric for threshold rules; Payload carries the topic-specific body.
type Event struct {
	Topic     Topic       `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Value     float64     `json:"value,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// DevicePayload is the body of DEVICE_ONLINE, DEVICE_OFFLINE and
// DEVICE_SHUTDOWN events.
type DevicePayload struct {
	HardwareAddr string `json:"hardwareAddr"`
	IPAddr       string `json:"ipAddr,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
}

// LimitPayload is the body of INTERNET_LIMIT_EXCEEDED events.
type LimitPayload struct {
	HardwareAddr string    `json:"hardwareAddr"`
	ProfileID    string    `json:"profileId"`
	Kind         LimitKind `json:"kind"`
	Used         float64   `json:"used"`
	Limit        float64   `json:"limit"`
}

// CameraPayload is the body of MOTION_DETECTED, RECORDING_COMPLETE and
// WEBSITE_BLOCKED events originating from the camera event source or
// the website monitor.
type CameraPayload struct {
	Source  string `json:"source,omitempty"`
	Message string `json:"message,omitempty"`
}

// DayKey formats a timestamp as the local calendar-day key used for
// daily counter rollover.
func DayKey(at time.Time) string {
	return at.Local().Format("2006-01-02")
}
