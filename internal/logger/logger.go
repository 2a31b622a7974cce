// Package logger provides structured loggers for different components of
// netguard. It wraps logrus and exposes category-specific log entries such
// as MainLog, DiscoveryLog, EnforcerLog, etc. The logging level and caller
// reporting can be adjusted at runtime via InitLog.
package logger

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	moduleNameNetguard = "NETGUARD"
)

var (
	initOnce sync.Once

	// MainLog is the primary logger for high-level lifecycle events
	// (startup, shutdown, major state transitions).
	MainLog *log.Entry

	// CfgLog is used for configuration loading, validation, and printing.
	CfgLog *log.Entry

	// BusLog is for event bus dispatch and subscriber failures.
	BusLog *log.Entry

	// RegistryLog is for device registry mutations (status transitions,
	// session open/close, conflicts).
	RegistryLog *log.Entry

	// DiscoveryLog is for the periodic network scan worker.
	DiscoveryLog *log.Entry

	// UsageLog is for traffic sampling, session accounting and limit checks.
	UsageLog *log.Entry

	// EnforcerLog is for block/unblock state machine activity and retries.
	EnforcerLog *log.Entry

	// AlertLog is for rule evaluation, cooldown suppression and delivery.
	AlertLog *log.Entry

	// SchedulerLog is for worker lifecycle (start, restart, backoff, stop).
	SchedulerLog *log.Entry

	// GatewayLog is for interactions with the network-control gateway.
	GatewayLog *log.Entry

	// ProbeLog is for traffic-probe reads.
	ProbeLog *log.Entry

	// NotifyLog is for outbound notification delivery.
	NotifyLog *log.Entry

	// StoreLog is for persistence collaborator activity and history cleanup.
	StoreLog *log.Entry

	// SbiLog is for the admin HTTP server and the camera event receiver.
	SbiLog *log.Entry
)

func init() {
	// Category loggers must exist before any component logs, including in
	// code paths that run without an explicit InitLog call.
	_ = InitLog("info", false)
}

// InitLog configures the global logrus settings and initializes all category
// loggers. It is safe to call multiple times; the first call wins.
// Subsequent calls will update the log level and reportCaller flag.
func InitLog(levelString string, reportCaller bool) error {
	var initErr error

	initOnce.Do(func() {
		// Global formatter settings
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})

		// Initialize category loggers with default level (info).
		log.SetLevel(log.InfoLevel)
		log.SetReportCaller(reportCaller)

		MainLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "MAIN",
		})
		CfgLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "CFG",
		})
		BusLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "BUS",
		})
		RegistryLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "REGISTRY",
		})
		DiscoveryLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "DISCOVERY",
		})
		UsageLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "USAGE",
		})
		EnforcerLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "ENFORCER",
		})
		AlertLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "ALERT",
		})
		SchedulerLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "SCHEDULER",
		})
		GatewayLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "GATEWAY",
		})
		ProbeLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "PROBE",
		})
		NotifyLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "NOTIFY",
		})
		StoreLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "STORE",
		})
		SbiLog = log.WithFields(log.Fields{
			"module":   moduleNameNetguard,
			"category": "SBI",
		})
	})

	// Parse and apply the requested log level on every call.
	parsedLevel, parseErr := parseLogLevel(levelString)
	if parseErr != nil {
		// Fallback to info if parsing fails, but still return an error
		log.SetLevel(log.InfoLevel)
		if CfgLog != nil {
			CfgLog.Warnf("invalid log level %q, falling back to info: %v", levelString, parseErr)
		}
		initErr = parseErr
	} else {
		log.SetLevel(parsedLevel)
	}

	// Update report caller according to the latest configuration.
	log.SetReportCaller(reportCaller)

	return initErr
}

// parseLogLevel converts a string log level (case-insensitive) into a logrus.Level.
func parseLogLevel(levelString string) (log.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(levelString))

	switch normalized {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level: %s", levelString)
	}
}
