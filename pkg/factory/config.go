package factory

import (
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/homewatch/netguard/internal/model"
)

// NetguardDefaultConfigPath is used when no -c flag is given.
const NetguardDefaultConfigPath = "config/netguardcfg.yaml"

// Config is the top-level configuration loaded from config/netguardcfg.yaml.
type Config struct {
	Info          InfoSection          `yaml:"info"`
	Logging       LoggingSection       `yaml:"logging"`
	Admin         AdminSection         `yaml:"admin"`
	Gateway       GatewaySection       `yaml:"gateway"`
	Discovery     DiscoverySection     `yaml:"discovery"`
	Usage         UsageSection         `yaml:"usage"`
	Enforcement   EnforcementSection   `yaml:"enforcement"`
	Notifications NotificationsSection `yaml:"notifications"`
	History       HistorySection       `yaml:"history"`
	Bus           BusSection           `yaml:"bus"`
	Probe         ProbeSection         `yaml:"probe"`
	Profiles      []ProfileConfig      `yaml:"profiles"`
	AlertRules    []AlertRuleConfig    `yaml:"alertRules"`
}

// ---------- info ----------

type InfoSection struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// ---------- logging ----------

type LoggingSection struct {
	Level        string `yaml:"level"` // "debug" | "info" | "warn" | "error"
	ReportCaller bool   `yaml:"reportCaller"`
}

// ---------- admin HTTP server ----------

type AdminSection struct {
	ListenAddr string `yaml:"listenAddr"` // e.g. "0.0.0.0:8070"
}

// ---------- network-control gateway ----------

type GatewaySection struct {
	BaseURL    string `yaml:"baseUrl"`    // e.g. "http://192.168.1.1/api/v1"
	TimeoutSec int    `yaml:"timeoutSec"` // per-call timeout toward the router
}

// ---------- discovery worker ----------

type DiscoverySection struct {
	IntervalSec      int `yaml:"intervalSec"`      // scan cadence
	OfflineThreshold int `yaml:"offlineThreshold"` // consecutive missed scans before OFFLINE
}

// ---------- usage tracker ----------

type UsageSection struct {
	IntervalSec int `yaml:"intervalSec"` // traffic sampling cadence
}

// ---------- quota enforcement ----------

type EnforcementSection struct {
	MaxAttempts      int `yaml:"maxAttempts"`      // bounded block/unblock retries
	InitialBackoffMs int `yaml:"initialBackoffMs"` // first retry delay
	MaxBackoffSec    int `yaml:"maxBackoffSec"`    // retry delay ceiling
	BlockDurationMin int `yaml:"blockDurationMin"` // 0 = block until unblocked
}

// ---------- notifications ----------

type NotificationsSection struct {
	MaxAttempts int             `yaml:"maxAttempts"`
	Channels    []ChannelConfig `yaml:"channels"`
}

type ChannelConfig struct {
	Name       string `yaml:"name"`       // e.g. "parents"
	WebhookURL string `yaml:"webhookUrl"` // HTTP endpoint receiving alert JSON
}

// ---------- history (persistence collaborator) ----------

type HistorySection struct {
	MaxItems int `yaml:"maxItems,omitempty"`
	TTLSec   int `yaml:"ttlSec,omitempty"`
}

// ---------- event bus ----------

type BusSection struct {
	QueueDepth int `yaml:"queueDepth"`
}

// ---------- traffic probe ----------

type ProbeSection struct {
	Interfaces []InterfaceBinding `yaml:"interfaces"`
}

// InterfaceBinding maps a NIC name (as reported by the kernel) to the
// hardware address of the device whose traffic flows through it.
type InterfaceBinding struct {
	NIC          string `yaml:"nic"`
	HardwareAddr string `yaml:"hardwareAddr"`
}

// ---------- profiles and policies ----------

type ProfileConfig struct {
	ID                string   `yaml:"id"`   // unique logical name, e.g. "kids"
	Name              string   `yaml:"name"` // display name
	Devices           []string `yaml:"devices"`
	DailyTimeLimitMin int      `yaml:"dailyTimeLimitMin"` // 0 = no time limit
	DailyByteLimitMB  int      `yaml:"dailyByteLimitMb"`  // 0 = no byte limit
	WarnPercent       int      `yaml:"warnPercent"`       // 0 = no early warning
	Enabled           bool     `yaml:"enabled"`
}

// ---------- alert rules ----------

type AlertRuleConfig struct {
	Name        string  `yaml:"name"`
	Topic       string  `yaml:"topic"`
	Threshold   float64 `yaml:"threshold"`   // 0 = boolean trigger
	CooldownSec int     `yaml:"cooldownSec"` // minimum interval between notifications
	Priority    int     `yaml:"priority"`
	Channel     string  `yaml:"channel"`
	Enabled     bool    `yaml:"enabled"`
}

// ---------- defaults ----------

func applyDefaults(cfg *Config) {
	// admin
	if strings.TrimSpace(cfg.Admin.ListenAddr) == "" {
		cfg.Admin.ListenAddr = "0.0.0.0:8070"
	}
	// gateway
	if cfg.Gateway.TimeoutSec <= 0 {
		cfg.Gateway.TimeoutSec = 5
	}
	// discovery
	if cfg.Discovery.IntervalSec <= 0 {
		cfg.Discovery.IntervalSec = 60
	}
	if cfg.Discovery.OfflineThreshold <= 0 {
		cfg.Discovery.OfflineThreshold = 3
	}
	// usage
	if cfg.Usage.IntervalSec <= 0 {
		cfg.Usage.IntervalSec = 60
	}
	// enforcement
	if cfg.Enforcement.MaxAttempts <= 0 {
		cfg.Enforcement.MaxAttempts = 5
	}
	if cfg.Enforcement.InitialBackoffMs <= 0 {
		cfg.Enforcement.InitialBackoffMs = 500
	}
	if cfg.Enforcement.MaxBackoffSec <= 0 {
		cfg.Enforcement.MaxBackoffSec = 30
	}
	if cfg.Enforcement.BlockDurationMin < 0 {
		cfg.Enforcement.BlockDurationMin = 0
	}
	// notifications
	if cfg.Notifications.MaxAttempts <= 0 {
		cfg.Notifications.MaxAttempts = 3
	}
	// history
	if cfg.History.MaxItems < 0 {
		cfg.History.MaxItems = 0
	}
	if cfg.History.TTLSec < 0 {
		cfg.History.TTLSec = 0
	}
	// bus
	if cfg.Bus.QueueDepth <= 0 {
		cfg.Bus.QueueDepth = 64
	}
	// profiles
	for i := range cfg.Profiles {
		if cfg.Profiles[i].WarnPercent < 0 || cfg.Profiles[i].WarnPercent > 100 {
			cfg.Profiles[i].WarnPercent = 0
		}
	}
	// logging
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

// ---------- Validate ----------

func validateConfig(cfg *Config) error {
	// admin.listenAddr
	if !govalidator.IsDialString(cfg.Admin.ListenAddr) {
		return fmt.Errorf("admin.listenAddr is invalid: %q", cfg.Admin.ListenAddr)
	}

	// gateway
	if !govalidator.IsURL(cfg.Gateway.BaseURL) {
		return fmt.Errorf("gateway.baseUrl is invalid: %q", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.TimeoutSec <= 0 {
		return fmt.Errorf("gateway.timeoutSec must be > 0")
	}

	// discovery / usage cadences
	if cfg.Discovery.IntervalSec <= 0 {
		return fmt.Errorf("discovery.intervalSec must be > 0")
	}
	if cfg.Discovery.OfflineThreshold <= 0 {
		return fmt.Errorf("discovery.offlineThreshold must be > 0")
	}
	if cfg.Usage.IntervalSec <= 0 {
		return fmt.Errorf("usage.intervalSec must be > 0")
	}

	// notification channels
	channelNames := make(map[string]struct{}, len(cfg.Notifications.Channels))
	for i, channel := range cfg.Notifications.Channels {
		if strings.TrimSpace(channel.Name) == "" {
			return fmt.Errorf("notifications.channels[%d].name is empty", i)
		}
		if _, ok := channelNames[channel.Name]; ok {
			return fmt.Errorf("notifications.channels[%d].name duplicated: %q", i, channel.Name)
		}
		channelNames[channel.Name] = struct{}{}

		if !govalidator.IsURL(channel.WebhookURL) {
			return fmt.Errorf("notifications.channels[%d].webhookUrl is invalid: %q", i, channel.WebhookURL)
		}
	}

	// probe bindings
	for i, binding := range cfg.Probe.Interfaces {
		if strings.TrimSpace(binding.NIC) == "" {
			return fmt.Errorf("probe.interfaces[%d].nic is empty", i)
		}
		if !govalidator.IsMAC(binding.HardwareAddr) {
			return fmt.Errorf("probe.interfaces[%d].hardwareAddr is invalid: %q", i, binding.HardwareAddr)
		}
	}

	// profiles
	profileIDs := make(map[string]struct{}, len(cfg.Profiles))
	deviceOwners := make(map[string]string)
	for i, profile := range cfg.Profiles {
		if strings.TrimSpace(profile.ID) == "" {
			return fmt.Errorf("profiles[%d].id is empty", i)
		}
		if _, ok := profileIDs[profile.ID]; ok {
			return fmt.Errorf("profiles[%d].id duplicated: %q", i, profile.ID)
		}
		profileIDs[profile.ID] = struct{}{}

		if profile.DailyTimeLimitMin < 0 {
			return fmt.Errorf("profiles[%d].dailyTimeLimitMin must be >= 0", i)
		}
		if profile.DailyByteLimitMB < 0 {
			return fmt.Errorf("profiles[%d].dailyByteLimitMb must be >= 0", i)
		}

		for _, deviceAddr := range profile.Devices {
			if !govalidator.IsMAC(deviceAddr) {
				return fmt.Errorf("profiles[%d] device address is invalid: %q", i, deviceAddr)
			}
			normalized := strings.ToLower(deviceAddr)
			if owner, claimed := deviceOwners[normalized]; claimed && owner != profile.ID {
				return fmt.Errorf(
					"device %q assigned to both profile %q and profile %q",
					deviceAddr, owner, profile.ID,
				)
			}
			deviceOwners[normalized] = profile.ID
		}
	}

	// alert rules
	ruleNames := make(map[string]struct{}, len(cfg.AlertRules))
	for i, rule := range cfg.AlertRules {
		if strings.TrimSpace(rule.Name) == "" {
			return fmt.Errorf("alertRules[%d].name is empty", i)
		}
		if _, ok := ruleNames[rule.Name]; ok {
			return fmt.Errorf("alertRules[%d].name duplicated: %q", i, rule.Name)
		}
		ruleNames[rule.Name] = struct{}{}

		if !model.IsValidTopic(rule.Topic) {
			return fmt.Errorf("alertRules[%d].topic unsupported: %q", i, rule.Topic)
		}
		if rule.Threshold < 0 {
			return fmt.Errorf("alertRules[%d].threshold must be >= 0", i)
		}
		if rule.CooldownSec < 0 {
			return fmt.Errorf("alertRules[%d].cooldownSec must be >= 0", i)
		}
		if rule.Channel != "" {
			if _, ok := channelNames[rule.Channel]; !ok {
				return fmt.Errorf("alertRules[%d].channel unknown: %q", i, rule.Channel)
			}
		}
	}

	// history
	if cfg.History.MaxItems < 0 {
		return fmt.Errorf("history.maxItems must be >= 0")
	}
	if cfg.History.TTLSec < 0 {
		return fmt.Errorf("history.ttlSec must be >= 0")
	}

	// logging
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level unsupported: %q", cfg.Logging.Level)
	}
	return nil
}
