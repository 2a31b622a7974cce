package factory

import (
	"strings"
	"sync"
	"time"

	"github.com/homewatch/netguard/internal/logger"
	"github.com/homewatch/netguard/internal/model"
)

// PolicyStore exposes read access to policy/rule configuration plus the
// explicit reload operation. Usage policies, alert rules and notification
// channels all live in the YAML config file; a reload that fails
// validation leaves the previous data in place, so the engine never runs
// with a partially applied policy set.
type PolicyStore interface {
	// PolicyFor returns the usage policy for a profile.
	PolicyFor(profileID string) (model.UsagePolicy, bool)

	// PolicyForDevice resolves the device's owning profile and returns
	// its policy.
	PolicyForDevice(hardwareAddr string) (model.UsagePolicy, bool)

	// ProfileForDevice returns the owning profile id and display name
	// for a device, both empty when unassigned.
	ProfileForDevice(hardwareAddr string) (profileID string, displayName string)

	// AlertRules returns a copy of all configured alert rules.
	AlertRules() []model.AlertRule

	// ChannelURL returns the webhook URL for a notification channel.
	ChannelURL(name string) (string, bool)

	// Reload re-reads the config file and atomically swaps the policy,
	// rule and channel data. Engine settings (intervals, listen
	// addresses) are not changed by a reload.
	Reload() error
}

type policyData struct {
	policiesByProfile map[string]model.UsagePolicy
	profileByDevice   map[string]string
	rules             []model.AlertRule
	channelsByName    map[string]string
}

type filePolicyStore struct {
	configPath string

	mutexForData sync.RWMutex
	data         policyData
}

// NewPolicyStore builds a PolicyStore from an already-validated Config.
// The path is kept so Reload can re-read the same file.
func NewPolicyStore(configPath string, cfg *Config) PolicyStore {
	return &filePolicyStore{
		configPath: configPath,
		data:       buildPolicyData(cfg),
	}
}

// PolicyFor implements PolicyStore.PolicyFor.
func (store *filePolicyStore) PolicyFor(profileID string) (model.UsagePolicy, bool) {
	store.mutexForData.RLock()
	defer store.mutexForData.RUnlock()

	policy, exists := store.data.policiesByProfile[profileID]
	return policy, exists
}

// PolicyForDevice implements PolicyStore.PolicyForDevice.
func (store *filePolicyStore) PolicyForDevice(hardwareAddr string) (model.UsagePolicy, bool) {
	store.mutexForData.RLock()
	defer store.mutexForData.RUnlock()

	profileID, exists := store.data.profileByDevice[strings.ToLower(hardwareAddr)]
	if !exists {
		return model.UsagePolicy{}, false
	}
	policy, exists := store.data.policiesByProfile[profileID]
	return policy, exists
}

// ProfileForDevice implements PolicyStore.ProfileForDevice.
func (store *filePolicyStore) ProfileForDevice(hardwareAddr string) (string, string) {
	store.mutexForData.RLock()
	defer store.mutexForData.RUnlock()

	profileID, exists := store.data.profileByDevice[strings.ToLower(hardwareAddr)]
	if !exists {
		return "", ""
	}
	if policy, hasPolicy := store.data.policiesByProfile[profileID]; hasPolicy {
		return profileID, policy.DisplayName
	}
	return profileID, ""
}

// AlertRules implements PolicyStore.AlertRules.
func (store *filePolicyStore) AlertRules() []model.AlertRule {
	store.mutexForData.RLock()
	defer store.mutexForData.RUnlock()

	result := make([]model.AlertRule, len(store.data.rules))
	copy(result, store.data.rules)
	return result
}

// ChannelURL implements PolicyStore.ChannelURL.
func (store *filePolicyStore) ChannelURL(name string) (string, bool) {
	store.mutexForData.RLock()
	defer store.mutexForData.RUnlock()

	url, exists := store.data.channelsByName[name]
	return url, exists
}

// Reload implements PolicyStore.Reload.
func (store *filePolicyStore) Reload() error {
	cfg, readError := ReadConfig(store.configPath)
	if readError != nil {
		logger.CfgLog.Errorf("policy reload failed, keeping previous data: %v", readError)
		return readError
	}

	fresh := buildPolicyData(cfg)

	store.mutexForData.Lock()
	store.data = fresh
	store.mutexForData.Unlock()

	logger.CfgLog.Infof(
		"policies reloaded: %d profile(s), %d alert rule(s), %d channel(s)",
		len(fresh.policiesByProfile), len(fresh.rules), len(fresh.channelsByName),
	)
	return nil
}

// buildPolicyData converts the raw config sections into the lookup
// structures used at runtime.
func buildPolicyData(cfg *Config) policyData {
	data := policyData{
		policiesByProfile: make(map[string]model.UsagePolicy, len(cfg.Profiles)),
		profileByDevice:   make(map[string]string),
		rules:             make([]model.AlertRule, 0, len(cfg.AlertRules)),
		channelsByName:    make(map[string]string, len(cfg.Notifications.Channels)),
	}

	for _, profile := range cfg.Profiles {
		data.policiesByProfile[profile.ID] = model.UsagePolicy{
			ProfileID:      profile.ID,
			DisplayName:    profile.Name,
			DailyTimeLimit: time.Duration(profile.DailyTimeLimitMin) * time.Minute,
			DailyByteLimit: uint64(profile.DailyByteLimitMB) * 1024 * 1024,
			WarnPercent:    profile.WarnPercent,
			Enabled:        profile.Enabled,
		}
		for _, deviceAddr := range profile.Devices {
			data.profileByDevice[strings.ToLower(deviceAddr)] = profile.ID
		}
	}

	for _, rule := range cfg.AlertRules {
		data.rules = append(data.rules, model.AlertRule{
			Name:      rule.Name,
			Topic:     model.Topic(rule.Topic),
			Threshold: rule.Threshold,
			Cooldown:  time.Duration(rule.CooldownSec) * time.Second,
			Priority:  rule.Priority,
			Channel:   rule.Channel,
			Enabled:   rule.Enabled,
		})
	}

	for _, channel := range cfg.Notifications.Channels {
		data.channelsByName[channel.Name] = channel.WebhookURL
	}

	return data
}
