package factory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homewatch/netguard/internal/model"
)

const minimalConfigYAML = `
info:
  version: "1.0.0"
gateway:
  baseUrl: "http://192.168.1.1/api/v1"
notifications:
  channels:
    - name: "parents"
      webhookUrl: "http://192.168.1.50:9000/hook"
profiles:
  - id: "kids"
    name: "Kids"
    devices:
      - "aa:bb:cc:dd:ee:01"
    dailyTimeLimitMin: 120
    dailyByteLimitMb: 1024
    warnPercent: 80
    enabled: true
alertRules:
  - name: "limit-exceeded"
    topic: "INTERNET_LIMIT_EXCEEDED"
    cooldownSec: 3600
    channel: "parents"
    enabled: true
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netguardcfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalConfigYAML)

	cfg, loadError := (&DefaultLoader{}).Load(path)
	require.NoError(t, loadError)

	assert.Equal(t, "0.0.0.0:8070", cfg.Admin.ListenAddr)
	assert.Equal(t, 5, cfg.Gateway.TimeoutSec)
	assert.Equal(t, 60, cfg.Discovery.IntervalSec)
	assert.Equal(t, 3, cfg.Discovery.OfflineThreshold)
	assert.Equal(t, 60, cfg.Usage.IntervalSec)
	assert.Equal(t, 5, cfg.Enforcement.MaxAttempts)
	assert.Equal(t, 500, cfg.Enforcement.InitialBackoffMs)
	assert.Equal(t, 3, cfg.Notifications.MaxAttempts)
	assert.Equal(t, 64, cfg.Bus.QueueDepth)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, loadError := (&DefaultLoader{}).Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, loadError)
}

func TestLoadRejectsInvalidGatewayURL(t *testing.T) {
	path := writeConfigFile(t, `
gateway:
  baseUrl: "not a url at all"
`)
	_, loadError := (&DefaultLoader{}).Load(path)
	assert.Error(t, loadError)
}

func TestLoadRejectsDeviceInTwoProfiles(t *testing.T) {
	path := writeConfigFile(t, `
gateway:
  baseUrl: "http://192.168.1.1/api/v1"
profiles:
  - id: "kids"
    devices: ["aa:bb:cc:dd:ee:01"]
    enabled: true
  - id: "guests"
    devices: ["AA:BB:CC:DD:EE:01"]
    enabled: true
`)
	_, loadError := (&DefaultLoader{}).Load(path)
	require.Error(t, loadError)
	assert.Contains(t, loadError.Error(), "assigned to both")
}

func TestLoadRejectsUnknownAlertTopic(t *testing.T) {
	path := writeConfigFile(t, `
gateway:
  baseUrl: "http://192.168.1.1/api/v1"
alertRules:
  - name: "bad-rule"
    topic: "NO_SUCH_TOPIC"
    enabled: true
`)
	_, loadError := (&DefaultLoader{}).Load(path)
	require.Error(t, loadError)
	assert.Contains(t, loadError.Error(), "topic unsupported")
}

func TestLoadRejectsRuleWithUnknownChannel(t *testing.T) {
	path := writeConfigFile(t, `
gateway:
  baseUrl: "http://192.168.1.1/api/v1"
alertRules:
  - name: "orphan-rule"
    topic: "MOTION_DETECTED"
    channel: "nobody"
    enabled: true
`)
	_, loadError := (&DefaultLoader{}).Load(path)
	require.Error(t, loadError)
	assert.Contains(t, loadError.Error(), "channel unknown")
}

func TestLoadRejectsInvalidProbeBinding(t *testing.T) {
	path := writeConfigFile(t, `
gateway:
  baseUrl: "http://192.168.1.1/api/v1"
probe:
  interfaces:
    - nic: "eth1"
      hardwareAddr: "not-a-mac"
`)
	_, loadError := (&DefaultLoader{}).Load(path)
	assert.Error(t, loadError)
}

func TestPolicyStoreLookups(t *testing.T) {
	path := writeConfigFile(t, minimalConfigYAML)

	cfg, loadError := (&DefaultLoader{}).Load(path)
	require.NoError(t, loadError)

	policyStore := NewPolicyStore(path, cfg)

	policy, found := policyStore.PolicyForDevice("AA:BB:CC:DD:EE:01")
	require.True(t, found)
	assert.Equal(t, "kids", policy.ProfileID)
	assert.Equal(t, 2*time.Hour, policy.DailyTimeLimit)
	assert.Equal(t, uint64(1024)*1024*1024, policy.DailyByteLimit)
	assert.Equal(t, 80, policy.WarnPercent)
	assert.True(t, policy.Enabled)

	_, found = policyStore.PolicyForDevice("ff:ff:ff:ff:ff:ff")
	assert.False(t, found)

	profileID, displayName := policyStore.ProfileForDevice("aa:bb:cc:dd:ee:01")
	assert.Equal(t, "kids", profileID)
	assert.Equal(t, "Kids", displayName)

	rules := policyStore.AlertRules()
	require.Len(t, rules, 1)
	assert.Equal(t, model.TopicInternetLimitExceeded, rules[0].Topic)
	assert.Equal(t, time.Hour, rules[0].Cooldown)

	channelURL, channelKnown := policyStore.ChannelURL("parents")
	require.True(t, channelKnown)
	assert.Equal(t, "http://192.168.1.50:9000/hook", channelURL)
}

func TestPolicyStoreReloadKeepsOldDataOnFailure(t *testing.T) {
	path := writeConfigFile(t, minimalConfigYAML)

	cfg, loadError := (&DefaultLoader{}).Load(path)
	require.NoError(t, loadError)

	policyStore := NewPolicyStore(path, cfg)

	// Overwrite the file with a broken config; reload must fail and the
	// previous data must survive.
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  baseUrl: \"::bad::\"\n"), 0o600))
	assert.Error(t, policyStore.Reload())

	policy, found := policyStore.PolicyForDevice("aa:bb:cc:dd:ee:01")
	require.True(t, found)
	assert.Equal(t, "kids", policy.ProfileID)
}

func TestPolicyStoreReloadSwapsData(t *testing.T) {
	path := writeConfigFile(t, minimalConfigYAML)

	cfg, loadError := (&DefaultLoader{}).Load(path)
	require.NoError(t, loadError)

	policyStore := NewPolicyStore(path, cfg)

	updated := `
gateway:
  baseUrl: "http://192.168.1.1/api/v1"
profiles:
  - id: "teens"
    name: "Teens"
    devices: ["aa:bb:cc:dd:ee:01"]
    dailyByteLimitMb: 4096
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	require.NoError(t, policyStore.Reload())

	policy, found := policyStore.PolicyForDevice("aa:bb:cc:dd:ee:01")
	require.True(t, found)
	assert.Equal(t, "teens", policy.ProfileID)
}
