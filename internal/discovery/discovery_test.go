package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homewatch/netguard/internal/bus"
	"github.com/homewatch/netguard/internal/model"
	"github.com/homewatch/netguard/internal/registry"
	"github.com/homewatch/netguard/internal/store"
)

// fakeGateway returns a scripted host table per call.
type fakeGateway struct {
	hosts     []model.Host
	scanError error
}

func (gw *fakeGateway) ListActiveHosts(ctx context.Context) ([]model.Host, error) {
	if gw.scanError != nil {
		return nil, gw.scanError
	}
	return gw.hosts, nil
}

func (gw *fakeGateway) Block(ctx context.Context, hardwareAddr string) error   { return nil }
func (gw *fakeGateway) Unblock(ctx context.Context, hardwareAddr string) error { return nil }

// recordingBus captures published events synchronously.
type recordingBus struct {
	mutex  sync.Mutex
	events []model.Event
}

func (rb *recordingBus) Subscribe(topic model.Topic, subscriberName string, handler bus.Handler) error {
	return nil
}

func (rb *recordingBus) Publish(event model.Event) {
	rb.mutex.Lock()
	rb.events = append(rb.events, event)
	rb.mutex.Unlock()
}

func (rb *recordingBus) Close(ctx context.Context) error { return nil }

func (rb *recordingBus) eventsOnTopic(topic model.Topic) []model.Event {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	var matching []model.Event
	for _, event := range rb.events {
		if event.Topic == topic {
			matching = append(matching, event)
		}
	}
	return matching
}

func newTestWorker(gw *fakeGateway) (*Worker, registry.Registry, *recordingBus, store.Store) {
	deviceRegistry := registry.New(nil)
	eventBus := &recordingBus{}
	historyStore := store.NewMemoryStore(100, 0)
	worker := NewWorker(gw, deviceRegistry, eventBus, historyStore, 3)
	return worker, deviceRegistry, eventBus, historyStore
}

func TestNewDevicePublishesDeviceOnline(t *testing.T) {
	gw := &fakeGateway{hosts: []model.Host{
		{IPAddr: "192.168.1.10", HardwareAddr: "aa:bb:cc:00:00:01", Hostname: "tablet"},
	}}
	worker, deviceRegistry, eventBus, _ := newTestWorker(gw)

	require.NoError(t, worker.RunCycle(context.Background()))

	view, found := deviceRegistry.Get("aa:bb:cc:00:00:01")
	require.True(t, found)
	assert.Equal(t, model.StatusProvisional, view.Status)

	onlineEvents := eventBus.eventsOnTopic(model.TopicDeviceOnline)
	require.Len(t, onlineEvents, 1)
	payload, ok := onlineEvents[0].Payload.(model.DevicePayload)
	require.True(t, ok)
	assert.Equal(t, "aa:bb:cc:00:00:01", payload.HardwareAddr)
}

func TestRepeatSightingDoesNotRepublish(t *testing.T) {
	gw := &fakeGateway{hosts: []model.Host{
		{IPAddr: "192.168.1.10", HardwareAddr: "aa:bb:cc:00:00:01"},
	}}
	worker, _, eventBus, _ := newTestWorker(gw)

	require.NoError(t, worker.RunCycle(context.Background()))
	require.NoError(t, worker.RunCycle(context.Background()))

	assert.Len(t, eventBus.eventsOnTopic(model.TopicDeviceOnline), 1)
}

func TestAbsenceCrossesThresholdPublishesOfflineOnce(t *testing.T) {
	gw := &fakeGateway{hosts: []model.Host{
		{IPAddr: "192.168.1.10", HardwareAddr: "aa:bb:cc:00:00:01"},
	}}
	worker, deviceRegistry, eventBus, historyStore := newTestWorker(gw)

	require.NoError(t, worker.RunCycle(context.Background()))

	// Device disappears; three consecutive empty scans cross the threshold.
	gw.hosts = nil
	for i := 0; i < 5; i++ {
		require.NoError(t, worker.RunCycle(context.Background()))
	}

	view, _ := deviceRegistry.Get("aa:bb:cc:00:00:01")
	assert.Equal(t, model.StatusOffline, view.Status)

	offlineEvents := eventBus.eventsOnTopic(model.TopicDeviceOffline)
	assert.Len(t, offlineEvents, 1)

	sessions, queryError := historyStore.QueryUsageSessions(context.Background(), store.SessionQuery{})
	require.NoError(t, queryError)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Open())
}

func TestReappearancePublishesOnlineAgain(t *testing.T) {
	gw := &fakeGateway{hosts: []model.Host{
		{IPAddr: "192.168.1.10", HardwareAddr: "aa:bb:cc:00:00:01"},
	}}
	worker, _, eventBus, _ := newTestWorker(gw)

	require.NoError(t, worker.RunCycle(context.Background()))

	gw.hosts = nil
	for i := 0; i < 3; i++ {
		require.NoError(t, worker.RunCycle(context.Background()))
	}

	gw.hosts = []model.Host{{IPAddr: "192.168.1.10", HardwareAddr: "aa:bb:cc:00:00:01"}}
	require.NoError(t, worker.RunCycle(context.Background()))

	assert.Len(t, eventBus.eventsOnTopic(model.TopicDeviceOnline), 2)
}

func TestScanFailureLeavesRegistryUntouched(t *testing.T) {
	gw := &fakeGateway{hosts: []model.Host{
		{IPAddr: "192.168.1.10", HardwareAddr: "aa:bb:cc:00:00:01"},
	}}
	worker, deviceRegistry, eventBus, _ := newTestWorker(gw)

	require.NoError(t, worker.RunCycle(context.Background()))

	gw.scanError = errors.New("router unreachable")
	for i := 0; i < 5; i++ {
		assert.Error(t, worker.RunCycle(context.Background()))
	}

	// Failed scans must not count as absences.
	view, _ := deviceRegistry.Get("aa:bb:cc:00:00:01")
	assert.Equal(t, model.StatusProvisional, view.Status)
	assert.Equal(t, 0, view.MissedScans)
	assert.Empty(t, eventBus.eventsOnTopic(model.TopicDeviceOffline))
}

func TestAddressConflictFlagsBothDevices(t *testing.T) {
	gw := &fakeGateway{hosts: []model.Host{
		{IPAddr: "192.168.1.10", HardwareAddr: "aa:bb:cc:00:00:01"},
		{IPAddr: "192.168.1.11", HardwareAddr: "aa:bb:cc:00:00:02"},
	}}
	worker, deviceRegistry, eventBus, _ := newTestWorker(gw)

	require.NoError(t, worker.RunCycle(context.Background()))

	// Both hardware ids now claim the same IP.
	gw.hosts = []model.Host{
		{IPAddr: "192.168.1.10", HardwareAddr: "aa:bb:cc:00:00:01"},
		{IPAddr: "192.168.1.10", HardwareAddr: "aa:bb:cc:00:00:02"},
	}
	require.NoError(t, worker.RunCycle(context.Background()))

	viewOne, _ := deviceRegistry.Get("aa:bb:cc:00:00:01")
	viewTwo, _ := deviceRegistry.Get("aa:bb:cc:00:00:02")
	assert.True(t, viewOne.Conflicted)
	assert.True(t, viewTwo.Conflicted)

	// Conflicted sightings are not treated as absences either.
	assert.Empty(t, eventBus.eventsOnTopic(model.TopicDeviceOffline))
}
